/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8000)
	}
	if cfg.Auth.HeaderName != "x-api-key" {
		t.Errorf("Auth.HeaderName = %q, want %q", cfg.Auth.HeaderName, "x-api-key")
	}
	if cfg.Detection.Strategy != StrategyHeuristic {
		t.Errorf("Detection.Strategy = %q, want %q", cfg.Detection.Strategy, StrategyHeuristic)
	}
	if cfg.Detection.TargetSampleRate != 16000 {
		t.Errorf("Detection.TargetSampleRate = %d, want %d", cfg.Detection.TargetSampleRate, 16000)
	}
	if cfg.Detection.FrameSize != 512 || cfg.Detection.HopSize != 256 {
		t.Errorf("Detection frame/hop = %d/%d, want 512/256", cfg.Detection.FrameSize, cfg.Detection.HopSize)
	}
	if cfg.Detection.BaseThreshold != 2700 {
		t.Errorf("Detection.BaseThreshold = %f, want %f", cfg.Detection.BaseThreshold, 2700.0)
	}
	if cfg.Detection.LanguageBias["tamil"] != 200 {
		t.Errorf("Detection.LanguageBias[tamil] = %f, want %f", cfg.Detection.LanguageBias["tamil"], 200.0)
	}
	if cfg.Detection.EnforceLanguages {
		t.Error("Detection.EnforceLanguages should default to false")
	}
	if cfg.Classifier.Enabled || cfg.Storage.Enabled || cfg.NATS.Enabled {
		t.Error("optional integrations should be disabled by default")
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name: "Server configuration",
			envVars: map[string]string{
				"VOICECHECK_HOST":          "127.0.0.1",
				"VOICECHECK_PORT":          "3000",
				"VOICECHECK_GRPC_PORT":     "50052",
				"VOICECHECK_READ_TIMEOUT":  "5s",
				"VOICECHECK_WRITE_TIMEOUT": "7s",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Server.Host != "127.0.0.1" {
					t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
				}
				if cfg.Server.Port != 3000 {
					t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 3000)
				}
				if cfg.Server.GRPCPort != 50052 {
					t.Errorf("Server.GRPCPort = %d, want %d", cfg.Server.GRPCPort, 50052)
				}
				if cfg.Server.ReadTimeout != 5*time.Second || cfg.Server.WriteTimeout != 7*time.Second {
					t.Errorf("Server timeouts = %v/%v, want 5s/7s", cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
				}
			},
		},
		{
			name: "Auth configuration",
			envVars: map[string]string{
				"VOICECHECK_API_KEY":        "s3cret",
				"VOICECHECK_API_KEY_HEADER": "X-Voice-Key",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Auth.APIKey != "s3cret" {
					t.Errorf("Auth.APIKey = %q, want %q", cfg.Auth.APIKey, "s3cret")
				}
				if cfg.Auth.HeaderName != "X-Voice-Key" {
					t.Errorf("Auth.HeaderName = %q, want %q", cfg.Auth.HeaderName, "X-Voice-Key")
				}
			},
		},
		{
			name: "Detection configuration",
			envVars: map[string]string{
				"DETECTION_STRATEGY":           "CLASSIFIER",
				"DETECTION_SAMPLE_RATE":        "8000",
				"DETECTION_BASE_THRESHOLD":     "2500.5",
				"ENFORCE_LANGUAGES":            "true",
				"SUPPORTED_LANGUAGES":          "English, Tamil ,,",
				"DETECTION_MAX_PAYLOAD_BYTES":  "1024",
				"DETECTION_PROCESSING_TIMEOUT": "2s",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Detection.Strategy != StrategyClassifier {
					t.Errorf("Detection.Strategy = %q, want %q", cfg.Detection.Strategy, StrategyClassifier)
				}
				if cfg.Detection.TargetSampleRate != 8000 {
					t.Errorf("Detection.TargetSampleRate = %d, want %d", cfg.Detection.TargetSampleRate, 8000)
				}
				if cfg.Detection.BaseThreshold != 2500.5 {
					t.Errorf("Detection.BaseThreshold = %f, want %f", cfg.Detection.BaseThreshold, 2500.5)
				}
				if !cfg.Detection.EnforceLanguages {
					t.Error("Detection.EnforceLanguages should be true")
				}
				got := strings.Join(cfg.Detection.SupportedLanguages, "|")
				if got != "English|Tamil" {
					t.Errorf("Detection.SupportedLanguages = %q, want %q", got, "English|Tamil")
				}
				if cfg.Detection.MaxPayloadBytes != 1024 {
					t.Errorf("Detection.MaxPayloadBytes = %d, want %d", cfg.Detection.MaxPayloadBytes, 1024)
				}
				if cfg.Detection.ProcessingTimeout != 2*time.Second {
					t.Errorf("Detection.ProcessingTimeout = %v, want %v", cfg.Detection.ProcessingTimeout, 2*time.Second)
				}
			},
		},
		{
			name: "Integrations configuration",
			envVars: map[string]string{
				"CLASSIFIER_ENABLED": "true",
				"CLASSIFIER_URL":     "http://model:9000",
				"STORAGE_ENABLED":    "true",
				"STORAGE_DRIVER":     "Postgres",
				"STORAGE_DSN":        "postgres://u:p@db/voicecheck",
				"NATS_ENABLED":       "true",
				"NATS_SUBJECT":       "test.detections",
			},
			validate: func(t *testing.T, cfg *Config) {
				if !cfg.Classifier.Enabled || cfg.Classifier.URL != "http://model:9000" {
					t.Errorf("Classifier = %+v", cfg.Classifier)
				}
				if cfg.Storage.Driver != "postgres" {
					t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, "postgres")
				}
				if cfg.NATS.Subject != "test.detections" {
					t.Errorf("NATS.Subject = %q, want %q", cfg.NATS.Subject, "test.detections")
				}
			},
		},
		{
			name: "Invalid values fall back to defaults",
			envVars: map[string]string{
				"VOICECHECK_PORT":          "not-a-number",
				"DETECTION_BASE_THRESHOLD": "abc",
				"ENFORCE_LANGUAGES":        "maybe",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Server.Port != 8000 {
					t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8000)
				}
				if cfg.Detection.BaseThreshold != 2700 {
					t.Errorf("Detection.BaseThreshold = %f, want %f", cfg.Detection.BaseThreshold, 2700.0)
				}
				if cfg.Detection.EnforceLanguages {
					t.Error("Detection.EnforceLanguages should stay false")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicecheck.yaml")
	content := `
server:
  port: 9100
detection:
  base_threshold: 3000
  processing_timeout: 4s
  language_bias:
    kannada: 90
storage:
  enabled: true
  dsn: /tmp/voicecheck-test.db
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("VOICECHECK_CONFIG_FILE", path)
	t.Setenv("VOICECHECK_PORT", "9200")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	// Environment wins over the file
	if cfg.Server.Port != 9200 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9200)
	}
	if cfg.Detection.BaseThreshold != 3000 {
		t.Errorf("Detection.BaseThreshold = %f, want %f", cfg.Detection.BaseThreshold, 3000.0)
	}
	if cfg.Detection.ProcessingTimeout != 4*time.Second {
		t.Errorf("Detection.ProcessingTimeout = %v, want %v", cfg.Detection.ProcessingTimeout, 4*time.Second)
	}
	if cfg.Detection.LanguageBias["kannada"] != 90 {
		t.Errorf("LanguageBias[kannada] = %f, want %f", cfg.Detection.LanguageBias["kannada"], 90.0)
	}
	if cfg.Detection.LanguageBias["tamil"] != 200 {
		t.Errorf("default bias entries should survive the overlay, got %v", cfg.Detection.LanguageBias)
	}
	if !cfg.Storage.Enabled || cfg.Storage.DSN != "/tmp/voicecheck-test.db" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
}

func TestLoad_ConfigFileErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		t.Setenv("VOICECHECK_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
		if _, err := Load(); err == nil {
			t.Error("Load() should fail for a missing config file")
		}
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		if err := os.WriteFile(path, []byte("server: [not, a, map"), 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("VOICECHECK_CONFIG_FILE", path)
		if _, err := Load(); err == nil {
			t.Error("Load() should fail for malformed YAML")
		}
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "invalid server port"},
		{name: "invalid grpc port", mutate: func(c *Config) { c.Server.GRPCPort = 0 }, wantErr: "invalid gRPC port"},
		{name: "grpc port ignored when disabled", mutate: func(c *Config) { c.Server.GRPCEnabled = false; c.Server.GRPCPort = 0 }},
		{name: "empty api key", mutate: func(c *Config) { c.Auth.APIKey = "" }, wantErr: "API key"},
		{name: "unknown strategy", mutate: func(c *Config) { c.Detection.Strategy = "blend" }, wantErr: "unknown detection strategy"},
		{name: "unsupported sample rate", mutate: func(c *Config) { c.Detection.TargetSampleRate = 44100 }, wantErr: "target sample rate"},
		{name: "frame not power of two", mutate: func(c *Config) { c.Detection.FrameSize = 500 }, wantErr: "frame size"},
		{name: "hop larger than frame", mutate: func(c *Config) { c.Detection.HopSize = 1024 }, wantErr: "hop size"},
		{name: "enforcement without languages", mutate: func(c *Config) {
			c.Detection.EnforceLanguages = true
			c.Detection.SupportedLanguages = nil
		}, wantErr: "language enforcement"},
		{name: "classifier strategy without url", mutate: func(c *Config) {
			c.Detection.Strategy = StrategyClassifier
			c.Classifier.URL = ""
		}, wantErr: "classifier URL"},
		{name: "unknown storage driver", mutate: func(c *Config) {
			c.Storage.Enabled = true
			c.Storage.Driver = "mysql"
		}, wantErr: "unsupported storage driver"},
		{name: "zero timeout", mutate: func(c *Config) { c.Detection.ProcessingTimeout = 0 }, wantErr: "processing timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
