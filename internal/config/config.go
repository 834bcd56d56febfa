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
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Detection strategies
const (
	StrategyHeuristic  = "heuristic"
	StrategyClassifier = "classifier"
)

// Config holds all configuration for the VoiceCheck service
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Detection  DetectionConfig  `yaml:"detection"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Storage    StorageConfig    `yaml:"storage"`
	NATS       NATSConfig       `yaml:"nats"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	GRPCEnabled  bool          `yaml:"grpc_enabled"`
	GRPCPort     int           `yaml:"grpc_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AuthConfig holds the shared-secret API key settings
type AuthConfig struct {
	APIKey     string `yaml:"api_key"`
	HeaderName string `yaml:"header_name"`
}

// DetectionConfig holds the audio analysis and decision settings.
// BaseThreshold and LanguageBias are calibrated against TargetSampleRate,
// FrameSize and HopSize; changing one without the others shifts the
// classification boundary.
type DetectionConfig struct {
	Strategy           string             `yaml:"strategy"`
	TargetSampleRate   int                `yaml:"target_sample_rate"`
	FrameSize          int                `yaml:"frame_size"`
	HopSize            int                `yaml:"hop_size"`
	BaseThreshold      float64            `yaml:"base_threshold"`
	LanguageBias       map[string]float64 `yaml:"language_bias"`
	EnforceLanguages   bool               `yaml:"enforce_languages"`
	SupportedLanguages []string           `yaml:"supported_languages"`
	MaxPayloadBytes    int                `yaml:"max_payload_bytes"`
	MaxAudioSeconds    int                `yaml:"max_audio_seconds"`
	ProcessingTimeout  time.Duration      `yaml:"processing_timeout"`
}

// ClassifierConfig holds settings for the external pretrained classifier
type ClassifierConfig struct {
	Enabled            bool          `yaml:"enabled"`
	URL                string        `yaml:"url"`
	Model              string        `yaml:"model"`
	Timeout            time.Duration `yaml:"timeout"`
	SerializeInference bool          `yaml:"serialize_inference"`
}

// StorageConfig holds detection audit storage settings
type StorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"` // "sqlite" or "postgres"
	DSN     string `yaml:"dsn"`    // file path for sqlite, connection string for postgres
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NATSConfig holds NATS messaging configuration
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// DefaultLanguageBias is the per-language threshold offset table in Hz.
// Languages not listed get no bias.
func DefaultLanguageBias() map[string]float64 {
	return map[string]float64{
		"english":   0,
		"hindi":     150,
		"tamil":     200,
		"telugu":    175,
		"malayalam": 225,
	}
}

// DefaultSupportedLanguages is the allow-list used when language enforcement is on
func DefaultSupportedLanguages() []string {
	return []string{"English", "Hindi", "Tamil", "Telugu", "Malayalam"}
}

// Default returns the built-in configuration before file and environment overrides
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			GRPCEnabled:  true,
			GRPCPort:     50051,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			APIKey:     "my_secret_key_123",
			HeaderName: "x-api-key",
		},
		Detection: DetectionConfig{
			Strategy:           StrategyHeuristic,
			TargetSampleRate:   16000,
			FrameSize:          512,
			HopSize:            256,
			BaseThreshold:      2700,
			LanguageBias:       DefaultLanguageBias(),
			EnforceLanguages:   false,
			SupportedLanguages: DefaultSupportedLanguages(),
			MaxPayloadBytes:    10 << 20,
			MaxAudioSeconds:    120,
			ProcessingTimeout:  15 * time.Second,
		},
		Classifier: ClassifierConfig{
			Enabled:            false,
			URL:                "http://localhost:8090",
			Model:              "deepfake-audio-detector",
			Timeout:            10 * time.Second,
			SerializeInference: true,
		},
		Storage: StorageConfig{
			Enabled: false,
			Driver:  "sqlite",
			DSN:     "./data/voicecheck.db",
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://localhost:4222",
			Subject:       "loqa.voicecheck.detections",
			MaxReconnect:  10,
			ReconnectWait: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from an optional YAML file (VOICECHECK_CONFIG_FILE)
// and environment variables, in that order of precedence from lowest to highest
func Load() (*Config, error) {
	config := Default()

	if path := os.Getenv("VOICECHECK_CONFIG_FILE"); path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}

	config.applyEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFile overlays values from a YAML file onto the config
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

// applyEnv overrides configuration with environment variables
func (c *Config) applyEnv() {
	c.Server.Host = getEnvString("VOICECHECK_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("VOICECHECK_PORT", c.Server.Port)
	c.Server.GRPCEnabled = getEnvBool("VOICECHECK_GRPC_ENABLED", c.Server.GRPCEnabled)
	c.Server.GRPCPort = getEnvInt("VOICECHECK_GRPC_PORT", c.Server.GRPCPort)
	c.Server.ReadTimeout = getEnvDuration("VOICECHECK_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("VOICECHECK_WRITE_TIMEOUT", c.Server.WriteTimeout)

	c.Auth.APIKey = getEnvString("VOICECHECK_API_KEY", c.Auth.APIKey)
	c.Auth.HeaderName = getEnvString("VOICECHECK_API_KEY_HEADER", c.Auth.HeaderName)

	c.Detection.Strategy = strings.ToLower(getEnvString("DETECTION_STRATEGY", c.Detection.Strategy))
	c.Detection.TargetSampleRate = getEnvInt("DETECTION_SAMPLE_RATE", c.Detection.TargetSampleRate)
	c.Detection.FrameSize = getEnvInt("DETECTION_FRAME_SIZE", c.Detection.FrameSize)
	c.Detection.HopSize = getEnvInt("DETECTION_HOP_SIZE", c.Detection.HopSize)
	c.Detection.BaseThreshold = getEnvFloat64("DETECTION_BASE_THRESHOLD", c.Detection.BaseThreshold)
	c.Detection.EnforceLanguages = getEnvBool("ENFORCE_LANGUAGES", c.Detection.EnforceLanguages)
	c.Detection.SupportedLanguages = getEnvList("SUPPORTED_LANGUAGES", c.Detection.SupportedLanguages)
	c.Detection.MaxPayloadBytes = getEnvInt("DETECTION_MAX_PAYLOAD_BYTES", c.Detection.MaxPayloadBytes)
	c.Detection.MaxAudioSeconds = getEnvInt("DETECTION_MAX_AUDIO_SECONDS", c.Detection.MaxAudioSeconds)
	c.Detection.ProcessingTimeout = getEnvDuration("DETECTION_PROCESSING_TIMEOUT", c.Detection.ProcessingTimeout)

	c.Classifier.Enabled = getEnvBool("CLASSIFIER_ENABLED", c.Classifier.Enabled)
	c.Classifier.URL = getEnvString("CLASSIFIER_URL", c.Classifier.URL)
	c.Classifier.Model = getEnvString("CLASSIFIER_MODEL", c.Classifier.Model)
	c.Classifier.Timeout = getEnvDuration("CLASSIFIER_TIMEOUT", c.Classifier.Timeout)
	c.Classifier.SerializeInference = getEnvBool("CLASSIFIER_SERIALIZE_INFERENCE", c.Classifier.SerializeInference)

	c.Storage.Enabled = getEnvBool("STORAGE_ENABLED", c.Storage.Enabled)
	c.Storage.Driver = strings.ToLower(getEnvString("STORAGE_DRIVER", c.Storage.Driver))
	c.Storage.DSN = getEnvString("STORAGE_DSN", c.Storage.DSN)

	c.NATS.Enabled = getEnvBool("NATS_ENABLED", c.NATS.Enabled)
	c.NATS.URL = getEnvString("NATS_URL", c.NATS.URL)
	c.NATS.Subject = getEnvString("NATS_SUBJECT", c.NATS.Subject)
	c.NATS.MaxReconnect = getEnvInt("NATS_MAX_RECONNECT", c.NATS.MaxReconnect)
	c.NATS.ReconnectWait = getEnvDuration("NATS_RECONNECT_WAIT", c.NATS.ReconnectWait)

	c.Logging.Level = getEnvString("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvString("LOG_FORMAT", c.Logging.Format)
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.GRPCEnabled && (c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535) {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}

	if c.Auth.APIKey == "" {
		return fmt.Errorf("API key must be provided")
	}

	if c.Auth.HeaderName == "" {
		return fmt.Errorf("API key header name must be provided")
	}

	switch c.Detection.Strategy {
	case StrategyHeuristic, StrategyClassifier:
	default:
		return fmt.Errorf("unknown detection strategy: %q", c.Detection.Strategy)
	}

	if c.Detection.TargetSampleRate != 16000 && c.Detection.TargetSampleRate != 8000 {
		return fmt.Errorf("target sample rate must be 16000 or 8000: %d", c.Detection.TargetSampleRate)
	}

	if c.Detection.FrameSize <= 0 || c.Detection.FrameSize&(c.Detection.FrameSize-1) != 0 {
		return fmt.Errorf("frame size must be a positive power of two: %d", c.Detection.FrameSize)
	}

	if c.Detection.HopSize <= 0 || c.Detection.HopSize > c.Detection.FrameSize {
		return fmt.Errorf("hop size must be in (0, frame size]: %d", c.Detection.HopSize)
	}

	if c.Detection.BaseThreshold <= 0 {
		return fmt.Errorf("base threshold must be positive: %f", c.Detection.BaseThreshold)
	}

	if c.Detection.EnforceLanguages && len(c.Detection.SupportedLanguages) == 0 {
		return fmt.Errorf("language enforcement requires at least one supported language")
	}

	if c.Detection.MaxPayloadBytes <= 0 {
		return fmt.Errorf("max payload bytes must be positive: %d", c.Detection.MaxPayloadBytes)
	}

	if c.Detection.MaxAudioSeconds <= 0 {
		return fmt.Errorf("max audio seconds must be positive: %d", c.Detection.MaxAudioSeconds)
	}

	if c.Detection.ProcessingTimeout <= 0 {
		return fmt.Errorf("processing timeout must be positive: %v", c.Detection.ProcessingTimeout)
	}

	if (c.Classifier.Enabled || c.Detection.Strategy == StrategyClassifier) && c.Classifier.URL == "" {
		return fmt.Errorf("classifier URL must be provided")
	}

	if c.Storage.Enabled {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver)
		}
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage DSN must be provided")
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("NATS URL must be provided")
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvList parses a comma separated list, dropping empty entries
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
