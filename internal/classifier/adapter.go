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

// Package classifier wraps an external pretrained audio classification model
// served over HTTP.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-voicecheck/internal/audio"
	"github.com/loqalabs/loqa-voicecheck/internal/config"
	"github.com/loqalabs/loqa-voicecheck/internal/logging"
)

// Normalized labels
const (
	LabelHuman       = "HUMAN"
	LabelAIGenerated = "AI_GENERATED"
)

// ErrUnavailable is returned by Classify when the model did not load at startup
var ErrUnavailable = errors.New("classifier model unavailable")

// Prediction is a single model output
type Prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Adapter is the process-wide handle to the classification model. It is
// loaded once by Load and never reloaded; a failed load leaves it
// permanently unavailable.
type Adapter struct {
	baseURL    string
	model      string
	httpClient *http.Client
	loaded     bool
	loadErr    error

	// serializes inference when the backend is not reentrant
	serialize bool
	mu        sync.Mutex
}

// Load probes the model backend once. It never returns nil; check Loaded.
func Load(ctx context.Context, cfg config.ClassifierConfig) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	a := &Adapter{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
		serialize:  cfg.SerializeInference,
	}

	if !cfg.Enabled {
		a.loadErr = errors.New("classifier disabled")
		logging.LogClassifier("load", zap.Bool("loaded", false), zap.String("reason", "disabled"))
		return a
	}

	if err := a.healthCheck(ctx); err != nil {
		a.loadErr = err
		logging.LogClassifier("load",
			zap.Bool("loaded", false),
			zap.String("model", a.model),
			zap.String("base_url", a.baseURL),
			zap.Error(err),
		)
		return a
	}

	a.loaded = true
	logging.LogClassifier("load",
		zap.Bool("loaded", true),
		zap.String("model", a.model),
		zap.String("base_url", a.baseURL),
	)
	return a
}

// Unavailable returns an adapter that was never loaded
func Unavailable() *Adapter {
	return &Adapter{loadErr: errors.New("classifier not configured")}
}

// Loaded reports whether the model is usable
func (a *Adapter) Loaded() bool {
	return a != nil && a.loaded
}

// Model returns the configured model name
func (a *Adapter) Model() string {
	if a == nil {
		return ""
	}
	return a.model
}

// LoadError returns why the model is unavailable, or nil
func (a *Adapter) LoadError() error {
	if a == nil {
		return ErrUnavailable
	}
	return a.loadErr
}

func (a *Adapter) healthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to classifier at %s: %w", a.baseURL, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logging.LogWarn("failed to close response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("classifier health check failed with status: %d", resp.StatusCode)
	}
	return nil
}

// Classify runs the model on a waveform and returns its top prediction
func (a *Adapter) Classify(ctx context.Context, w audio.Waveform) (Prediction, error) {
	if !a.Loaded() {
		return Prediction{}, ErrUnavailable
	}
	if len(w.Samples) == 0 {
		return Prediction{}, errors.New("empty audio data")
	}

	wavData, err := audio.EncodeWAV(w)
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to convert audio to WAV: %w", err)
	}

	if a.serialize {
		a.mu.Lock()
		defer a.mu.Unlock()
	}

	endpoint := a.baseURL + "/v1/classify?model=" + url.QueryEscape(a.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(wavData))
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("classification request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logging.LogWarn("failed to close response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Prediction{}, fmt.Errorf("classification failed with status %d: %s", resp.StatusCode, string(body))
	}

	var predictions []Prediction
	if err := json.NewDecoder(resp.Body).Decode(&predictions); err != nil {
		return Prediction{}, fmt.Errorf("failed to parse classification response: %w", err)
	}

	top, err := topPrediction(predictions)
	if err != nil {
		return Prediction{}, err
	}

	logging.LogClassifier("classify",
		zap.String("model", a.model),
		zap.String("label", top.Label),
		zap.Float64("score", top.Score),
		zap.Int64("processing_time_ms", time.Since(start).Milliseconds()),
	)
	return top, nil
}

func topPrediction(predictions []Prediction) (Prediction, error) {
	if len(predictions) == 0 {
		return Prediction{}, errors.New("classifier returned no predictions")
	}
	top := predictions[0]
	for _, p := range predictions[1:] {
		if p.Score > top.Score {
			top = p
		}
	}
	return top, nil
}

// NormalizeLabel maps a raw model label onto HUMAN or AI_GENERATED
func NormalizeLabel(raw string) string {
	label := strings.ToLower(raw)
	for _, marker := range []string{"fake", "ai", "synthetic"} {
		if strings.Contains(label, marker) {
			return LabelAIGenerated
		}
	}
	return LabelHuman
}
