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

package events

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DetectionEvent is the audit record of one voice detection request
type DetectionEvent struct {
	// Core identification
	UUID      string    `json:"uuid" db:"uuid"`
	RequestID string    `json:"request_id" db:"request_id"`
	Timestamp time.Time `json:"timestamp" db:"created_at"`

	// Request metadata
	Language    string `json:"language" db:"language"`
	AudioFormat string `json:"audio_format" db:"audio_format"`
	AudioHash   string `json:"audio_hash" db:"audio_hash"`

	// Audio metadata
	AudioDuration float64 `json:"audio_duration" db:"audio_duration"`
	SampleRate    int     `json:"sample_rate" db:"sample_rate"`

	// Analysis
	Strategy         string  `json:"strategy" db:"strategy"`
	SpectralCentroid float64 `json:"spectral_centroid" db:"spectral_centroid"`
	Threshold        float64 `json:"threshold" db:"threshold"`
	ModelLabel       string  `json:"model_label,omitempty" db:"model_label"`

	// Verdict
	Classification  string  `json:"classification,omitempty" db:"classification"`
	ConfidenceScore float64 `json:"confidence_score" db:"confidence_score"`

	ProcessingTime int64  `json:"processing_time_ms" db:"processing_time_ms"`
	Success        bool   `json:"success" db:"success"`
	ErrorKind      string `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage   string `json:"error_message,omitempty" db:"error_message"`
}

// NewDetectionEvent creates an event with a fresh UUID and the current timestamp
func NewDetectionEvent(requestID string) *DetectionEvent {
	return &DetectionEvent{
		UUID:      uuid.NewString(),
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
	}
}

// SetRequest records the declared request metadata. Only a hash of the
// payload is kept.
func (de *DetectionEvent) SetRequest(language, audioFormat, payload string) {
	de.Language = language
	de.AudioFormat = audioFormat
	de.AudioHash = HashPayload(payload)
}

// SetAudioMetadata records properties of the decoded waveform
func (de *DetectionEvent) SetAudioMetadata(duration time.Duration, sampleRate int) {
	de.AudioDuration = duration.Seconds()
	de.SampleRate = sampleRate
}

// SetAnalysis records the strategy internals behind the verdict
func (de *DetectionEvent) SetAnalysis(strategy string, centroid, threshold float64, modelLabel string) {
	de.Strategy = strategy
	de.SpectralCentroid = centroid
	de.Threshold = threshold
	de.ModelLabel = modelLabel
}

// SetVerdict records the final classification
func (de *DetectionEvent) SetVerdict(classification string, score float64, processingTime time.Duration) {
	de.Classification = classification
	de.ConfidenceScore = score
	de.ProcessingTime = processingTime.Milliseconds()
}

// SetError marks the event as failed
func (de *DetectionEvent) SetError(kind string, err error, processingTime time.Duration) {
	de.Success = false
	de.ErrorKind = kind
	if err != nil {
		de.ErrorMessage = err.Error()
	}
	de.ProcessingTime = processingTime.Milliseconds()
}

// HashPayload returns the hex SHA-256 of a payload for duplicate detection
func HashPayload(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// IsValid performs basic validation on the detection event
func (de *DetectionEvent) IsValid() error {
	if de.UUID == "" {
		return fmt.Errorf("UUID is required")
	}

	if de.RequestID == "" {
		return fmt.Errorf("requestID is required")
	}

	if de.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	if de.ConfidenceScore < 0 || de.ConfidenceScore > 1 {
		return fmt.Errorf("confidence score must be between 0 and 1")
	}

	if de.Success && de.Classification == "" {
		return fmt.Errorf("classification is required for successful detections")
	}

	return nil
}

// String returns a human-readable representation of the detection event
func (de *DetectionEvent) String() string {
	return fmt.Sprintf("DetectionEvent{UUID: %s, Language: %s, Classification: %s, Score: %.2f, Strategy: %s, Success: %t}",
		de.UUID, de.Language, de.Classification, de.ConfidenceScore, de.Strategy, de.Success)
}
