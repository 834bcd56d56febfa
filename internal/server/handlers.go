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

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-voicecheck/internal/detection"
	"github.com/loqalabs/loqa-voicecheck/internal/events"
	"github.com/loqalabs/loqa-voicecheck/internal/logging"
	"github.com/loqalabs/loqa-voicecheck/internal/security"
)

const (
	// room for the JSON envelope around the base64 payload
	bodyOverheadBytes = 64 << 10
	recordTimeout     = 5 * time.Second
)

// requireAPIKey rejects requests whose API key header does not match
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	header := s.cfg.Auth.HeaderName
	if header == "" {
		header = defaultAPIKeyHeader
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := security.ValidateAPIKey(r.Header.Get(header), s.cfg.Auth.APIKey); err != nil {
			s.monitor.RecordRejection("unauthorized")
			logging.Sugar.Warnw("Rejected request with invalid API key",
				"path", security.SanitizeLogInput(r.URL.Path),
				"remote_addr", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, detection.NewFailureMessage("Invalid API Key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleVoiceDetection handles POST /api/voice-detection
func (s *Server) handleVoiceDetection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()
	requestID := uuid.NewString()

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	defer func() {
		if rec := recover(); rec != nil {
			err := &detection.InternalError{Op: "request handling", Err: fmt.Errorf("panic: %v", rec)}
			logging.LogError(err, "Recovered panic in voice detection handler", zap.String("request_id", requestID))
			s.monitor.RecordFailure(detection.ErrorKind(err), time.Since(start))
			writeJSON(w, http.StatusOK, detection.NewFailure(err))
		}
	}()

	if s.cfg.Detection.MaxPayloadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.Detection.MaxPayloadBytes)+bodyOverheadBytes)
	}

	var req detection.VoiceRequest
	if err := readJSON(r, &req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.monitor.RecordFailure(detection.ErrorKind(detection.ErrPayloadTooLarge), time.Since(start))
			writeJSON(w, http.StatusOK, detection.NewFailure(detection.ErrPayloadTooLarge))
			return
		}
		s.monitor.RecordRejection("malformed_request")
		writeJSON(w, http.StatusBadRequest, detection.NewFailureMessage("Invalid JSON request body"))
		return
	}

	if strings.TrimSpace(req.Language) == "" || strings.TrimSpace(req.AudioBase64) == "" {
		s.monitor.RecordRejection("missing_fields")
		writeJSON(w, http.StatusBadRequest, detection.NewFailureMessage("Missing required fields: language and audioBase64"))
		return
	}

	if err := s.policy.Check(req.Language); err != nil {
		s.monitor.RecordRejection("unsupported_language")
		logging.Sugar.Infow("Rejected unsupported language",
			"request_id", requestID,
			"language", security.SanitizeLogInput(req.Language))
		writeJSON(w, http.StatusBadRequest, detection.NewFailureMessage("Unsupported language: "+req.Language))
		return
	}

	req.RequestID = requestID
	outcome, err := s.service.Detect(r.Context(), req)

	var result detection.Result
	if err != nil {
		logging.LogError(err, "Voice detection failed",
			zap.String("request_id", requestID),
			zap.String("error_kind", detection.ErrorKind(err)),
			zap.String("language", security.SanitizeLogInput(req.Language)))
		s.monitor.RecordFailure(detection.ErrorKind(err), outcome.Elapsed)
		result = detection.NewFailure(err)
	} else {
		s.monitor.RecordDetection(string(outcome.Verdict.Classification), outcome.Elapsed)
		result = detection.NewSuccess(req.Language, outcome.Verdict)
	}

	s.recordDetection(r.Context(), req, outcome, err)

	writeJSON(w, http.StatusOK, result)
}

// recordDetection stores and publishes the audit event. Failures here are
// logged and never change the response.
func (s *Server) recordDetection(ctx context.Context, req detection.VoiceRequest, outcome detection.Outcome, detectErr error) {
	if s.store == nil && s.publisher == nil {
		return
	}

	event := events.NewDetectionEvent(req.RequestID)
	event.SetRequest(req.Language, req.AudioFormat, req.AudioBase64)
	event.SetAudioMetadata(outcome.Duration, outcome.SampleRate)

	strategy := outcome.Analysis.Strategy
	if strategy == "" {
		strategy = s.service.StrategyName()
	}
	event.SetAnalysis(strategy, outcome.Analysis.Centroid, outcome.Analysis.Threshold, outcome.Analysis.ModelLabel)

	if detectErr != nil {
		event.SetError(detection.ErrorKind(detectErr), detectErr, outcome.Elapsed)
	} else {
		event.SetVerdict(string(outcome.Verdict.Classification), outcome.Verdict.ConfidenceScore, outcome.Elapsed)
	}

	if s.store != nil {
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		if err := s.store.Insert(storeCtx, event); err != nil {
			logging.LogError(err, "Failed to store detection event", zap.String("event_uuid", event.UUID))
		}
	}

	if s.publisher != nil {
		if err := s.publisher.PublishDetection(event); err != nil {
			logging.LogError(err, "Failed to publish detection event", zap.String("event_uuid", event.UUID))
		}
	}
}
