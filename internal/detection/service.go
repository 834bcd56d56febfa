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

package detection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-voicecheck/internal/audio"
	"github.com/loqalabs/loqa-voicecheck/internal/logging"
)

// VoiceRequest is a single detection request
type VoiceRequest struct {
	Language    string `json:"language"`
	AudioFormat string `json:"audioFormat"`
	AudioBase64 string `json:"audioBase64"`

	// RequestID correlates logs and audit records; not part of the wire format
	RequestID string `json:"-"`
}

// Decoder turns a base64 payload into a waveform
type Decoder interface {
	Decode(payload string) (audio.Waveform, error)
}

// Outcome is everything Detect learned about a request, for auditing
type Outcome struct {
	Verdict    Verdict
	Analysis   Analysis
	Duration   time.Duration
	SampleRate int
	Elapsed    time.Duration
}

// ServiceOptions bounds per-request work
type ServiceOptions struct {
	MaxPayloadBytes   int
	ProcessingTimeout time.Duration
}

// Service runs the decode and analysis pipeline for one request at a time.
// It holds no per-request state and may be shared across goroutines.
type Service struct {
	decoder  Decoder
	strategy Strategy
	opts     ServiceOptions
}

// NewService creates a detection service
func NewService(decoder Decoder, strategy Strategy, opts ServiceOptions) *Service {
	return &Service{decoder: decoder, strategy: strategy, opts: opts}
}

// StrategyName returns the configured strategy
func (s *Service) StrategyName() string {
	return s.strategy.Name()
}

type pipelineResult struct {
	outcome Outcome
	err     error
}

// Detect decodes the payload and produces a verdict. Failures are one of
// DecodeError, ErrPayloadTooLarge, ErrTimeout or InternalError.
func (s *Service) Detect(ctx context.Context, req VoiceRequest) (Outcome, error) {
	start := time.Now()

	if s.opts.MaxPayloadBytes > 0 && len(req.AudioBase64) > s.opts.MaxPayloadBytes {
		return Outcome{Elapsed: time.Since(start)}, ErrPayloadTooLarge
	}

	if s.opts.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ProcessingTimeout)
		defer cancel()
	}

	done := make(chan pipelineResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- pipelineResult{err: &InternalError{Op: "analysis", Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		outcome, err := s.run(ctx, req)
		done <- pipelineResult{outcome: outcome, err: err}
	}()

	select {
	case res := <-done:
		res.outcome.Elapsed = time.Since(start)
		if res.err != nil {
			return res.outcome, s.classifyErr(res.err)
		}
		logging.LogDetection(req.RequestID, string(res.outcome.Verdict.Classification), res.outcome.Verdict.ConfidenceScore,
			zap.String("strategy", res.outcome.Analysis.Strategy),
			zap.Float64("spectral_centroid", res.outcome.Analysis.Centroid),
			zap.Float64("threshold", res.outcome.Analysis.Threshold),
			zap.Duration("processing_time", res.outcome.Elapsed),
		)
		return res.outcome, nil
	case <-ctx.Done():
		// The pipeline goroutine drains into the buffered channel and exits
		return Outcome{Elapsed: time.Since(start)}, s.classifyErr(ctx.Err())
	}
}

func (s *Service) run(ctx context.Context, req VoiceRequest) (Outcome, error) {
	wf, err := s.decoder.Decode(req.AudioBase64)
	if err != nil {
		return Outcome{}, err
	}
	logging.LogAudioProcessing(req.RequestID, "decode",
		zap.Int("samples", len(wf.Samples)),
		zap.Int("sample_rate", wf.SampleRate),
		zap.String("declared_format", req.AudioFormat),
	)

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	verdict, analysis, err := s.strategy.Analyze(ctx, wf, req.Language)
	if err != nil {
		return Outcome{Analysis: analysis}, err
	}
	logging.LogAudioProcessing(req.RequestID, "analyze",
		zap.String("strategy", analysis.Strategy),
		zap.Int("frames", analysis.Frames),
	)

	return Outcome{
		Verdict:    verdict,
		Analysis:   analysis,
		Duration:   wf.Duration(),
		SampleRate: wf.SampleRate,
	}, nil
}

func (s *Service) classifyErr(err error) error {
	var decErr *DecodeError
	var internalErr *InternalError
	switch {
	case errors.As(err, &decErr):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.As(err, &internalErr):
		return err
	default:
		return &InternalError{Op: "analysis", Err: err}
	}
}
