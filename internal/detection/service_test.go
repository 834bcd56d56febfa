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
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-voicecheck/internal/audio"
	"github.com/loqalabs/loqa-voicecheck/internal/classifier"
	"github.com/loqalabs/loqa-voicecheck/internal/config"
	"github.com/loqalabs/loqa-voicecheck/internal/features"
)

type stubDecoder struct {
	calls atomic.Int32
	wf    audio.Waveform
	err   error
	delay time.Duration
	panic bool
}

func (d *stubDecoder) Decode(string) (audio.Waveform, error) {
	d.calls.Add(1)
	if d.panic {
		panic("codec blew up")
	}
	time.Sleep(d.delay)
	return d.wf, d.err
}

type stubClassifier struct {
	loaded bool
	pred   classifier.Prediction
	err    error
}

func (c *stubClassifier) Loaded() bool  { return c.loaded }
func (c *stubClassifier) Model() string { return "stub" }
func (c *stubClassifier) Classify(context.Context, audio.Waveform) (classifier.Prediction, error) {
	return c.pred, c.err
}

func heuristic(t *testing.T) Strategy {
	t.Helper()
	extractor, err := features.NewExtractor(features.DefaultConfig())
	require.NoError(t, err)
	return NewHeuristicStrategy(extractor, DefaultEngine())
}

func tonePayload(t *testing.T, freq float64) string {
	t.Helper()
	payload, err := audio.EncodeWAVBase64(audio.Tone(freq, time.Second, 16000, 0.5))
	require.NoError(t, err)
	return payload
}

func TestHeuristicStrategy_Silence(t *testing.T) {
	v, analysis, err := heuristic(t).Analyze(context.Background(), audio.Silence(time.Second, 16000), "English")
	require.NoError(t, err)

	assert.Equal(t, ClassificationHuman, v.Classification)
	assert.Equal(t, 0.99, v.ConfidenceScore)
	assert.Zero(t, analysis.Centroid)
	assert.Equal(t, 2700.0, analysis.Threshold)
	assert.Equal(t, config.StrategyHeuristic, analysis.Strategy)
}

func TestClassifierStrategy(t *testing.T) {
	wf := audio.Tone(440, 100*time.Millisecond, 16000, 0.5)

	t.Run("unavailable model falls back", func(t *testing.T) {
		s := NewClassifierStrategy(&stubClassifier{loaded: false})
		v, analysis, err := s.Analyze(context.Background(), wf, "Hindi")
		require.NoError(t, err)
		assert.Equal(t, ClassificationHuman, v.Classification)
		assert.Equal(t, FallbackScore, v.ConfidenceScore)
		assert.Equal(t, Explain(ClassificationHuman, "Hindi"), v.Explanation)
		assert.False(t, analysis.ModelAvailable)
	})

	t.Run("nil model falls back", func(t *testing.T) {
		v, _, err := NewClassifierStrategy(nil).Analyze(context.Background(), wf, "English")
		require.NoError(t, err)
		assert.Equal(t, FallbackScore, v.ConfidenceScore)
	})

	t.Run("fake label maps to ai", func(t *testing.T) {
		s := NewClassifierStrategy(&stubClassifier{loaded: true, pred: classifier.Prediction{Label: "Fake", Score: 0.876}})
		v, analysis, err := s.Analyze(context.Background(), wf, "Tamil")
		require.NoError(t, err)
		assert.Equal(t, ClassificationAIGenerated, v.Classification)
		assert.Equal(t, 0.88, v.ConfidenceScore)
		assert.Equal(t, Explain(ClassificationAIGenerated, "Tamil"), v.Explanation)
		assert.Equal(t, "Fake", analysis.ModelLabel)
	})

	t.Run("score is not reclamped", func(t *testing.T) {
		s := NewClassifierStrategy(&stubClassifier{loaded: true, pred: classifier.Prediction{Label: "real", Score: 0.514}})
		v, _, err := s.Analyze(context.Background(), wf, "English")
		require.NoError(t, err)
		assert.Equal(t, ClassificationHuman, v.Classification)
		assert.Equal(t, 0.51, v.ConfidenceScore)
	})

	t.Run("inference error is internal", func(t *testing.T) {
		s := NewClassifierStrategy(&stubClassifier{loaded: true, err: errors.New("boom")})
		_, _, err := s.Analyze(context.Background(), wf, "English")
		var internalErr *InternalError
		assert.ErrorAs(t, err, &internalErr)
	})
}

func TestNewStrategy(t *testing.T) {
	cfg := config.Default().Detection

	s, err := NewStrategy(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, config.StrategyHeuristic, s.Name())

	cfg.Strategy = config.StrategyClassifier
	s, err = NewStrategy(cfg, &stubClassifier{})
	require.NoError(t, err)
	assert.Equal(t, config.StrategyClassifier, s.Name())

	cfg.Strategy = "blend"
	_, err = NewStrategy(cfg, nil)
	assert.Error(t, err)
}

func TestService_EndToEndTone(t *testing.T) {
	svc := NewService(audio.NewDecoder(16000), heuristic(t), ServiceOptions{
		MaxPayloadBytes:   10 << 20,
		ProcessingTimeout: 5 * time.Second,
	})
	req := VoiceRequest{Language: "English", AudioFormat: "wav", AudioBase64: tonePayload(t, 440)}

	first, err := svc.Detect(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ClassificationHuman, first.Verdict.Classification)
	assert.GreaterOrEqual(t, first.Verdict.ConfidenceScore, 0.90)
	assert.LessOrEqual(t, first.Verdict.ConfidenceScore, MaxConfidence)
	assert.Equal(t, time.Second, first.Duration)
	assert.Equal(t, 16000, first.SampleRate)

	second, err := svc.Detect(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Verdict, second.Verdict)
	assert.Equal(t, first.Analysis.Centroid, second.Analysis.Centroid)
}

func TestService_BrightToneIsAI(t *testing.T) {
	svc := NewService(audio.NewDecoder(16000), heuristic(t), ServiceOptions{})

	out, err := svc.Detect(context.Background(), VoiceRequest{Language: "English", AudioBase64: tonePayload(t, 5000)})
	require.NoError(t, err)
	assert.Equal(t, ClassificationAIGenerated, out.Verdict.Classification)
}

func TestService_Errors(t *testing.T) {
	t.Run("malformed base64", func(t *testing.T) {
		svc := NewService(audio.NewDecoder(16000), heuristic(t), ServiceOptions{})
		_, err := svc.Detect(context.Background(), VoiceRequest{Language: "English", AudioBase64: "not-base64-!!"})

		var decErr *DecodeError
		require.ErrorAs(t, err, &decErr)
		assert.Equal(t, audio.ReasonInvalidBase64, decErr.Reason)
		assert.Equal(t, "Audio decode failed: invalid base64", NewFailure(err).Message)
	})

	t.Run("payload too large skips decode", func(t *testing.T) {
		dec := &stubDecoder{}
		svc := NewService(dec, heuristic(t), ServiceOptions{MaxPayloadBytes: 16})
		_, err := svc.Detect(context.Background(), VoiceRequest{AudioBase64: strings.Repeat("A", 17)})

		assert.ErrorIs(t, err, ErrPayloadTooLarge)
		assert.Zero(t, dec.calls.Load())
	})

	t.Run("timeout", func(t *testing.T) {
		dec := &stubDecoder{wf: audio.Silence(time.Second, 16000), delay: 200 * time.Millisecond}
		svc := NewService(dec, heuristic(t), ServiceOptions{ProcessingTimeout: 20 * time.Millisecond})

		start := time.Now()
		_, err := svc.Detect(context.Background(), VoiceRequest{AudioBase64: "AAAA"})
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Less(t, time.Since(start), 150*time.Millisecond)
	})

	t.Run("decoder panic is recovered", func(t *testing.T) {
		svc := NewService(&stubDecoder{panic: true}, heuristic(t), ServiceOptions{})
		_, err := svc.Detect(context.Background(), VoiceRequest{AudioBase64: "AAAA"})

		var internalErr *InternalError
		require.ErrorAs(t, err, &internalErr)
		assert.Equal(t, "Internal error during audio analysis", NewFailure(err).Message)
	})
}

func TestResult_JSON(t *testing.T) {
	success, err := json.Marshal(NewSuccess("English", Verdict{
		Classification:  ClassificationHuman,
		ConfidenceScore: 0.96,
		Explanation:     Explain(ClassificationHuman, "English"),
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"status": "success",
		"language": "English",
		"classification": "HUMAN",
		"confidenceScore": 0.96,
		"explanation": "Natural speech patterns and breathing detected in the English sample."
	}`, string(success))

	failure, err := json.Marshal(NewFailure(ErrTimeout))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"error","message":"Audio processing timed out"}`, string(failure))
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "", ErrorKind(nil))
	assert.Equal(t, "decode", ErrorKind(&DecodeError{Reason: audio.ReasonEmptyPayload}))
	assert.Equal(t, "payload_too_large", ErrorKind(ErrPayloadTooLarge))
	assert.Equal(t, "timeout", ErrorKind(ErrTimeout))
	assert.Equal(t, "internal", ErrorKind(errors.New("x")))
}
