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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/loqalabs/loqa-voicecheck/internal/audio"
	"github.com/loqalabs/loqa-voicecheck/internal/config"
	"github.com/loqalabs/loqa-voicecheck/internal/detection"
	"github.com/loqalabs/loqa-voicecheck/internal/events"
	"github.com/loqalabs/loqa-voicecheck/internal/features"
	"github.com/loqalabs/loqa-voicecheck/internal/logging"
	"github.com/loqalabs/loqa-voicecheck/internal/storage"
)

const testAPIKey = "test_key_456"

// countingDecoder wraps the real decoder and counts invocations
type countingDecoder struct {
	inner *audio.Decoder
	calls atomic.Int32
}

func (d *countingDecoder) Decode(payload string) (audio.Waveform, error) {
	d.calls.Add(1)
	return d.inner.Decode(payload)
}

type fakeModel struct {
	loaded  bool
	loadErr error
}

func (m fakeModel) Loaded() bool     { return m.loaded }
func (m fakeModel) Model() string    { return "fake-model" }
func (m fakeModel) LoadError() error { return m.loadErr }

type memoryStore struct {
	mu        sync.Mutex
	events    []*events.DetectionEvent
	insertErr error
}

func (s *memoryStore) Insert(_ context.Context, e *events.DetectionEvent) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memoryStore) List(context.Context, storage.ListOptions) ([]*events.DetectionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*events.DetectionEvent(nil), s.events...), nil
}

func (s *memoryStore) Count(context.Context, storage.ListOptions) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events)), nil
}

func (s *memoryStore) GetByUUID(_ context.Context, id string) (*events.DetectionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.UUID == id {
			return e, nil
		}
	}
	return nil, storage.ErrNotFound
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []*events.DetectionEvent
	err       error
}

func (p *recordingPublisher) PublishDetection(e *events.DetectionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, e)
	return nil
}

type testServer struct {
	*Server
	decoder *countingDecoder
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Auth.APIKey = testAPIKey
	cfg.Server.Port = 0
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, opts Options) *testServer {
	t.Helper()

	if err := logging.Initialize(); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	extractor, err := features.NewExtractor(features.DefaultConfig())
	require.NoError(t, err)

	decoder := &countingDecoder{
		inner: audio.NewDecoder(cfg.Detection.TargetSampleRate,
			audio.WithMaxDuration(time.Duration(cfg.Detection.MaxAudioSeconds)*time.Second)),
	}
	strategy := detection.NewHeuristicStrategy(extractor,
		detection.NewEngine(cfg.Detection.BaseThreshold, cfg.Detection.LanguageBias))

	opts.Service = detection.NewService(decoder, strategy, detection.ServiceOptions{
		MaxPayloadBytes:   cfg.Detection.MaxPayloadBytes,
		ProcessingTimeout: cfg.Detection.ProcessingTimeout,
	})

	return &testServer{Server: New(cfg, opts), decoder: decoder}
}

func toneBase64(t *testing.T, freq float64) string {
	t.Helper()
	payload, err := audio.EncodeWAVBase64(audio.Tone(freq, time.Second, 16000, 0.5))
	require.NoError(t, err)
	return payload
}

func detectionBody(t *testing.T, language, payload string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]string{
		"language":    language,
		"audioFormat": "wav",
		"audioBase64": payload,
	})
	require.NoError(t, err)
	return body
}

func doRequest(s *testServer, method, path, apiKey string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) detection.Result {
	t.Helper()
	var result detection.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	return result
}

func TestVoiceDetection_EndToEndTone(t *testing.T) {
	s := newTestServer(t, testConfig(), Options{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	body := detectionBody(t, "English", toneBase64(t, 440))

	var scores []float64
	for i := 0; i < 2; i++ {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/voice-detection", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("x-api-key", testAPIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)

		var result detection.Result
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		_ = resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		require.True(t, result.IsSuccess(), "message: %s", result.Message)
		assert.Equal(t, "English", result.Language)
		assert.Equal(t, detection.ClassificationHuman, result.Classification)
		require.NotNil(t, result.ConfidenceScore)
		assert.GreaterOrEqual(t, *result.ConfidenceScore, 0.90)
		assert.LessOrEqual(t, *result.ConfidenceScore, 0.99)
		assert.Equal(t, detection.Explain(detection.ClassificationHuman, "English"), result.Explanation)
		scores = append(scores, *result.ConfidenceScore)
	}

	assert.Equal(t, scores[0], scores[1])
}

func TestVoiceDetection_Silence(t *testing.T) {
	s := newTestServer(t, testConfig(), Options{})

	payload, err := audio.EncodeWAVBase64(audio.Silence(time.Second, 16000))
	require.NoError(t, err)

	rec := doRequest(s, http.MethodPost, "/api/voice-detection", testAPIKey, detectionBody(t, "Tamil", payload))
	require.Equal(t, http.StatusOK, rec.Code)

	result := decodeResult(t, rec)
	require.True(t, result.IsSuccess())
	assert.Equal(t, detection.ClassificationHuman, result.Classification)
	require.NotNil(t, result.ConfidenceScore)
	assert.Equal(t, 0.99, *result.ConfidenceScore)
}

func TestVoiceDetection_MalformedBase64(t *testing.T) {
	s := newTestServer(t, testConfig(), Options{})

	rec := doRequest(s, http.MethodPost, "/api/voice-detection", testAPIKey, detectionBody(t, "English", "%%%not-base64%%%"))
	require.Equal(t, http.StatusOK, rec.Code)

	result := decodeResult(t, rec)
	assert.Equal(t, detection.StatusError, result.Status)
	assert.Equal(t, "Audio decode failed: invalid base64", result.Message)
	assert.Nil(t, result.ConfidenceScore)
	assert.Empty(t, result.Classification)
}

func TestVoiceDetection_Unauthorized(t *testing.T) {
	s := newTestServer(t, testConfig(), Options{})

	tests := []struct {
		name   string
		method string
		path   string
		apiKey string
	}{
		{name: "missing key", method: http.MethodPost, path: "/api/voice-detection"},
		{name: "wrong key", method: http.MethodPost, path: "/api/voice-detection", apiKey: "nope"},
		{name: "unknown api path", method: http.MethodGet, path: "/api/does-not-exist", apiKey: "nope"},
		{name: "audit log", method: http.MethodGet, path: "/api/detections"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(s, tt.method, tt.path, tt.apiKey, detectionBody(t, "English", toneBase64(t, 440)))
			require.Equal(t, http.StatusUnauthorized, rec.Code)

			result := decodeResult(t, rec)
			assert.Equal(t, detection.StatusError, result.Status)
			assert.Equal(t, "Invalid API Key", result.Message)
		})
	}

	assert.Zero(t, s.decoder.calls.Load())
	assert.Equal(t, uint64(len(tests)), s.monitor.GetMetrics().Rejections["unauthorized"])
}

func TestVoiceDetection_CustomHeaderName(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.HeaderName = "X-Voicecheck-Key"
	s := newTestServer(t, cfg, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/voice-detection", bytes.NewReader(detectionBody(t, "English", toneBase64(t, 440))))
	req.Header.Set("X-Voicecheck-Key", testAPIKey)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVoiceDetection_UnknownAPIPathWithKey(t *testing.T) {
	s := newTestServer(t, testConfig(), Options{})

	rec := doRequest(s, http.MethodGet, "/api/does-not-exist", testAPIKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVoiceDetection_LanguageAllowList(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.EnforceLanguages = true
	s := newTestServer(t, cfg, Options{})

	rec := doRequest(s, http.MethodPost, "/api/voice-detection", testAPIKey, detectionBody(t, "Klingon", toneBase64(t, 440)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	result := decodeResult(t, rec)
	assert.Equal(t, detection.StatusError, result.Status)
	assert.Equal(t, "Unsupported language: Klingon", result.Message)
	assert.Zero(t, s.decoder.calls.Load(), "decoder must not run for rejected languages")

	rec = doRequest(s, http.MethodPost, "/api/voice-detection", testAPIKey, detectionBody(t, "hindi", toneBase64(t, 440)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeResult(t, rec).IsSuccess())
	assert.Equal(t, int32(1), s.decoder.calls.Load())
}

func TestVoiceDetection_UnenforcedAcceptsAnyLanguage(t *testing.T) {
	s := newTestServer(t, testConfig(), Options{})

	rec := doRequest(s, http.MethodPost, "/api/voice-detection", testAPIKey, detectionBody(t, "Klingon", toneBase64(t, 440)))
	require.Equal(t, http.StatusOK, rec.Code)

	result := decodeResult(t, rec)
	require.True(t, result.IsSuccess())
	assert.Equal(t, "Klingon", result.Language)
}

func TestVoiceDetection_BadRequests(t *testing.T) {
	s := newTestServer(t, testConfig(), Options{})

	tests := []struct {
		name       string
		method     string
		body       []byte
		wantStatus int
	}{
		{name: "wrong method", method: http.MethodGet, wantStatus: http.StatusMethodNotAllowed},
		{name: "invalid json", method: http.MethodPost, body: []byte("{not json"), wantStatus: http.StatusBadRequest},
		{name: "missing language", method: http.MethodPost, body: []byte(`{"audioFormat":"wav","audioBase64":"UklGRg=="}`), wantStatus: http.StatusBadRequest},
		{name: "missing audio", method: http.MethodPost, body: []byte(`{"language":"English","audioFormat":"wav"}`), wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(s, tt.method, "/api/voice-detection", testAPIKey, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}

	assert.Zero(t, s.decoder.calls.Load())
}

func TestVoiceDetection_PayloadTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.MaxPayloadBytes = 1024
	s := newTestServer(t, cfg, Options{})

	t.Run("over service limit", func(t *testing.T) {
		rec := doRequest(s, http.MethodPost, "/api/voice-detection", testAPIKey,
			detectionBody(t, "English", strings.Repeat("A", 2048)))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Audio payload exceeds maximum size", decodeResult(t, rec).Message)
	})

	t.Run("over body limit", func(t *testing.T) {
		rec := doRequest(s, http.MethodPost, "/api/voice-detection", testAPIKey,
			detectionBody(t, "English", strings.Repeat("A", 1024+bodyOverheadBytes)))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Audio payload exceeds maximum size", decodeResult(t, rec).Message)
	})

	assert.Zero(t, s.decoder.calls.Load())
}

func TestVoiceDetection_RecordsAuditEvents(t *testing.T) {
	store := &memoryStore{}
	publisher := &recordingPublisher{}
	s := newTestServer(t, testConfig(), Options{Store: store, Publisher: publisher})

	payload := toneBase64(t, 440)
	rec := doRequest(s, http.MethodPost, "/api/voice-detection", testAPIKey, detectionBody(t, "English", payload))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodPost, "/api/voice-detection", testAPIKey, detectionBody(t, "English", "@@@"))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, store.events, 2)
	require.Len(t, publisher.published, 2)

	ok := store.events[0]
	assert.True(t, ok.Success)
	assert.Equal(t, "HUMAN", ok.Classification)
	assert.Equal(t, events.HashPayload(payload), ok.AudioHash)
	assert.Equal(t, config.StrategyHeuristic, ok.Strategy)
	assert.Equal(t, 16000, ok.SampleRate)
	assert.InDelta(t, 1.0, ok.AudioDuration, 0.001)
	assert.InDelta(t, 2700.0, ok.Threshold, 0.001)
	assert.NotEmpty(t, ok.RequestID)

	failed := store.events[1]
	assert.False(t, failed.Success)
	assert.Equal(t, "decode", failed.ErrorKind)
	assert.Equal(t, config.StrategyHeuristic, failed.Strategy)

	// The audit log is served behind the same key
	rec = doRequest(s, http.MethodGet, "/api/detections/"+ok.UUID, testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/detections", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestVoiceDetection_RecordingFailuresDoNotChangeResponse(t *testing.T) {
	store := &memoryStore{insertErr: errors.New("disk full")}
	publisher := &recordingPublisher{err: errors.New("nats: no servers available")}
	s := newTestServer(t, testConfig(), Options{Store: store, Publisher: publisher})

	rec := doRequest(s, http.MethodPost, "/api/voice-detection", testAPIKey, detectionBody(t, "English", toneBase64(t, 440)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeResult(t, rec).IsSuccess())
}

func TestAuditRoutesRequireStorage(t *testing.T) {
	s := newTestServer(t, testConfig(), Options{})

	rec := doRequest(s, http.MethodGet, "/api/detections", testAPIKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRootAndHealth(t *testing.T) {
	cfg := testConfig()
	cfg.Classifier.Enabled = true
	s := newTestServer(t, cfg, Options{
		Classifier: fakeModel{loadErr: errors.New("model endpoint unreachable")},
		Store:      &memoryStore{},
	})

	rec := doRequest(s, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var root map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&root))
	assert.Equal(t, "API is running!", root["message"])

	rec = doRequest(s, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health struct {
		Status     string `json:"status"`
		Strategy   string `json:"strategy"`
		Classifier struct {
			Enabled bool   `json:"enabled"`
			Loaded  bool   `json:"loaded"`
			Model   string `json:"model"`
			Reason  string `json:"reason"`
		} `json:"classifier"`
		Storage struct {
			Enabled bool `json:"enabled"`
		} `json:"storage"`
		NATS struct {
			Enabled bool `json:"enabled"`
		} `json:"nats"`
		Performance map[string]interface{} `json:"performance"`
		Resources   map[string]interface{} `json:"resources"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, config.StrategyHeuristic, health.Strategy)
	assert.True(t, health.Classifier.Enabled)
	assert.False(t, health.Classifier.Loaded)
	assert.Equal(t, "fake-model", health.Classifier.Model)
	assert.Equal(t, "model endpoint unreachable", health.Classifier.Reason)
	assert.True(t, health.Storage.Enabled)
	assert.False(t, health.NATS.Enabled)
	assert.Contains(t, health.Performance, "requests_processed")
	assert.Contains(t, health.Resources, "goroutines")
	assert.EqualValues(t, 0, health.Resources["in_flight_requests"])
}

func TestGRPCHealth(t *testing.T) {
	tests := []struct {
		name  string
		model ModelStatus
		want  map[string]healthpb.HealthCheckResponse_ServingStatus
	}{
		{
			name:  "classifier unavailable",
			model: fakeModel{loaded: false},
			want: map[string]healthpb.HealthCheckResponse_ServingStatus{
				"":                      healthpb.HealthCheckResponse_SERVING,
				HealthServiceAPI:        healthpb.HealthCheckResponse_SERVING,
				HealthServiceClassifier: healthpb.HealthCheckResponse_NOT_SERVING,
			},
		},
		{
			name:  "classifier loaded",
			model: fakeModel{loaded: true},
			want: map[string]healthpb.HealthCheckResponse_ServingStatus{
				HealthServiceClassifier: healthpb.HealthCheckResponse_SERVING,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, testConfig(), Options{Classifier: tt.model})

			lis := bufconn.Listen(1 << 20)
			go func() { _ = s.ServeGRPC(lis) }()
			defer s.grpcServer.Stop()

			conn, err := grpc.NewClient("passthrough:///bufnet",
				grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
					return lis.DialContext(ctx)
				}),
				grpc.WithTransportCredentials(insecure.NewCredentials()))
			require.NoError(t, err)
			defer func() { _ = conn.Close() }()

			client := healthpb.NewHealthClient(conn)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			for service, want := range tt.want {
				resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
				require.NoError(t, err, "service %q", service)
				assert.Equal(t, want, resp.GetStatus(), "service %q", service)
			}
		})
	}
}

func TestStop(t *testing.T) {
	s := newTestServer(t, testConfig(), Options{})
	assert.NoError(t, s.Stop())
}
