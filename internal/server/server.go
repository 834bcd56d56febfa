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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/loqalabs/loqa-voicecheck/internal/api"
	"github.com/loqalabs/loqa-voicecheck/internal/config"
	"github.com/loqalabs/loqa-voicecheck/internal/detection"
	"github.com/loqalabs/loqa-voicecheck/internal/events"
	"github.com/loqalabs/loqa-voicecheck/internal/logging"
	"github.com/loqalabs/loqa-voicecheck/internal/monitor"
	"github.com/loqalabs/loqa-voicecheck/internal/security"
)

const defaultAPIKeyHeader = "x-api-key"

// ModelStatus reports the state of the pretrained classifier
type ModelStatus interface {
	Loaded() bool
	Model() string
	LoadError() error
}

// EventStore persists and serves detection audit events
type EventStore interface {
	api.EventsStore
	Insert(ctx context.Context, event *events.DetectionEvent) error
}

// EventPublisher fans detection events out to other services
type EventPublisher interface {
	PublishDetection(event *events.DetectionEvent) error
}

// Options are the collaborators the server routes requests to. Service is
// required; everything else is optional.
type Options struct {
	Service    *detection.Service
	Classifier ModelStatus
	Store      EventStore
	Publisher  EventPublisher
	Monitor    *monitor.PerformanceMonitor
	Resources  *monitor.ResourceMonitor
}

// Server is the voice detection HTTP API plus its gRPC health endpoint
type Server struct {
	cfg    *config.Config
	mux    *http.ServeMux
	apiMux *http.ServeMux
	server *http.Server

	grpcServer *grpc.Server
	health     *health.Server

	service    *detection.Service
	policy     *security.LanguagePolicy
	classifier ModelStatus
	store      EventStore
	publisher  EventPublisher
	monitor    *monitor.PerformanceMonitor
	resources  *monitor.ResourceMonitor
	inFlight   atomic.Int64

	// Server context for graceful shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a server around a configured detection service
func New(cfg *config.Config, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	pm := opts.Monitor
	if pm == nil {
		pm = monitor.NewPerformanceMonitor()
	}

	rm := opts.Resources
	if rm == nil {
		rm = monitor.NewResourceMonitor()
	}

	s := &Server{
		cfg:        cfg,
		mux:        http.NewServeMux(),
		apiMux:     http.NewServeMux(),
		service:    opts.Service,
		policy:     security.NewLanguagePolicy(cfg.Detection.EnforceLanguages, cfg.Detection.SupportedLanguages),
		classifier: opts.Classifier,
		store:      opts.Store,
		publisher:  opts.Publisher,
		monitor:    pm,
		resources:  rm,
		ctx:        ctx,
		cancel:     cancel,
	}

	s.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      s.mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.configureHealth()
	s.routes()

	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves gRPC health (when enabled) in the background and blocks on HTTP
func (s *Server) Start() error {
	go s.resources.Run(s.ctx, s.inFlightCount)

	if s.cfg.Server.GRPCEnabled {
		lis, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.GRPCPort)))
		if err != nil {
			return fmt.Errorf("failed to listen on gRPC port %d: %w", s.cfg.Server.GRPCPort, err)
		}
		go func() {
			if err := s.ServeGRPC(lis); err != nil {
				logging.Sugar.Errorw("gRPC health server stopped", "error", err)
			}
		}()
	}

	logging.Sugar.Infow("🚀 Voice detection API starting",
		"http_addr", s.server.Addr,
		"grpc_enabled", s.cfg.Server.GRPCEnabled,
		"grpc_port", s.cfg.Server.GRPCPort,
		"strategy", s.service.StrategyName(),
		"enforce_languages", s.policy.Enforced())

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

// ServeGRPC serves the gRPC health service on lis until Stop is called
func (s *Server) ServeGRPC(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	logging.Sugar.Infow("🛑 Shutting down voice detection API")

	s.cancel()
	s.health.Shutdown()
	s.grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.monitor.LogPerformanceSummary()
	logging.Sugar.Infow("✅ Voice detection API shut down successfully")
	return nil
}

// routes sets up HTTP routing. Everything under /api/ sits behind the API
// key check, so unknown API paths are indistinguishable from known ones
// without a key.
func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/api/", s.requireAPIKey(s.apiMux))

	s.apiMux.HandleFunc("/api/voice-detection", s.handleVoiceDetection)

	if s.store != nil {
		eventsHandler := api.NewDetectionEventsHandler(s.store)
		s.apiMux.HandleFunc("/api/detections", eventsHandler.HandleDetectionEvents)
		s.apiMux.HandleFunc("/api/detections/", eventsHandler.HandleDetectionEventByID)
	}

	logging.Sugar.Infow("🌐 HTTP routes configured",
		"detection_endpoint", "/api/voice-detection",
		"health_endpoint", "/health",
		"audit_endpoint_enabled", s.store != nil)
}

// handleRoot answers liveness probes on /
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "API is running!"})
}

// handleHealth provides system health information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	loaded, model := s.modelStatus()
	classifierInfo := map[string]interface{}{
		"enabled": s.cfg.Classifier.Enabled,
		"loaded":  loaded,
		"model":   model,
	}
	if s.classifier != nil && !loaded {
		if err := s.classifier.LoadError(); err != nil {
			classifierInfo["reason"] = err.Error()
		}
	}

	status := "ok"
	if s.service.StrategyName() == config.StrategyClassifier && !loaded {
		status = "degraded"
	}

	info := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now(),
		"strategy":  s.service.StrategyName(),
		"classifier":        classifierInfo,
		"storage":           map[string]bool{"enabled": s.store != nil},
		"nats":              map[string]bool{"enabled": s.publisher != nil},
		"enforce_languages": s.policy.Enforced(),
		"performance":       s.monitor.GetPerformanceStatus(),
		"resources":         s.resourceStatus(),
	}

	if status == "degraded" {
		info["degradation_reason"] = "classifier strategy configured but model unavailable; using fallback verdict"
	}

	writeJSON(w, http.StatusOK, info)
}

func (s *Server) resourceStatus() map[string]interface{} {
	s.resources.UpdateMetrics(s.inFlightCount())
	return s.resources.GetHealthStatus()
}

func (s *Server) inFlightCount() int {
	return int(s.inFlight.Load())
}

func (s *Server) modelStatus() (bool, string) {
	if s.classifier == nil {
		return false, s.cfg.Classifier.Model
	}
	return s.classifier.Loaded(), s.classifier.Model()
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Sugar.Errorw("Failed to write response", "error", err)
	}
}

func readJSON(r *http.Request, data interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	defer func() { _ = r.Body.Close() }()

	return json.Unmarshal(body, data)
}
