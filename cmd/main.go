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

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-voicecheck/internal/audio"
	"github.com/loqalabs/loqa-voicecheck/internal/classifier"
	"github.com/loqalabs/loqa-voicecheck/internal/config"
	"github.com/loqalabs/loqa-voicecheck/internal/detection"
	"github.com/loqalabs/loqa-voicecheck/internal/logging"
	"github.com/loqalabs/loqa-voicecheck/internal/messaging"
	"github.com/loqalabs/loqa-voicecheck/internal/monitor"
	"github.com/loqalabs/loqa-voicecheck/internal/server"
	"github.com/loqalabs/loqa-voicecheck/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	if err := logging.InitializeWithConfig(logging.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Close()

	// The model is loaded exactly once; a failed load is permanent for the
	// lifetime of the process
	loadCtx, cancel := context.WithTimeout(context.Background(), cfg.Classifier.Timeout+5*time.Second)
	model := classifier.Load(loadCtx, cfg.Classifier)
	cancel()

	strategy, err := detection.NewStrategy(cfg.Detection, model)
	if err != nil {
		logging.LogError(err, "Failed to build detection strategy")
		log.Fatalf("Failed to build detection strategy: %v", err)
	}

	decoder := audio.NewDecoder(cfg.Detection.TargetSampleRate,
		audio.WithMaxDuration(time.Duration(cfg.Detection.MaxAudioSeconds)*time.Second))

	service := detection.NewService(decoder, strategy, detection.ServiceOptions{
		MaxPayloadBytes:   cfg.Detection.MaxPayloadBytes,
		ProcessingTimeout: cfg.Detection.ProcessingTimeout,
	})

	opts := server.Options{
		Service:    service,
		Classifier: model,
		Monitor:    monitor.NewPerformanceMonitor(),
	}

	if cfg.Storage.Enabled {
		db, err := storage.NewDatabase(storage.DatabaseConfig{Driver: cfg.Storage.Driver, DSN: cfg.Storage.DSN})
		if err != nil {
			logging.LogError(err, "Failed to open detection audit storage")
			log.Fatalf("Failed to open storage: %v", err)
		}
		defer func() { _ = db.Close() }()
		opts.Store = storage.NewDetectionEventsStore(db)
	}

	if cfg.NATS.Enabled {
		natsService := messaging.NewNATSService(cfg.NATS)
		if err := natsService.Connect(); err != nil {
			// Audit fan-out is optional; detection keeps working without it
			logging.LogError(err, "Failed to connect to NATS, detection events will not be published")
		} else {
			defer natsService.Close()
			opts.Publisher = natsService
			if err := natsService.PublishSystemEvent("startup", map[string]string{
				"strategy":          service.StrategyName(),
				"classifier_loaded": strconv.FormatBool(model.Loaded()),
				"model":             model.Model(),
			}); err != nil {
				logging.LogError(err, "Failed to publish startup event")
			}
		}
	}

	srv := server.New(cfg, opts)

	logging.Sugar.Infow("🚀 loqa-voicecheck starting",
		"http_port", cfg.Server.Port,
		"grpc_port", cfg.Server.GRPCPort,
		"strategy", service.StrategyName(),
		"classifier_loaded", model.Loaded(),
		"storage_enabled", cfg.Storage.Enabled,
		"nats_enabled", cfg.NATS.Enabled,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logging.LogError(err, "Failed to start server")
			log.Fatalf("Failed to start server: %v", err)
		}
	case sig := <-sigCh:
		logging.Sugar.Infow("Received shutdown signal", "signal", sig.String())
		if err := srv.Stop(); err != nil {
			logging.LogError(err, "Graceful shutdown failed")
		}
	}
}
