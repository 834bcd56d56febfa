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
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/loqalabs/loqa-voicecheck/internal/logging"
)

// gRPC health service names
const (
	HealthServiceAPI        = "loqa.voicecheck"
	HealthServiceClassifier = "loqa.voicecheck.classifier"
)

// configureHealth registers grpc.health.v1.Health. The classifier entry is
// NOT_SERVING whenever the model failed to load; the model is loaded once
// at startup so the status never changes afterwards.
func (s *Server) configureHealth() {
	s.health = health.NewServer()
	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(HealthServiceAPI, healthpb.HealthCheckResponse_SERVING)

	classifierStatus := healthpb.HealthCheckResponse_NOT_SERVING
	if loaded, _ := s.modelStatus(); loaded {
		classifierStatus = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(HealthServiceClassifier, classifierStatus)

	logging.Sugar.Infow("gRPC health service configured",
		"services", []string{"", HealthServiceAPI, HealthServiceClassifier},
		"classifier_status", classifierStatus.String())
}
