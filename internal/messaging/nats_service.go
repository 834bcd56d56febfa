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

package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-voicecheck/internal/config"
	"github.com/loqalabs/loqa-voicecheck/internal/events"
	"github.com/loqalabs/loqa-voicecheck/internal/logging"
)

// NATS subjects
const (
	SubjectDetections   = "loqa.voicecheck.detections"
	SubjectSystemEvents = "loqa.voicecheck.system"
)

// ErrNotConnected is returned when publishing without a connection
var ErrNotConnected = errors.New("NATS connection not established")

// SystemEvent reports service lifecycle changes
type SystemEvent struct {
	Kind      string            `json:"kind"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// conn is the subset of *nats.Conn the service uses
type conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	IsConnected() bool
	Stats() nats.Statistics
	Drain() error
	Close()
}

// NATSService publishes detection events to NATS
type NATSService struct {
	url           string
	subject       string
	maxReconnect  int
	reconnectWait time.Duration
	conn          conn
}

// NewNATSService creates a new NATS service instance
func NewNATSService(cfg config.NATSConfig) *NATSService {
	subject := cfg.Subject
	if subject == "" {
		subject = SubjectDetections
	}
	return &NATSService{
		url:           cfg.URL,
		subject:       subject,
		maxReconnect:  cfg.MaxReconnect,
		reconnectWait: cfg.ReconnectWait,
	}
}

// Connect establishes connection to NATS server
func (ns *NATSService) Connect() error {
	logging.LogNATSEvent(ns.url, "connecting")

	opts := []nats.Option{
		nats.Name("loqa-voicecheck"),
		nats.ReconnectWait(ns.reconnectWait),
		nats.MaxReconnects(ns.maxReconnect),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.LogWarn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(nc.ConnectedUrl(), "reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(ns.url, "closed")
		}),
	}

	nc, err := nats.Connect(ns.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	ns.conn = nc
	logging.LogNATSEvent(nc.ConnectedUrl(), "connected")
	return nil
}

// Subject returns the subject detections are published on
func (ns *NATSService) Subject() string {
	return ns.subject
}

// PublishDetection publishes a detection audit event
func (ns *NATSService) PublishDetection(event *events.DetectionEvent) error {
	if ns.conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal detection event: %w", err)
	}

	if err := ns.conn.Publish(ns.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", ns.subject, err)
	}

	logging.LogNATSEvent(ns.subject, "publish",
		zap.String("uuid", event.UUID),
		zap.String("classification", event.Classification),
	)
	return nil
}

// PublishSystemEvent publishes a lifecycle event such as startup or model load
func (ns *NATSService) PublishSystemEvent(kind string, details map[string]string) error {
	if ns.conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(&SystemEvent{Kind: kind, Details: details, Timestamp: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("failed to marshal system event: %w", err)
	}

	if err := ns.conn.Publish(SubjectSystemEvents, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", SubjectSystemEvents, err)
	}
	return nil
}

// SubscribeToDetections delivers detection events published by any instance
func (ns *NATSService) SubscribeToDetections(handler func(*events.DetectionEvent)) (*nats.Subscription, error) {
	if ns.conn == nil {
		return nil, ErrNotConnected
	}

	return ns.conn.Subscribe(ns.subject, func(msg *nats.Msg) {
		var event events.DetectionEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			logging.LogError(err, "Error unmarshaling detection event", zap.String("subject", msg.Subject))
			return
		}
		handler(&event)
	})
}

// Close drains and closes the NATS connection
func (ns *NATSService) Close() {
	if ns.conn == nil {
		return
	}
	if err := ns.conn.Drain(); err != nil {
		ns.conn.Close()
	}
}

// IsConnected returns true if connected to NATS
func (ns *NATSService) IsConnected() bool {
	return ns.conn != nil && ns.conn.IsConnected()
}

// GetStats returns connection statistics
func (ns *NATSService) GetStats() nats.Statistics {
	if ns.conn != nil {
		return ns.conn.Stats()
	}
	return nats.Statistics{}
}
