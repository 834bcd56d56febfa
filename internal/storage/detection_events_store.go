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

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-voicecheck/internal/events"
	"github.com/loqalabs/loqa-voicecheck/internal/logging"
)

// ErrNotFound is returned when no detection event matches
var ErrNotFound = errors.New("detection event not found")

const detectionEventColumns = `uuid, request_id, created_at,
	language, audio_format, audio_hash,
	audio_duration, sample_rate,
	strategy, spectral_centroid, threshold, model_label,
	classification, confidence_score,
	processing_time_ms, success, error_kind, error_message`

// sortColumns maps accepted SortBy values to columns
var sortColumns = map[string]string{
	"timestamp":         "created_at",
	"confidence":        "confidence_score",
	"processing_time":   "processing_time_ms",
	"spectral_centroid": "spectral_centroid",
}

// DetectionEventsStore handles database operations for detection events
type DetectionEventsStore struct {
	db *Database
}

// NewDetectionEventsStore creates a new detection events store
func NewDetectionEventsStore(db *Database) *DetectionEventsStore {
	return &DetectionEventsStore{db: db}
}

// Insert stores a new detection event
func (s *DetectionEventsStore) Insert(ctx context.Context, event *events.DetectionEvent) error {
	if err := event.IsValid(); err != nil {
		return fmt.Errorf("invalid detection event: %w", err)
	}

	query := `INSERT INTO detection_events (` + detectionEventColumns + `) VALUES (
		?, ?, ?,
		?, ?, ?,
		?, ?,
		?, ?, ?, ?,
		?, ?,
		?, ?, ?, ?
	)`

	_, err := s.db.DB().ExecContext(ctx, s.db.Rebind(query),
		event.UUID, event.RequestID, event.Timestamp.UTC(),
		event.Language, event.AudioFormat, event.AudioHash,
		event.AudioDuration, event.SampleRate,
		event.Strategy, event.SpectralCentroid, event.Threshold, event.ModelLabel,
		event.Classification, event.ConfidenceScore,
		event.ProcessingTime, event.Success, event.ErrorKind, event.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert detection event: %w", err)
	}

	logging.LogDatabaseOperation("INSERT", "detection_events",
		zap.String("uuid", event.UUID),
		zap.String("classification", event.Classification),
	)
	return nil
}

// GetByUUID retrieves a detection event by its UUID
func (s *DetectionEventsStore) GetByUUID(ctx context.Context, uuid string) (*events.DetectionEvent, error) {
	query := `SELECT ` + detectionEventColumns + ` FROM detection_events WHERE uuid = ?`

	row := s.db.DB().QueryRowContext(ctx, s.db.Rebind(query), uuid)
	event, err := scanDetectionEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get detection event: %w", err)
	}
	return event, nil
}

// List retrieves detection events with pagination and filtering
func (s *DetectionEventsStore) List(ctx context.Context, options ListOptions) ([]*events.DetectionEvent, error) {
	query, args := s.buildListQuery(options)

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query detection events: %w", err)
	}
	defer rows.Close()

	eventsList := []*events.DetectionEvent{}
	for rows.Next() {
		event, err := scanDetectionEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection event: %w", err)
		}
		eventsList = append(eventsList, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating detection events: %w", err)
	}

	return eventsList, nil
}

// Count returns the total number of detection events matching the filter
func (s *DetectionEventsStore) Count(ctx context.Context, options ListOptions) (int64, error) {
	where, args := options.where()
	query := s.db.Rebind("SELECT COUNT(*) FROM detection_events WHERE 1=1" + where)

	var count int64
	if err := s.db.DB().QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count detection events: %w", err)
	}
	return count, nil
}

// GetByAudioHash finds events for the same payload (repeat submissions)
func (s *DetectionEventsStore) GetByAudioHash(ctx context.Context, audioHash string) ([]*events.DetectionEvent, error) {
	return s.List(ctx, ListOptions{AudioHash: audioHash})
}

// ListOptions defines filtering and pagination options
type ListOptions struct {
	// Filtering
	Language       string
	Classification string
	Strategy       string
	AudioHash      string
	Success        *bool // nil = all, true = success only, false = errors only
	StartTime      *time.Time
	EndTime        *time.Time

	// Pagination
	Limit  int
	Offset int

	// Sorting
	SortBy    string // "timestamp", "confidence", "processing_time", "spectral_centroid"
	SortOrder string // "ASC", "DESC"
}

func (o ListOptions) where() (string, []interface{}) {
	var (
		b    strings.Builder
		args []interface{}
	)

	if o.Language != "" {
		b.WriteString(" AND LOWER(language) = ?")
		args = append(args, strings.ToLower(o.Language))
	}
	if o.Classification != "" {
		b.WriteString(" AND classification = ?")
		args = append(args, o.Classification)
	}
	if o.Strategy != "" {
		b.WriteString(" AND strategy = ?")
		args = append(args, o.Strategy)
	}
	if o.AudioHash != "" {
		b.WriteString(" AND audio_hash = ?")
		args = append(args, o.AudioHash)
	}
	if o.Success != nil {
		b.WriteString(" AND success = ?")
		args = append(args, *o.Success)
	}
	if o.StartTime != nil {
		b.WriteString(" AND created_at >= ?")
		args = append(args, o.StartTime.UTC())
	}
	if o.EndTime != nil {
		b.WriteString(" AND created_at <= ?")
		args = append(args, o.EndTime.UTC())
	}

	return b.String(), args
}

// buildListQuery constructs the SQL query based on ListOptions. Sort
// columns and order come from fixed whitelists, never from input.
func (s *DetectionEventsStore) buildListQuery(options ListOptions) (string, []interface{}) {
	where, args := options.where()
	query := `SELECT ` + detectionEventColumns + ` FROM detection_events WHERE 1=1` + where

	sortBy, ok := sortColumns[options.SortBy]
	if !ok {
		sortBy = "created_at"
	}

	sortOrder := "DESC"
	if strings.EqualFold(options.SortOrder, "ASC") {
		sortOrder = "ASC"
	}

	query += fmt.Sprintf(" ORDER BY %s %s, uuid %s", sortBy, sortOrder, sortOrder)

	if options.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, options.Limit)

		if options.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, options.Offset)
		}
	}

	return s.db.Rebind(query), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanDetectionEvent scans a database row into a DetectionEvent struct
func scanDetectionEvent(row rowScanner) (*events.DetectionEvent, error) {
	var event events.DetectionEvent

	err := row.Scan(
		&event.UUID, &event.RequestID, &event.Timestamp,
		&event.Language, &event.AudioFormat, &event.AudioHash,
		&event.AudioDuration, &event.SampleRate,
		&event.Strategy, &event.SpectralCentroid, &event.Threshold, &event.ModelLabel,
		&event.Classification, &event.ConfidenceScore,
		&event.ProcessingTime, &event.Success, &event.ErrorKind, &event.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	return &event, nil
}
