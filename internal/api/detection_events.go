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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-voicecheck/internal/events"
	"github.com/loqalabs/loqa-voicecheck/internal/logging"
	"github.com/loqalabs/loqa-voicecheck/internal/security"
	"github.com/loqalabs/loqa-voicecheck/internal/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// EventsStore is the read side of the detection audit log
type EventsStore interface {
	List(ctx context.Context, options storage.ListOptions) ([]*events.DetectionEvent, error)
	Count(ctx context.Context, options storage.ListOptions) (int64, error)
	GetByUUID(ctx context.Context, uuid string) (*events.DetectionEvent, error)
}

// DetectionEventsHandler handles HTTP requests for detection audit events
type DetectionEventsHandler struct {
	store EventsStore
}

// NewDetectionEventsHandler creates a new detection events handler
func NewDetectionEventsHandler(store EventsStore) *DetectionEventsHandler {
	return &DetectionEventsHandler{store: store}
}

// ListDetectionEventsResponse represents the response for listing detection events
type ListDetectionEventsResponse struct {
	Events     []*events.DetectionEvent `json:"events"`
	Total      int64                    `json:"total"`
	Page       int                      `json:"page"`
	PageSize   int                      `json:"page_size"`
	TotalPages int                      `json:"total_pages"`
}

// HandleDetectionEvents handles GET /api/detections
func (h *DetectionEventsHandler) HandleDetectionEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.listDetectionEvents(w, r)
}

// HandleDetectionEventByID handles GET /api/detections/{id}
func (h *DetectionEventsHandler) HandleDetectionEventByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/detections/"), "/")
	if id == "" {
		h.listDetectionEvents(w, r)
		return
	}

	if err := security.ValidateEventID(id); err != nil {
		http.Error(w, "Invalid event ID", http.StatusBadRequest)
		return
	}

	h.getDetectionEventByID(w, r, id)
}

// listDetectionEvents handles GET /api/detections
func (h *DetectionEventsHandler) listDetectionEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// Pagination
	page := parseIntParam(query.Get("page"), 1)
	pageSize := parseIntParam(query.Get("page_size"), defaultPageSize)
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if page < 1 {
		page = 1
	}

	// Filtering
	options := storage.ListOptions{
		Language:       query.Get("language"),
		Classification: strings.ToUpper(query.Get("classification")),
		Strategy:       query.Get("strategy"),
		AudioHash:      query.Get("audio_hash"),
		Limit:          pageSize,
		Offset:         (page - 1) * pageSize,
		SortBy:         query.Get("sort_by"),
		SortOrder:      strings.ToUpper(query.Get("sort_order")),
	}

	if successStr := query.Get("success"); successStr != "" {
		if success, err := strconv.ParseBool(successStr); err == nil {
			options.Success = &success
		}
	}

	if startTimeStr := query.Get("start_time"); startTimeStr != "" {
		if startTime, err := time.Parse(time.RFC3339, startTimeStr); err == nil {
			options.StartTime = &startTime
		}
	}
	if endTimeStr := query.Get("end_time"); endTimeStr != "" {
		if endTime, err := time.Parse(time.RFC3339, endTimeStr); err == nil {
			options.EndTime = &endTime
		}
	}

	total, err := h.store.Count(r.Context(), options)
	if err != nil {
		logging.LogError(err, "Failed to count detection events")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	eventsList, err := h.store.List(r.Context(), options)
	if err != nil {
		logging.LogError(err, "Failed to list detection events")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	response := ListDetectionEventsResponse{
		Events:     eventsList,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}

	logging.Sugar.Infow("Detection events API request",
		"endpoint", "list",
		"page", page,
		"page_size", pageSize,
		"total_results", total,
		"filters", map[string]interface{}{
			"language":       security.SanitizeLogInput(options.Language),
			"classification": security.SanitizeLogInput(options.Classification),
			"success":        options.Success,
		},
	)

	writeJSON(w, http.StatusOK, response)
}

// getDetectionEventByID handles GET /api/detections/{id}
func (h *DetectionEventsHandler) getDetectionEventByID(w http.ResponseWriter, r *http.Request, id string) {
	event, err := h.store.GetByUUID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Detection event not found", http.StatusNotFound)
			return
		}
		logging.LogError(err, "Failed to get detection event", zap.String("uuid", id))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	logging.Sugar.Infow("Detection event retrieved via API",
		"event_uuid", id,
		"classification", event.Classification,
	)

	writeJSON(w, http.StatusOK, event)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.LogError(err, "Failed to encode response")
	}
}

// parseIntParam parses integer parameter with default value
func parseIntParam(param string, defaultValue int) int {
	if param == "" {
		return defaultValue
	}

	if value, err := strconv.Atoi(param); err == nil {
		return value
	}

	return defaultValue
}
