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
	"errors"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the API response body. Exactly one of the verdict fields or
// Message is populated, selected by Status.
type Result struct {
	Status          string         `json:"status"`
	Language        string         `json:"language,omitempty"`
	Classification  Classification `json:"classification,omitempty"`
	ConfidenceScore *float64       `json:"confidenceScore,omitempty"`
	Explanation     string         `json:"explanation,omitempty"`
	Message         string         `json:"message,omitempty"`
}

// NewSuccess wraps a verdict, echoing the declared language
func NewSuccess(language string, v Verdict) Result {
	score := v.ConfidenceScore
	return Result{
		Status:          StatusSuccess,
		Language:        language,
		Classification:  v.Classification,
		ConfidenceScore: &score,
		Explanation:     v.Explanation,
	}
}

// NewFailure converts an error into a client-safe failure
func NewFailure(err error) Result {
	return Result{Status: StatusError, Message: FailureMessage(err)}
}

// NewFailureMessage builds a failure with an explicit message
func NewFailureMessage(message string) Result {
	return Result{Status: StatusError, Message: message}
}

// IsSuccess reports whether the result carries a verdict
func (r Result) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// FailureMessage returns the message exposed to clients for err. Internal
// error details are never included.
func FailureMessage(err error) string {
	var decErr *DecodeError
	switch {
	case errors.As(err, &decErr):
		return "Audio decode failed: " + decErr.Reason
	case errors.Is(err, ErrPayloadTooLarge):
		return "Audio payload exceeds maximum size"
	case errors.Is(err, ErrTimeout):
		return "Audio processing timed out"
	default:
		return "Internal error during audio analysis"
	}
}
