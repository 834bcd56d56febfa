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
	"fmt"

	"github.com/loqalabs/loqa-voicecheck/internal/audio"
)

// DecodeError is raised by the audio decoder
type DecodeError = audio.DecodeError

var (
	ErrPayloadTooLarge = errors.New("audio payload exceeds maximum size")
	ErrTimeout         = errors.New("audio processing timed out")
)

// InternalError wraps unexpected failures during analysis
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// ErrorKind names an error category for metrics and audit records
func ErrorKind(err error) string {
	var decErr *DecodeError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &decErr):
		return "decode"
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "internal"
	}
}
