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

package security

import (
	"crypto/subtle"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	// ErrUnauthorized is returned when the API key does not match
	ErrUnauthorized = errors.New("invalid API key")

	// ErrUnsupportedLanguage is returned when a language is outside the allow-list
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrInvalidEventID is returned when a detection event ID is not a UUID
	ErrInvalidEventID = errors.New("invalid event ID")
)

// maxLogInput caps user-controlled strings written to logs
const maxLogInput = 256

// SanitizeLogInput removes newline characters to prevent log injection attacks
// and truncates overly long values.
// This function should be used for all user-controlled data before logging
func SanitizeLogInput(input string) string {
	sanitized := strings.ReplaceAll(input, "\n", "")
	sanitized = strings.ReplaceAll(sanitized, "\r", "")
	if len(sanitized) > maxLogInput {
		cut := maxLogInput
		for cut > 0 && !utf8.RuneStart(sanitized[cut]) {
			cut--
		}
		sanitized = sanitized[:cut] + "..."
	}
	return sanitized
}

// ValidateAPIKey compares the provided key with the configured shared secret
// in constant time. An empty expected key never matches.
func ValidateAPIKey(provided, expected string) error {
	if expected == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// LanguagePolicy is an optional allow-list of declared languages
type LanguagePolicy struct {
	enforce bool
	allowed map[string]struct{}
}

// NewLanguagePolicy creates a policy. When enforce is false every language is allowed.
func NewLanguagePolicy(enforce bool, languages []string) *LanguagePolicy {
	allowed := make(map[string]struct{}, len(languages))
	for _, lang := range languages {
		allowed[strings.ToLower(strings.TrimSpace(lang))] = struct{}{}
	}
	return &LanguagePolicy{enforce: enforce, allowed: allowed}
}

// Enforced reports whether the allow-list is active
func (p *LanguagePolicy) Enforced() bool {
	return p != nil && p.enforce
}

// Check returns ErrUnsupportedLanguage when the language is not allowed
func (p *LanguagePolicy) Check(language string) error {
	if !p.Enforced() {
		return nil
	}
	if _, ok := p.allowed[strings.ToLower(strings.TrimSpace(language))]; !ok {
		return ErrUnsupportedLanguage
	}
	return nil
}

// ValidateEventID ensures a detection event ID is a canonical UUID
func ValidateEventID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") {
		return ErrInvalidEventID
	}
	if _, err := uuid.Parse(id); err != nil {
		return ErrInvalidEventID
	}
	return nil
}
