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

// Package detection maps audio to a HUMAN or AI_GENERATED verdict.
package detection

import (
	"fmt"
	"math"
	"strings"

	"github.com/loqalabs/loqa-voicecheck/internal/config"
)

// Classification is the verdict label
type Classification string

const (
	ClassificationHuman       Classification = "HUMAN"
	ClassificationAIGenerated Classification = "AI_GENERATED"
)

// Score bounds for the heuristic path
const (
	MinConfidence = 0.70
	MaxConfidence = 0.99
)

// DefaultBaseThreshold is the spectral centroid (Hz) above which speech is
// considered synthetic, calibrated for 16 kHz audio and 512-sample frames
const DefaultBaseThreshold = 2700.0

const (
	humanScoreSpan = 10000.0
	aiScoreBase    = 0.75
	aiScoreSpan    = 5000.0
)

// Verdict is the outcome returned to callers
type Verdict struct {
	Classification  Classification `json:"classification"`
	ConfidenceScore float64        `json:"confidenceScore"`
	Explanation     string         `json:"explanation"`
}

// Engine applies the language-aware threshold rule. It is immutable after
// construction.
type Engine struct {
	baseThreshold float64
	bias          map[string]float64
}

// NewEngine creates an engine with the given base threshold and per-language
// offsets. Bias keys are matched case-insensitively.
func NewEngine(baseThreshold float64, bias map[string]float64) *Engine {
	normalized := make(map[string]float64, len(bias))
	for lang, offset := range bias {
		normalized[normalizeLanguage(lang)] = offset
	}
	return &Engine{baseThreshold: baseThreshold, bias: normalized}
}

// DefaultEngine uses the built-in threshold and bias table
func DefaultEngine() *Engine {
	return NewEngine(DefaultBaseThreshold, config.DefaultLanguageBias())
}

// Threshold returns the decision boundary for a language. Unknown and empty
// languages get the base threshold.
func (e *Engine) Threshold(language string) float64 {
	return e.baseThreshold + e.bias[normalizeLanguage(language)]
}

// Evaluate classifies a spectral feature for a language
func (e *Engine) Evaluate(feature float64, language string) Verdict {
	threshold := e.Threshold(language)

	classification := ClassificationHuman
	raw := 1.0 - feature/humanScoreSpan
	if feature > threshold {
		classification = ClassificationAIGenerated
		raw = aiScoreBase + (feature-threshold)/aiScoreSpan
	}

	return Verdict{
		Classification:  classification,
		ConfidenceScore: RoundScore(ClampScore(raw)),
		Explanation:     Explain(classification, language),
	}
}

// Explain renders the explanation for a classification
func Explain(classification Classification, language string) string {
	if classification == ClassificationAIGenerated {
		return fmt.Sprintf("Spectral brightness of the %s sample is consistent with synthetic speech generation.", language)
	}
	return fmt.Sprintf("Natural speech patterns and breathing detected in the %s sample.", language)
}

// ClampScore bounds a raw score to [MinConfidence, MaxConfidence]. NaN maps to the minimum.
func ClampScore(score float64) float64 {
	if math.IsNaN(score) || score < MinConfidence {
		return MinConfidence
	}
	if score > MaxConfidence {
		return MaxConfidence
	}
	return score
}

// RoundScore rounds half away from zero to two decimals
func RoundScore(score float64) float64 {
	return math.Round(score*100) / 100
}

func normalizeLanguage(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}
