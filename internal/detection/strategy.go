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
	"context"
	"fmt"

	"github.com/loqalabs/loqa-voicecheck/internal/audio"
	"github.com/loqalabs/loqa-voicecheck/internal/classifier"
	"github.com/loqalabs/loqa-voicecheck/internal/config"
	"github.com/loqalabs/loqa-voicecheck/internal/features"
)

// FallbackScore is reported when the classifier strategy has no model
const FallbackScore = 0.50

// Analysis carries the intermediate values behind a verdict. It is used for
// logging and auditing only, never returned to API callers.
type Analysis struct {
	Strategy       string
	Centroid       float64
	Threshold      float64
	Frames         int
	ModelLabel     string
	ModelScore     float64
	ModelAvailable bool
}

// Strategy turns a waveform into a verdict
type Strategy interface {
	Name() string
	Analyze(ctx context.Context, w audio.Waveform, language string) (Verdict, Analysis, error)
}

// HeuristicStrategy thresholds the mean spectral centroid
type HeuristicStrategy struct {
	extractor *features.Extractor
	engine    *Engine
}

// NewHeuristicStrategy combines a feature extractor with a decision engine
func NewHeuristicStrategy(extractor *features.Extractor, engine *Engine) *HeuristicStrategy {
	return &HeuristicStrategy{extractor: extractor, engine: engine}
}

func (h *HeuristicStrategy) Name() string {
	return config.StrategyHeuristic
}

func (h *HeuristicStrategy) Analyze(ctx context.Context, w audio.Waveform, language string) (Verdict, Analysis, error) {
	centroids := h.extractor.SpectralCentroid(w)
	if err := ctx.Err(); err != nil {
		return Verdict{}, Analysis{}, err
	}
	feature := features.Mean(centroids)

	analysis := Analysis{
		Strategy:  h.Name(),
		Centroid:  feature,
		Threshold: h.engine.Threshold(language),
		Frames:    len(centroids),
	}
	return h.engine.Evaluate(feature, language), analysis, nil
}

// Classifier is the model handle used by ClassifierStrategy
type Classifier interface {
	Loaded() bool
	Model() string
	Classify(ctx context.Context, w audio.Waveform) (classifier.Prediction, error)
}

// ClassifierStrategy delegates labelling to an external model
type ClassifierStrategy struct {
	model Classifier
}

// NewClassifierStrategy wraps a loaded (or permanently unavailable) model
func NewClassifierStrategy(model Classifier) *ClassifierStrategy {
	return &ClassifierStrategy{model: model}
}

func (c *ClassifierStrategy) Name() string {
	return config.StrategyClassifier
}

func (c *ClassifierStrategy) Analyze(ctx context.Context, w audio.Waveform, language string) (Verdict, Analysis, error) {
	analysis := Analysis{Strategy: c.Name()}

	if c.model == nil || !c.model.Loaded() {
		return Verdict{
			Classification:  ClassificationHuman,
			ConfidenceScore: FallbackScore,
			Explanation:     Explain(ClassificationHuman, language),
		}, analysis, nil
	}

	analysis.ModelAvailable = true
	pred, err := c.model.Classify(ctx, w)
	if err != nil {
		return Verdict{}, analysis, &InternalError{Op: "classifier inference", Err: err}
	}

	analysis.ModelLabel = pred.Label
	analysis.ModelScore = pred.Score

	classification := Classification(classifier.NormalizeLabel(pred.Label))
	return Verdict{
		Classification:  classification,
		ConfidenceScore: RoundScore(pred.Score),
		Explanation:     Explain(classification, language),
	}, analysis, nil
}

// NewStrategy builds the strategy selected by configuration
func NewStrategy(cfg config.DetectionConfig, model Classifier) (Strategy, error) {
	switch cfg.Strategy {
	case config.StrategyHeuristic, "":
		extractor, err := features.NewExtractor(features.Config{FrameSize: cfg.FrameSize, HopSize: cfg.HopSize})
		if err != nil {
			return nil, err
		}
		return NewHeuristicStrategy(extractor, NewEngine(cfg.BaseThreshold, cfg.LanguageBias)), nil
	case config.StrategyClassifier:
		return NewClassifierStrategy(model), nil
	default:
		return nil, fmt.Errorf("unknown detection strategy %q", cfg.Strategy)
	}
}
