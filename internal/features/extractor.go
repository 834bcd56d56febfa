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

// Package features computes spectral features over decoded waveforms.
package features

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"github.com/loqalabs/loqa-voicecheck/internal/audio"
)

// Config controls STFT framing
type Config struct {
	FrameSize int
	HopSize   int
}

// DefaultConfig returns 512-sample frames with 50% overlap
func DefaultConfig() Config {
	return Config{
		FrameSize: 512,
		HopSize:   256,
	}
}

// Extractor computes the spectral centroid of a waveform. It is stateless
// after construction and safe for concurrent use.
type Extractor struct {
	cfg    Config
	window []float64
}

// NewExtractor validates cfg and precomputes the Hann window
func NewExtractor(cfg Config) (*Extractor, error) {
	if cfg.FrameSize <= 0 || cfg.FrameSize&(cfg.FrameSize-1) != 0 {
		return nil, fmt.Errorf("frame size must be a positive power of two, got %d", cfg.FrameSize)
	}
	if cfg.HopSize <= 0 || cfg.HopSize > cfg.FrameSize {
		return nil, fmt.Errorf("hop size must be in (0, %d], got %d", cfg.FrameSize, cfg.HopSize)
	}

	w := make([]float64, cfg.FrameSize)
	for i := range w {
		w[i] = 1
	}
	window.Hann(w)

	return &Extractor{cfg: cfg, window: w}, nil
}

// FrameCount returns how many analysis frames a waveform of n samples yields
func (e *Extractor) FrameCount(n int) int {
	switch {
	case n <= 0:
		return 0
	case n <= e.cfg.FrameSize:
		return 1
	default:
		return 1 + (n-e.cfg.FrameSize)/e.cfg.HopSize
	}
}

// SpectralCentroid returns the magnitude-weighted mean frequency (Hz) of each frame
func (e *Extractor) SpectralCentroid(w audio.Waveform) []float64 {
	frames := e.FrameCount(len(w.Samples))
	centroids := make([]float64, frames)
	if frames == 0 || w.SampleRate <= 0 {
		return centroids
	}

	// gonum FFT plans keep scratch space and are not safe to share across goroutines
	fft := fourier.NewFFT(e.cfg.FrameSize)
	frame := make([]float64, e.cfg.FrameSize)
	var coeffs []complex128

	for i := 0; i < frames; i++ {
		start := i * e.cfg.HopSize
		n := copy(frame, w.Samples[start:min(start+e.cfg.FrameSize, len(w.Samples))])
		for j := n; j < len(frame); j++ {
			frame[j] = 0
		}
		for j := range frame {
			frame[j] *= e.window[j]
		}

		coeffs = fft.Coefficients(coeffs, frame)
		centroids[i] = centroid(fft, coeffs, float64(w.SampleRate))
	}

	return centroids
}

// Extract returns the mean spectral centroid over all frames; 0 when there are none
func (e *Extractor) Extract(w audio.Waveform) float64 {
	return Mean(e.SpectralCentroid(w))
}

// Mean averages per-frame values
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func centroid(fft *fourier.FFT, coeffs []complex128, sampleRate float64) float64 {
	var weighted, total float64
	for k, c := range coeffs {
		mag := cmplx.Abs(c)
		weighted += fft.Freq(k) * sampleRate * mag
		total += mag
	}
	if total == 0 || math.IsNaN(total) {
		return 0
	}
	return weighted / total
}
