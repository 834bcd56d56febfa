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

// Package audio turns base64 audio payloads into mono waveforms at a fixed
// analysis sample rate.
package audio

import (
	"math"
	"time"
)

// Waveform is decoded mono audio. Samples are normalized to [-1, 1].
type Waveform struct {
	Samples    []float64
	SampleRate int
}

// Duration returns the playback length of the waveform
func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(w.Samples)) * time.Second / time.Duration(w.SampleRate)
}

// IsSilent reports whether every sample is zero (or there are none)
func (w Waveform) IsSilent() bool {
	for _, s := range w.Samples {
		if s != 0 {
			return false
		}
	}
	return true
}

// Tone generates a sine wave. Used for fixtures and the CLI tone command.
func Tone(frequency float64, duration time.Duration, sampleRate int, amplitude float64) Waveform {
	n := int(duration.Seconds() * float64(sampleRate))
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = amplitude * math.Sin(2*math.Pi*frequency*float64(i)/float64(sampleRate))
	}
	return Waveform{Samples: samples, SampleRate: sampleRate}
}

// Silence generates an all-zero waveform
func Silence(duration time.Duration, sampleRate int) Waveform {
	n := int(duration.Seconds() * float64(sampleRate))
	return Waveform{Samples: make([]float64, n), SampleRate: sampleRate}
}
