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

package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-voicecheck/internal/audio"
)

var (
	toneFrequency  float64
	toneDuration   time.Duration
	toneSampleRate int
	toneAmplitude  float64
	toneOutput     string
)

var toneCmd = &cobra.Command{
	Use:   "tone",
	Short: "Write a sine tone WAV file for testing",
	Long: `Write a mono 16-bit PCM WAV containing a pure sine tone.

A low tone has a low spectral centroid and is classified HUMAN; a bright
tone above the threshold is classified AI_GENERATED.

Examples:
  voicecheck-cli tone -o tone.wav
  voicecheck-cli tone -o bright.wav --freq 5000 --duration 2s`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if toneOutput == "" {
			return fmt.Errorf("output file is required, use -o flag")
		}
		if toneSampleRate <= 0 || toneDuration <= 0 {
			return fmt.Errorf("sample rate and duration must be positive")
		}
		if toneAmplitude < 0 || toneAmplitude > 1 {
			return fmt.Errorf("amplitude must be within [0, 1]")
		}

		data, err := audio.EncodeWAV(audio.Tone(toneFrequency, toneDuration, toneSampleRate, toneAmplitude))
		if err != nil {
			return err
		}
		if err := os.WriteFile(toneOutput, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", toneOutput, err)
		}

		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%.0f Hz, %s, %d Hz sample rate, %d bytes)\n",
			toneOutput, toneFrequency, toneDuration, toneSampleRate, len(data))
		return nil
	},
}

func init() {
	toneCmd.Flags().Float64Var(&toneFrequency, "freq", 440, "tone frequency in Hz")
	toneCmd.Flags().DurationVar(&toneDuration, "duration", time.Second, "tone duration")
	toneCmd.Flags().IntVar(&toneSampleRate, "rate", 16000, "sample rate in Hz")
	toneCmd.Flags().Float64Var(&toneAmplitude, "amplitude", 0.5, "peak amplitude in [0, 1]")
	toneCmd.Flags().StringVarP(&toneOutput, "output", "o", "", "output WAV file")
}
