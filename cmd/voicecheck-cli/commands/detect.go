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
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-voicecheck/internal/audio"
	"github.com/loqalabs/loqa-voicecheck/internal/detection"
)

var (
	detectLanguage string
	detectFormat   string
)

var detectCmd = &cobra.Command{
	Use:   "detect <audio-file>",
	Short: "Classify a local audio file as human or AI generated",
	Long: `Base64-encode a local WAV or MP3 file and submit it to the detection API.

Examples:
  voicecheck-cli detect sample.wav
  voicecheck-cli detect clip.mp3 --language Tamil --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}

		format := detectFormat
		if format == "" {
			format = formatFor(args[0], data)
		}

		out := cmd.OutOrStdout()
		printVerbose(cmd.ErrOrStderr(), "Submitting %d bytes (%s) to %s", len(data), format, apiURL)

		client := newAPIClient(apiURL, apiKey)
		result, status, err := client.detect(cmd.Context(), detection.VoiceRequest{
			Language:    detectLanguage,
			AudioFormat: format,
			AudioBase64: base64.StdEncoding.EncodeToString(data),
		})
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(out, result)
		}

		if !result.IsSuccess() {
			return fmt.Errorf("detection failed (HTTP %d): %s", status, result.Message)
		}

		score := 0.0
		if result.ConfidenceScore != nil {
			score = *result.ConfidenceScore
		}
		_, _ = fmt.Fprintf(out, "Classification: %s\n", result.Classification)
		_, _ = fmt.Fprintf(out, "Confidence:     %.2f\n", score)
		_, _ = fmt.Fprintf(out, "Language:       %s\n", result.Language)
		_, _ = fmt.Fprintf(out, "Explanation:    %s\n", result.Explanation)
		return nil
	},
}

func init() {
	detectCmd.Flags().StringVarP(&detectLanguage, "language", "l", "English", "declared language of the speech")
	detectCmd.Flags().StringVar(&detectFormat, "format", "", "declared audio format (defaults to the sniffed format)")
}

// formatFor prefers the sniffed container and falls back to the file extension
func formatFor(path string, data []byte) string {
	if f := audio.SniffFormat(data); f != audio.FormatUnknown {
		return string(f)
	}
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}
