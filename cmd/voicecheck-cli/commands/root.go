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

// Package commands implements the voicecheck CLI subcommands.
package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

const (
	defaultAPIURL = "http://localhost:8000"
	envAPIURL     = "VOICECHECK_URL"
	envAPIKey     = "VOICECHECK_API_KEY"
)

var (
	apiURL     string
	apiKey     string
	jsonOutput bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "voicecheck-cli",
	Short: "Client for the loqa-voicecheck detection API",
	Long: `voicecheck-cli talks to a running loqa-voicecheck service.

The API URL and key default to the VOICECHECK_URL and VOICECHECK_API_KEY
environment variables.

Examples:
  # Classify a local recording
  voicecheck-cli detect sample.mp3 --language Hindi

  # Generate a test tone and classify it
  voicecheck-cli tone -o tone.wav --freq 440
  voicecheck-cli detect tone.wav

  # Follow audit events from NATS
  voicecheck-cli watch --nats-url nats://localhost:4222`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "url", envOrDefault(envAPIURL, defaultAPIURL), "voicecheck API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv(envAPIKey), "API key sent in the x-api-key header")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(toneCmd)
	rootCmd.AddCommand(watchCmd)
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func printVerbose(w io.Writer, format string, args ...any) {
	if verbose {
		_, _ = fmt.Fprintf(w, "[verbose] "+format+"\n", args...)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
