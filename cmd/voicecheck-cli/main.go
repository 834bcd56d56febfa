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

// Package main provides the voicecheck CLI.
//
// Usage:
//
//	voicecheck-cli [flags] <command> [args]
//
// Commands:
//
//	detect  - Submit a local audio file for detection
//	health  - Show service health
//	tone    - Write a synthetic sine tone WAV for testing
//	watch   - Follow detection events published on NATS
package main

import (
	"fmt"
	"os"

	"github.com/loqalabs/loqa-voicecheck/cmd/voicecheck-cli/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
