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
	"sort"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show service health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		health, err := newAPIClient(apiURL, apiKey).health(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, health)
		}

		_, _ = fmt.Fprintf(out, "Status:     %v\n", health["status"])
		_, _ = fmt.Fprintf(out, "Strategy:   %v\n", health["strategy"])
		if classifier, ok := health["classifier"].(map[string]any); ok {
			_, _ = fmt.Fprintf(out, "Classifier: enabled=%v loaded=%v model=%v\n",
				classifier["enabled"], classifier["loaded"], classifier["model"])
			if reason, ok := classifier["reason"]; ok {
				_, _ = fmt.Fprintf(out, "            reason=%v\n", reason)
			}
		}
		if perf, ok := health["performance"].(map[string]any); ok {
			keys := make([]string, 0, len(perf))
			for k := range perf {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				printVerbose(out, "%s: %v", k, perf[k])
			}
		}
		return nil
	},
}
