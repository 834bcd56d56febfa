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
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-voicecheck/internal/config"
	"github.com/loqalabs/loqa-voicecheck/internal/events"
	"github.com/loqalabs/loqa-voicecheck/internal/messaging"
)

var (
	watchNATSURL string
	watchSubject string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow detection events published on NATS",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default().NATS
		cfg.URL = watchNATSURL
		cfg.Subject = watchSubject

		natsService := messaging.NewNATSService(cfg)
		if err := natsService.Connect(); err != nil {
			return err
		}
		defer natsService.Close()

		out := cmd.OutOrStdout()
		sub, err := natsService.SubscribeToDetections(func(e *events.DetectionEvent) {
			if jsonOutput {
				_ = printJSON(out, e)
				return
			}
			_, _ = fmt.Fprintln(out, formatEvent(e))
		})
		if err != nil {
			return err
		}
		defer func() { _ = sub.Unsubscribe() }()

		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s on %s (Ctrl+C to stop)\n", natsService.Subject(), cfg.URL)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
		case <-cmd.Context().Done():
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchNATSURL, "nats-url", envOrDefault("NATS_URL", "nats://localhost:4222"), "NATS server URL")
	watchCmd.Flags().StringVar(&watchSubject, "subject", messaging.SubjectDetections, "detection events subject")
}

func formatEvent(e *events.DetectionEvent) string {
	if !e.Success {
		return fmt.Sprintf("%s  %-10s  FAILED (%s) %s",
			e.Timestamp.Format("15:04:05"), e.Language, e.ErrorKind, e.ErrorMessage)
	}
	return fmt.Sprintf("%s  %-10s  %-12s  %.2f  %s  %dms",
		e.Timestamp.Format("15:04:05"), e.Language, e.Classification, e.ConfidenceScore, e.Strategy, e.ProcessingTime)
}
