// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/blinklabs-io/duet"
	"github.com/blinklabs-io/duet/drainer"
)

func queueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage moments waiting to be delivered",
	}
	cmd.AddCommand(
		queueListCommand(),
		queueClearCommand(),
		queueRetryCommand(),
	)
	return cmd
}

func queueListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued moments, oldest first",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			withSession(cmd, false, func(_ context.Context, s *duet.Session) error {
				pending := s.Pending()
				if len(pending) == 0 {
					fmt.Println("queue is empty")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tCAPTION\tCREATED\tATTEMPTS\tLAST ERROR")
				for _, entry := range pending {
					fmt.Fprintf(
						w,
						"%s\t%s\t%s\t%d/%d\t%s\n",
						entry.ID,
						entry.Caption,
						entry.CreatedAt.Local().Format(time.DateTime),
						entry.AttemptCount,
						entry.MaxAttempts,
						entry.LastError,
					)
				}
				return w.Flush()
			})
		},
	}
}

func queueClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued moment without sending it",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			withSession(cmd, false, func(_ context.Context, s *duet.Session) error {
				count := len(s.Pending())
				if err := s.ClearQueue(); err != nil {
					return err
				}
				fmt.Printf("removed %d moments from the queue\n", count)
				return nil
			})
		},
	}
}

func queueRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry [ID]",
		Short: "Deliver queued moments now, or resend one failed moment by id",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withSession(cmd, true, func(ctx context.Context, s *duet.Session) error {
				if len(args) == 1 {
					res, err := s.Resend(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Printf("%s: %s\n", res.ID, res.Message())
					return nil
				}
				stats, err := drainNow(ctx, s)
				fmt.Printf(
					"%d delivered, %d retrying, %d failed, %d not attempted\n",
					stats.Delivered,
					stats.Retrying,
					stats.Failed,
					stats.Remaining,
				)
				return err
			})
		},
	}
}

// drainNow runs a pass, waiting out one started by signing in
func drainNow(ctx context.Context, s *duet.Session) (drainer.Stats, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		stats, err := s.Drain(ctx)
		if !errors.Is(err, drainer.ErrDrainInProgress) {
			return stats, err
		}
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-ticker.C:
		}
	}
}
