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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blinklabs-io/duet"
	"github.com/blinklabs-io/duet/dispatch"
)

func sendCommand() *cobra.Command {
	var caption, id string
	cmd := &cobra.Command{
		Use:   "send FILE",
		Short: "Send a moment to your partner",
		Long: "Send a moment to your partner. The moment is saved first and " +
			"queued when it cannot be delivered right away.",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			content, err := os.ReadFile(args[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, "error: "+err.Error())
				os.Exit(1)
			}
			withSession(cmd, true, func(ctx context.Context, s *duet.Session) error {
				res, err := s.Send(ctx, dispatch.Moment{
					ID:      id,
					Content: content,
					Caption: caption,
				})
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", res.ID, res.Message())
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&caption, "caption", "c", "", "caption for the moment")
	cmd.Flags().StringVar(&id, "id", "", "moment id, reuse one to send the same moment again")
	return cmd
}
