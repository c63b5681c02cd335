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
	"time"

	"github.com/spf13/cobra"

	"github.com/blinklabs-io/duet"
	"github.com/blinklabs-io/duet/event"
	"github.com/blinklabs-io/duet/pairing"
)

func pairCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair with your partner",
	}
	cmd.AddCommand(
		pairGenerateCommand(),
		pairJoinCommand(),
		pairStatusCommand(),
	)
	return cmd
}

func pairGenerateCommand() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Create an invite code for your partner to enter",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			withSession(cmd, true, func(ctx context.Context, s *duet.Session) error {
				// Subscribe before the code exists so a fast partner is not missed
				subID, changes := s.EventBus().Subscribe(pairing.ChangedEventType)
				defer s.EventBus().Unsubscribe(pairing.ChangedEventType, subID)
				code, err := s.GenerateCode(ctx)
				if err != nil {
					return err
				}
				fmt.Printf(
					"invite code: %s (expires %s)\n",
					code.Code,
					code.ExpiresAt.Local().Format(time.Kitchen),
				)
				if !code.Joinable() {
					fmt.Println("offline code, it is replaced once the server is reachable")
				}
				if !wait {
					return nil
				}
				return waitForPartner(ctx, changes, code.ExpiresAt)
			})
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until your partner enters the code")
	return cmd
}

func waitForPartner(
	ctx context.Context,
	changes <-chan event.Event,
	expiresAt time.Time,
) error {
	timer := time.NewTimer(time.Until(expiresAt))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errors.New("invite code expired before your partner joined")
		case evt, ok := <-changes:
			if !ok {
				return errors.New("session closed")
			}
			change, ok := evt.Data.(pairing.ChangedEvent)
			if !ok || change.Current == nil {
				continue
			}
			printPair(change.Current)
			return nil
		}
	}
}

func pairJoinCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join CODE",
		Short: "Pair using the invite code your partner gave you",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withSession(cmd, true, func(ctx context.Context, s *duet.Session) error {
				state, err := s.JoinCode(ctx, args[0])
				if err != nil {
					return err
				}
				printPair(&state)
				return nil
			})
		},
	}
	return cmd
}

func pairStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current pair and invite code",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			withSession(cmd, false, func(_ context.Context, s *duet.Session) error {
				if pair := s.Pair(); pair != nil {
					printPair(pair)
				} else {
					fmt.Println("not paired")
				}
				if invite := s.Invite(); invite != nil {
					fmt.Printf(
						"open invite code: %s (expires %s)\n",
						invite.Code,
						invite.ExpiresAt.Local().Format(time.Kitchen),
					)
				}
				fmt.Printf("%d moments waiting to send\n", len(s.Pending()))
				return nil
			})
		},
	}
	return cmd
}

func unpairCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unpair",
		Short: "End the pair with your partner",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			withSession(cmd, true, func(_ context.Context, s *duet.Session) error {
				if err := s.Unpair(); err != nil {
					return err
				}
				fmt.Println("unpaired")
				return nil
			})
		},
	}
	return cmd
}

func printPair(pair *pairing.PairState) {
	name := pair.PartnerID
	if pair.PartnerDisplayName != "" {
		name = fmt.Sprintf("%s (%s)", pair.PartnerDisplayName, pair.PartnerID)
	}
	fmt.Printf(
		"paired with %s since %s\n",
		name,
		pair.PairedAt.Local().Format(time.RFC1123),
	)
}
