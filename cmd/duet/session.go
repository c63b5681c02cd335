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
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/blinklabs-io/duet"
	"github.com/blinklabs-io/duet/connmanager"
	"github.com/blinklabs-io/duet/internal/node"
)

const signInTimeout = 15 * time.Second

// withSession opens a session for a one-shot command, optionally signs in,
// runs fn and stops the session again
func withSession(
	cmd *cobra.Command,
	signIn bool,
	fn func(context.Context, *duet.Session) error,
) {
	cfg := mustConfig(cmd)
	logger := quietLogger(cfg)
	s, err := node.NewSession(cfg, logger)
	if err != nil {
		exitWith(logger, err)
	}
	ctx := cmd.Context()
	if signIn {
		signInCtx, cancel := context.WithTimeout(ctx, signInTimeout)
		err := s.SignIn(signInCtx)
		cancel()
		switch {
		case err == nil:
		case connmanager.IsTransportError(err):
			fmt.Fprintln(os.Stderr, "server unreachable, working offline")
		default:
			exitWith(logger, errors.Join(err, s.Stop()))
		}
	}
	err = fn(ctx, s)
	if stopErr := s.Stop(); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	if err != nil {
		exitWith(logger, err)
	}
}

func exitWith(logger *slog.Logger, err error) {
	logger.Debug("command failed", "error", err)
	fmt.Fprintln(os.Stderr, "error: "+err.Error())
	os.Exit(1)
}
