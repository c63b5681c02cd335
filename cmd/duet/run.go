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
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/blinklabs-io/duet/internal/config"
	"github.com/blinklabs-io/duet/internal/node"
)

func runRun(_ *cobra.Command, _ []string, cfg *config.Config) {
	logger := commonRun(cfg)

	if err := node.Run(cfg, logger); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Stay connected, deliver queued moments and receive new ones",
		Run: func(cmd *cobra.Command, args []string) {
			runRun(cmd, args, mustConfig(cmd))
		},
	}
	return cmd
}
