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

package sqlite

import (
	"github.com/blinklabs-io/duet/database/plugin"
	"github.com/blinklabs-io/duet/database/types"
)

const PluginName = "sqlite"

// Register plugin
func init() {
	plugin.Register(
		plugin.PluginEntry{
			Name:               PluginName,
			Description:        "SQLite relational store",
			NewFromOptionsFunc: NewFromOptions,
		},
	)
}

func NewFromOptions(opts plugin.Options) (types.Store, error) {
	return New(
		WithDataDir(opts.DataDir),
		WithLogger(opts.Logger),
		WithPromRegistry(opts.PromRegistry),
	)
}
