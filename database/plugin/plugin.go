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

package plugin

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blinklabs-io/duet/database/types"
)

// Options are passed to a store plugin when it is opened
type Options struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	// DataDir is the directory owned by the store. Empty means in-memory.
	DataDir string
}

type PluginEntry struct {
	Name               string
	Description        string
	NewFromOptionsFunc func(Options) (types.Store, error)
}

var (
	pluginEntries []PluginEntry
	pluginMu      sync.RWMutex
)

// Register adds a store plugin. Registering a name again replaces the
// previous entry.
func Register(entry PluginEntry) {
	pluginMu.Lock()
	defer pluginMu.Unlock()
	for i := range pluginEntries {
		if pluginEntries[i].Name == entry.Name {
			pluginEntries[i] = entry
			return
		}
	}
	pluginEntries = append(pluginEntries, entry)
}

// GetPlugins returns all registered plugins sorted by name
func GetPlugins() []PluginEntry {
	pluginMu.RLock()
	ret := slices.Clone(pluginEntries)
	pluginMu.RUnlock()
	slices.SortFunc(ret, func(a, b PluginEntry) int {
		return strings.Compare(a.Name, b.Name)
	})
	return ret
}

// GetPlugin returns the plugin registered with the given name
func GetPlugin(name string) (PluginEntry, bool) {
	pluginMu.RLock()
	defer pluginMu.RUnlock()
	for _, entry := range pluginEntries {
		if entry.Name == name {
			return entry, true
		}
	}
	return PluginEntry{}, false
}

// PluginNames returns a comma separated list of the registered plugin names
func PluginNames() string {
	plugins := GetPlugins()
	names := make([]string, 0, len(plugins))
	for _, p := range plugins {
		names = append(names, p.Name)
	}
	return strings.Join(names, ", ")
}

// Open looks up a plugin by name and opens a store with it
func Open(name string, opts Options) (types.Store, error) {
	entry, ok := GetPlugin(name)
	if !ok {
		return nil, fmt.Errorf(
			"store plugin '%s' not found (available: %s)",
			name,
			PluginNames(),
		)
	}
	store, err := entry.NewFromOptionsFunc(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store plugin '%s': %w", name, err)
	}
	return store, nil
}
