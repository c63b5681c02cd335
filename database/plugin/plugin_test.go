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

package plugin_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/duet/database/plugin"
	"github.com/blinklabs-io/duet/database/types"
)

type mockStore struct {
	dataDir string
}

func (m *mockStore) Save(string, []byte) error         { return nil }
func (m *mockStore) Load(string) ([]byte, error)       { return nil, types.ErrKeyNotFound }
func (m *mockStore) Remove(string) error               { return nil }
func (m *mockStore) ListKeys(string) ([]string, error) { return nil, nil }
func (m *mockStore) Close() error                      { return nil }

func TestRegisterAndOpen(t *testing.T) {
	name := "mock-" + t.Name()
	plugin.Register(plugin.PluginEntry{
		Name: name,
		NewFromOptionsFunc: func(opts plugin.Options) (types.Store, error) {
			return &mockStore{dataDir: opts.DataDir}, nil
		},
	})
	entry, ok := plugin.GetPlugin(name)
	require.True(t, ok)
	assert.Equal(t, name, entry.Name)
	assert.Contains(t, plugin.PluginNames(), name)

	store, err := plugin.Open(name, plugin.Options{DataDir: "/tmp/x"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", store.(*mockStore).dataDir)
}

func TestRegisterReplacesExisting(t *testing.T) {
	name := "mock-" + t.Name()
	plugin.Register(plugin.PluginEntry{Name: name, Description: "first"})
	plugin.Register(plugin.PluginEntry{Name: name, Description: "second"})
	count := 0
	for _, p := range plugin.GetPlugins() {
		if p.Name == name {
			count++
			assert.Equal(t, "second", p.Description)
		}
	}
	assert.Equal(t, 1, count)
}

func TestOpenUnknownPlugin(t *testing.T) {
	_, err := plugin.Open("does-not-exist", plugin.Options{})
	require.ErrorContains(t, err, "not found")
}

func TestOpenPropagatesError(t *testing.T) {
	name := "broken-" + t.Name()
	boom := errors.New("boom")
	plugin.Register(plugin.PluginEntry{
		Name: name,
		NewFromOptionsFunc: func(plugin.Options) (types.Store, error) {
			return nil, boom
		},
	})
	_, err := plugin.Open(name, plugin.Options{})
	require.ErrorIs(t, err, boom)
}
