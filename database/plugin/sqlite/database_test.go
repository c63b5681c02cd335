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

package sqlite_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/duet/database/plugin/sqlite"
	"github.com/blinklabs-io/duet/database/types"
)

func TestStoreCrud(t *testing.T) {
	s, err := sqlite.New(sqlite.WithDataDir(t.TempDir()))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Load("missing")
	require.ErrorIs(t, err, types.ErrKeyNotFound)
	require.NoError(t, s.Remove("missing"))

	require.NoError(t, s.Save("queue/a", []byte("1")))
	require.NoError(t, s.Save("queue/a", []byte("2")))
	val, err := s.Load("queue/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), val)

	require.NoError(t, s.Remove("queue/a"))
	_, err = s.Load("queue/a")
	require.ErrorIs(t, err, types.ErrKeyNotFound)
}

func TestStoreListKeysIsCaseSensitive(t *testing.T) {
	s, err := sqlite.New()
	require.NoError(t, err)
	defer s.Close()

	for _, k := range []string{"queue/b", "queue/a", "QUEUE/c", "media/a"} {
		require.NoError(t, s.Save(k, []byte("x")))
	}
	keys, err := s.ListKeys("queue/")
	require.NoError(t, err)
	assert.Equal(t, []string{"queue/a", "queue/b"}, keys)

	all, err := s.ListKeys("")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestInMemoryStoresAreIsolated(t *testing.T) {
	a, err := sqlite.New()
	require.NoError(t, err)
	defer a.Close()
	b, err := sqlite.New()
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Save("k", []byte("v")))
	_, err = b.Load("k")
	require.ErrorIs(t, err, types.ErrKeyNotFound)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := sqlite.New(sqlite.WithDataDir(dir))
	require.NoError(t, err)
	require.NoError(t, s.Save("pair/current", []byte("p")))
	require.NoError(t, s.Close())

	s2, err := sqlite.New(sqlite.WithDataDir(dir))
	require.NoError(t, err)
	defer s2.Close()
	val, err := s2.Load("pair/current")
	require.NoError(t, err)
	assert.Equal(t, []byte("p"), val)
}
