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

package database_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/duet/database"
	"github.com/blinklabs-io/duet/database/types"
)

func TestNewDefaultsToBadger(t *testing.T) {
	db, err := database.New(database.Config{})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Save("k", []byte("v")))
	val, err := db.Load("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestNewUnknownPlugin(t *testing.T) {
	_, err := database.New(database.Config{
		DataDir:     t.TempDir(),
		StorePlugin: "nope",
	})
	require.ErrorContains(t, err, "nope")
}

func TestDataDirIsExclusive(t *testing.T) {
	for _, pluginName := range []string{"badger", "sqlite"} {
		t.Run(pluginName, func(t *testing.T) {
			dir := t.TempDir()
			db, err := database.New(database.Config{DataDir: dir, StorePlugin: pluginName})
			require.NoError(t, err)
			_, err = database.New(database.Config{DataDir: dir, StorePlugin: pluginName})
			require.ErrorIs(t, err, types.ErrDataDirLocked)
			require.NoError(t, db.Close())
			// The directory is usable again once released
			db2, err := database.New(database.Config{DataDir: dir, StorePlugin: pluginName})
			require.NoError(t, err)
			require.NoError(t, db2.Close())
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	db, err := database.New(database.Config{StorePlugin: "sqlite"})
	require.NoError(t, err)
	defer db.Close()
	type record struct {
		ID    string `json:"id"`
		Count int    `json:"count"`
	}
	require.NoError(t, database.SaveJSON(db, "rec/1", record{ID: "1", Count: 3}))
	var got record
	require.NoError(t, database.LoadJSON(db, "rec/1", &got))
	assert.Equal(t, record{ID: "1", Count: 3}, got)
	require.ErrorIs(t, database.LoadJSON(db, "rec/2", &got), database.ErrKeyNotFound)
}
