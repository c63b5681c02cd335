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

package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blinklabs-io/duet/database/plugin"
	_ "github.com/blinklabs-io/duet/database/plugin/badger"
	_ "github.com/blinklabs-io/duet/database/plugin/sqlite"
	"github.com/blinklabs-io/duet/database/types"
)

const DefaultStorePlugin = "badger"

type (
	Store = types.Store
)

var ErrKeyNotFound = types.ErrKeyNotFound

type Config struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	// DataDir holds all local state. Empty selects an in-memory store.
	DataDir     string
	StorePlugin string
}

// Database owns the local store and the lock on its data directory
type Database struct {
	Store
	logger  *slog.Logger
	lock    *dirLock
	dataDir string
}

// New opens the configured store plugin. Only one process may hold a data
// directory at a time.
func New(cfg Config) (*Database, error) {
	if cfg.Logger == nil {
		// Create logger to throw away logs
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.StorePlugin == "" {
		cfg.StorePlugin = DefaultStorePlugin
	}
	db := &Database{
		logger:  cfg.Logger,
		dataDir: cfg.DataDir,
	}
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		lock, err := lockDir(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		db.lock = lock
	}
	store, err := plugin.Open(
		cfg.StorePlugin,
		plugin.Options{
			Logger:       cfg.Logger,
			PromRegistry: cfg.PromRegistry,
			DataDir:      cfg.DataDir,
		},
	)
	if err != nil {
		return nil, errors.Join(err, db.unlock())
	}
	db.Store = store
	db.logger.Debug(
		"opened local store",
		"component", "database",
		"plugin", cfg.StorePlugin,
		"data_dir", cfg.DataDir,
	)
	return db, nil
}

// DataDir returns the path to the data directory used for storage
func (d *Database) DataDir() string {
	return d.dataDir
}

// Close closes the store and releases the data directory
func (d *Database) Close() error {
	var err error
	if d.Store != nil {
		err = d.Store.Close()
	}
	return errors.Join(err, d.unlock())
}

func (d *Database) unlock() error {
	if d.lock == nil {
		return nil
	}
	err := d.lock.release()
	d.lock = nil
	return err
}

// SaveJSON stores a JSON encoded value
func SaveJSON(store Store, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return store.Save(key, data)
}

// LoadJSON decodes a stored JSON value into dest. A missing key returns
// ErrKeyNotFound.
func LoadJSON(store Store, key string, dest any) error {
	data, err := store.Load(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
