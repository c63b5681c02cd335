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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/blinklabs-io/duet/database/types"
)

const vacuumInterval = 24 * time.Hour

// Distinguishes in-memory databases opened by the same process
var memoryDbCounter atomic.Uint64

// KeyValue is the single table backing the store
type KeyValue struct {
	Key       string `gorm:"column:store_key;primaryKey"`
	Value     []byte
	UpdatedAt time.Time
}

func (KeyValue) TableName() string {
	return "key_value"
}

// StoreSqlite keeps all data in a single sqlite table
type StoreSqlite struct {
	promRegistry prometheus.Registerer
	db           *gorm.DB
	logger       *slog.Logger
	metrics      *storeMetrics
	timerVacuum  *time.Timer
	dataDir      string
	timerMutex   sync.Mutex
	vacuumWG     sync.WaitGroup
	closed       bool
}

// New creates a sqlite store. Uses an in-memory database if dataDir is empty.
func New(opts ...StoreSqliteOptionFunc) (*StoreSqlite, error) {
	s := &StoreSqlite{}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		// Create logger to throw away logs
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	gormConfig := &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	}
	var err error
	if s.dataDir == "" {
		s.db, err = gorm.Open(
			sqlite.Open(
				fmt.Sprintf(
					"file:duet-%d?mode=memory&cache=shared",
					memoryDbCounter.Add(1),
				),
			),
			gormConfig,
		)
		if err != nil {
			return nil, err
		}
		// Keep one connection so the in-memory database lives until Close
		sqlDb, err := s.db.DB()
		if err != nil {
			return nil, err
		}
		sqlDb.SetMaxOpenConns(1)
	} else {
		if _, err := os.Stat(s.dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(s.dataDir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		dbPath := filepath.Join(s.dataDir, "duet.sqlite")
		// WAL journal mode with full sync so a write is on disk when it returns
		connOpts := "_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
		s.db, err = gorm.Open(
			sqlite.Open(fmt.Sprintf("file:%s?%s", dbPath, connOpts)),
			gormConfig,
		)
		if err != nil {
			return nil, err
		}
	}
	if err := s.init(); err != nil {
		return nil, errors.Join(err, s.closeDb())
	}
	return s, nil
}

func (s *StoreSqlite) init() error {
	if err := s.db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return err
	}
	if err := s.db.AutoMigrate(&KeyValue{}); err != nil {
		return err
	}
	if s.promRegistry != nil {
		s.metrics = newStoreMetrics(s.promRegistry)
	}
	s.scheduleVacuum()
	return nil
}

func (s *StoreSqlite) scheduleVacuum() {
	s.timerMutex.Lock()
	defer s.timerMutex.Unlock()
	if s.closed || s.dataDir == "" {
		return
	}
	s.timerVacuum = time.AfterFunc(vacuumInterval, func() {
		if err := s.runVacuum(); err != nil {
			s.logger.Error(
				"failed to vacuum database",
				"component", "database",
				"error", err,
			)
		}
		s.scheduleVacuum()
	})
}

func (s *StoreSqlite) runVacuum() error {
	s.timerMutex.Lock()
	if s.closed {
		s.timerMutex.Unlock()
		return nil
	}
	s.vacuumWG.Add(1)
	s.timerMutex.Unlock()
	defer s.vacuumWG.Done()
	return s.db.Exec("VACUUM").Error
}

// Save stores a value under a key
func (s *StoreSqlite) Save(key string, value []byte) error {
	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "store_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&KeyValue{
		Key:   key,
		Value: value,
	})
	s.observe("save", result.Error)
	return s.wrapErr(result.Error)
}

// Load returns the value stored under a key
func (s *StoreSqlite) Load(key string) ([]byte, error) {
	var kv KeyValue
	result := s.db.Where("store_key = ?", key).Limit(1).Find(&kv)
	s.observe("load", result.Error)
	if result.Error != nil {
		return nil, s.wrapErr(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, types.ErrKeyNotFound
	}
	return kv.Value, nil
}

// Remove deletes a key
func (s *StoreSqlite) Remove(key string) error {
	result := s.db.Where("store_key = ?", key).Delete(&KeyValue{})
	s.observe("remove", result.Error)
	return s.wrapErr(result.Error)
}

// ListKeys returns the keys matching a prefix in lexical order
func (s *StoreSqlite) ListKeys(prefix string) ([]string, error) {
	var keys []string
	// LIKE is case-insensitive in sqlite, so compare the prefix directly
	result := s.db.Model(&KeyValue{}).
		Where("substr(store_key, 1, ?) = ?", len(prefix), prefix).
		Order("store_key").
		Pluck("store_key", &keys)
	s.observe("list", result.Error)
	return keys, s.wrapErr(result.Error)
}

// Close stops background work and closes the database
func (s *StoreSqlite) Close() error {
	s.timerMutex.Lock()
	if s.closed {
		s.timerMutex.Unlock()
		return nil
	}
	s.closed = true
	if s.timerVacuum != nil {
		s.timerVacuum.Stop()
		s.timerVacuum = nil
	}
	s.timerMutex.Unlock()
	s.vacuumWG.Wait()
	return s.closeDb()
}

func (s *StoreSqlite) closeDb() error {
	sqlDb, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get database handle: %w", err)
	}
	return sqlDb.Close()
}

// DB returns the underlying GORM database handle
func (s *StoreSqlite) DB() *gorm.DB {
	return s.db
}

func (s *StoreSqlite) wrapErr(err error) error {
	if err == nil {
		return nil
	}
	s.timerMutex.Lock()
	closed := s.closed
	s.timerMutex.Unlock()
	if closed {
		return types.ErrStoreClosed
	}
	return err
}

func (s *StoreSqlite) observe(op string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.operations.WithLabelValues(op).Inc()
	if err != nil {
		s.metrics.errors.WithLabelValues(op).Inc()
	}
}
