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

package badger

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/blinklabs-io/duet/database/types"
)

// StoreBadger keeps all data in badger. Writes are synced to disk before
// they return.
type StoreBadger struct {
	promRegistry   prometheus.Registerer
	db             *badger.DB
	logger         *slog.Logger
	metrics        *storeMetrics
	gcTicker       *time.Ticker
	gcStopCh       chan struct{}
	dataDir        string
	gcWg           sync.WaitGroup
	closeOnce      sync.Once
	gcInterval     time.Duration
	valueThreshold int64
	gcEnabled      bool
}

// New opens a badger store. An empty data directory selects an in-memory
// store whose contents do not survive Close.
func New(opts ...StoreBadgerOptionFunc) (*StoreBadger, error) {
	s := &StoreBadger{
		gcEnabled:      true,
		gcInterval:     DefaultGcInterval,
		valueThreshold: DefaultValueThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	var badgerOpts badger.Options
	if s.dataDir == "" {
		badgerOpts = badger.DefaultOptions("").
			WithLogger(NewBadgerLogger(s.logger)).
			// The default INFO logging is a bit verbose
			WithLoggingLevel(badger.WARNING).
			WithInMemory(true).
			WithValueThreshold(s.valueThreshold)
		// GC does not apply to in-memory stores
		s.gcEnabled = false
	} else {
		if _, err := os.Stat(s.dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(s.dataDir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		badgerOpts = badger.DefaultOptions(filepath.Join(s.dataDir, "badger")).
			WithLogger(NewBadgerLogger(s.logger)).
			WithLoggingLevel(badger.WARNING).
			WithValueThreshold(s.valueThreshold).
			WithSyncWrites(true)
	}
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, err
	}
	s.db = db
	s.init()
	return s, nil
}

func (s *StoreBadger) init() {
	if s.promRegistry != nil {
		s.metrics = newStoreMetrics(s.promRegistry)
	}
	if s.gcEnabled {
		s.gcTicker = time.NewTicker(s.gcInterval)
		s.gcStopCh = make(chan struct{})
		s.gcWg.Add(1)
		go s.valueLogGc(s.gcTicker, s.gcStopCh)
	}
}

func (s *StoreBadger) valueLogGc(t *time.Ticker, stop <-chan struct{}) {
	defer s.gcWg.Done()
	for {
		select {
		case <-t.C:
			for {
				err := s.db.RunValueLogGC(0.5)
				if err == nil {
					// Run it again if it just ran successfully
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) {
					s.logger.Warn(
						fmt.Sprintf("badger: GC failure: %s", err),
						"component", "database",
					)
				}
				break
			}
		case <-stop:
			return
		}
	}
}

// Save stores a value under a key
func (s *StoreBadger) Save(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	s.observe("save", err)
	return s.wrapErr(err)
}

// Load returns the value stored under a key
func (s *StoreBadger) Load(key string) ([]byte, error) {
	var ret []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		ret, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, types.ErrKeyNotFound
	}
	s.observe("load", err)
	return ret, s.wrapErr(err)
}

// Remove deletes a key
func (s *StoreBadger) Remove(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	s.observe("remove", err)
	return s.wrapErr(err)
}

// ListKeys returns the keys matching a prefix in lexical order
func (s *StoreBadger) ListKeys(prefix string) ([]string, error) {
	var ret []string
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = []byte(prefix)
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ret = append(ret, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	s.observe("list", err)
	return ret, s.wrapErr(err)
}

// Close stops GC and closes the database
func (s *StoreBadger) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.gcTicker != nil {
			s.gcTicker.Stop()
			close(s.gcStopCh)
			s.gcWg.Wait()
		}
		err = s.db.Close()
	})
	return err
}

// DB returns the database handle
func (s *StoreBadger) DB() *badger.DB {
	return s.db
}

func (s *StoreBadger) wrapErr(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return types.ErrStoreClosed
	}
	return err
}

func (s *StoreBadger) observe(op string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.operations.WithLabelValues(op).Inc()
	if err != nil {
		s.metrics.errors.WithLabelValues(op).Inc()
	}
}
