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
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultGcInterval = 5 * time.Minute
	// Media payloads above this size live in the value log
	DefaultValueThreshold = 1 << 10
)

type StoreBadgerOptionFunc func(*StoreBadger)

// WithLogger specifies the logger object to use for logging messages
func WithLogger(logger *slog.Logger) StoreBadgerOptionFunc {
	return func(s *StoreBadger) {
		s.logger = logger
	}
}

// WithPromRegistry specifies the prometheus registry to use for metrics
func WithPromRegistry(
	registry prometheus.Registerer,
) StoreBadgerOptionFunc {
	return func(s *StoreBadger) {
		s.promRegistry = registry
	}
}

// WithDataDir specifies the data directory to use for storage
func WithDataDir(dataDir string) StoreBadgerOptionFunc {
	return func(s *StoreBadger) {
		s.dataDir = dataDir
	}
}

// WithGc specifies whether value log garbage collection is enabled
func WithGc(enabled bool) StoreBadgerOptionFunc {
	return func(s *StoreBadger) {
		s.gcEnabled = enabled
	}
}

// WithGcInterval specifies how often value log garbage collection runs
func WithGcInterval(interval time.Duration) StoreBadgerOptionFunc {
	return func(s *StoreBadger) {
		s.gcInterval = interval
	}
}

// WithValueThreshold specifies the value threshold for keeping values in LSM tree
func WithValueThreshold(threshold int64) StoreBadgerOptionFunc {
	return func(s *StoreBadger) {
		s.valueThreshold = threshold
	}
}
