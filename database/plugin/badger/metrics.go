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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const badgerMetricNamePrefix = "duet_store_badger_"

type storeMetrics struct {
	operations *prometheus.CounterVec
	errors     *prometheus.CounterVec
}

func newStoreMetrics(promRegistry prometheus.Registerer) *storeMetrics {
	promautoFactory := promauto.With(promRegistry)
	return &storeMetrics{
		operations: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: badgerMetricNamePrefix + "operations_total",
				Help: "badger store operations, by operation",
			},
			[]string{"op"},
		),
		errors: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: badgerMetricNamePrefix + "errors_total",
				Help: "failed badger store operations, by operation",
			},
			[]string{"op"},
		),
	}
}
