// Copyright 2021 FerretDB Inc.
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

package persistence

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Parts of Prometheus metric names.
const (
	namespace = "docstore"
	subsystem = "driver"
)

// driverMetrics represents driver operation metrics.
type driverMetrics struct {
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	state      *prometheus.Desc
}

// newDriverMetrics creates driver metrics.
func newDriverMetrics() *driverMetrics {
	return &driverMetrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "operations_total",
				Help:      "Total number of driver operations.",
			},
			[]string{"vendor", "operation", "result"},
		),
		durations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "operation_duration_seconds",
				Help:      "Driver operation durations.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"vendor", "operation"},
		),
		state: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "connection_state"),
			"The current connection state.",
			[]string{"vendor", "state"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (m *driverMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.operations.Describe(ch)
	m.durations.Describe(ch)
	ch <- m.state
}
