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

package mongodb

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/event"
)

// Parts of Prometheus metric names.
const (
	namespace = "docstore"
	subsystem = "mongodb"
)

// poolMetrics counts connection pool events of the MongoDB client.
type poolMetrics struct {
	events      *prometheus.CounterVec
	connections prometheus.Gauge
}

// newPoolMetrics creates pool metrics.
func newPoolMetrics() *poolMetrics {
	return &poolMetrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "pool_events_total",
				Help:      "Total number of connection pool events.",
			},
			[]string{"type"},
		),
		connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "pool_connections",
				Help:      "The current number of open connections.",
			},
		),
	}
}

// monitor returns the pool monitor updating metrics.
func (m *poolMetrics) monitor() *event.PoolMonitor {
	return &event.PoolMonitor{
		Event: func(e *event.PoolEvent) {
			m.events.WithLabelValues(e.Type).Inc()

			switch e.Type {
			case event.ConnectionCreated:
				m.connections.Inc()
			case event.ConnectionClosed:
				m.connections.Dec()
			}
		},
	}
}

// Describe implements prometheus.Collector.
func (m *poolMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.events.Describe(ch)
	m.connections.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *poolMetrics) Collect(ch chan<- prometheus.Metric) {
	m.events.Collect(ch)
	m.connections.Collect(ch)
}

// check interfaces
var (
	_ prometheus.Collector = (*poolMetrics)(nil)
)
