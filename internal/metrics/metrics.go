// Copyright 2025 Tom Barlow
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

// Package metrics exposes Prometheus collectors for run lifecycles.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors recorded by the run service and the
// event broker.
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted     prometheus.Counter
	RunsTerminal    *prometheus.CounterVec
	ActiveRuns      prometheus.Gauge
	StepsRecorded   prometheus.Counter
	EventsPublished *prometheus.CounterVec
	RunDuration     prometheus.Histogram
}

// New builds a Metrics set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "crossrun_runs_started_total",
			Help: "Runs accepted and queued for execution.",
		}),
		RunsTerminal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crossrun_runs_terminal_total",
			Help: "Runs reaching a terminal status, by status.",
		}, []string{"status"}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crossrun_active_runs",
			Help: "Run lifecycles currently executing.",
		}),
		StepsRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "crossrun_steps_recorded_total",
			Help: "Execution steps persisted across all runs.",
		}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crossrun_events_published_total",
			Help: "Events published to the broker, by kind.",
		}, []string{"kind"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "crossrun_run_duration_seconds",
			Help:    "Wall-clock duration of finished runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
