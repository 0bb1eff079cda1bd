// Copyright 2026 The Warmstart Authors.
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

package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"warmstart.dev/warmstart/pkg/policy"
)

// Checkpoint results, used as the "result" label.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

type metrics struct {
	checkpoints *prometheus.CounterVec
	failures    *prometheus.CounterVec
	restores    *prometheus.CounterVec
	quiesce     prometheus.Histogram
	engine      prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Name: "warmstart_checkpoints_total",
			Help: "Checkpoint requests by result.",
		}, []string{"result"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "warmstart_reconciliation_failures_total",
			Help: "Descriptors that failed reconciliation, by kind.",
		}, []string{"side", "kind"}),
		restores: f.NewCounterVec(prometheus.CounterOpts{
			Name: "warmstart_restores_total",
			Help: "Engine restore requests by result.",
		}, []string{"result"}),
		quiesce: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "warmstart_quiesce_seconds",
			Help:    "Time from the start of quiescing until every thread was parked.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		engine: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "warmstart_engine_seconds",
			Help:    "Time spent in the engine checkpoint call.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
	}
}

func (m *metrics) report(r *policy.Report) {
	if r == nil {
		return
	}
	for _, f := range r.Failures {
		m.failures.WithLabelValues(r.Side.String(), f.Kind.String()).Inc()
	}
}
