// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package topic

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts engine outcomes.  A nil *Metrics records nothing.
type Metrics struct {
	outputs  *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	failures *prometheus.CounterVec
}

// NewMetrics creates the engine collectors and registers them with reg.
// Engines for different topics may share one Metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outputs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "overlay",
				Subsystem: "topic",
				Name:      "outputs_total",
				Help:      "outputs evaluated per topic and verdict",
			}, []string{"topic", "reason"}),

		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "overlay",
				Subsystem: "topic",
				Name:      "admission_seconds",
				Help:      "time spent evaluating one transaction",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			}, []string{"topic"}),

		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "overlay",
				Subsystem: "topic",
				Name:      "rejected_transactions_total",
				Help:      "transactions rejected before any output was evaluated",
			}, []string{"topic"}),
	}

	reg.MustRegister(m.outputs, m.latency, m.failures)
	return m
}

func (m *Metrics) observe(topic string, r *Result, elapsed time.Duration) {
	if m == nil {
		return
	}
	for _, v := range r.Outputs {
		m.outputs.WithLabelValues(topic, v.Reason.String()).Inc()
	}
	m.latency.WithLabelValues(topic).Observe(elapsed.Seconds())
}

func (m *Metrics) fail(topic string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(topic).Inc()
}
