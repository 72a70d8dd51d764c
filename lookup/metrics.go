// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lookup

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts index operations.  A nil *Metrics records nothing.
type Metrics struct {
	ops *prometheus.CounterVec
}

// NewMetrics creates the index collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "overlay",
				Subsystem: "lookup",
				Name:      "operations_total",
				Help:      "index operations per collection and outcome",
			}, []string{"collection", "op", "outcome"}),
	}
	reg.MustRegister(m.ops)
	return m
}

func (m *Metrics) record(collection, op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case IsError(err, ErrCaller), IsError(err, ErrInvalidRecord):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	m.ops.WithLabelValues(collection, op, outcome).Inc()
}
