// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package impurity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a set of broker metrics.
// A nil *Metrics records nothing.
type Metrics struct {
	requests prometheus.Counter
	failures prometheus.Counter
	inFlight prometheus.Gauge
}

// NewMetrics creates broker metrics and registers them with reg.
// A nil reg creates metrics that are not registered anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounter(prometheus.CounterOpts{
			Namespace: "zbcore",
			Subsystem: "impurity",
			Name:      "requests_total",
			Help:      "Total requests accepted by the impurity broker",
		}),
		failures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "zbcore",
			Subsystem: "impurity",
			Name:      "handler_failures_total",
			Help:      "Total request handler processes that exited unsuccessfully",
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "zbcore",
			Subsystem: "impurity",
			Name:      "requests_in_flight",
			Help:      "Number of request handler processes running",
		}),
	}
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.requests.Inc()
	m.inFlight.Inc()
}

func (m *Metrics) finished(err error) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	if err != nil {
		m.failures.Inc()
	}
}
