// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package event

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "relationlibs"
	metricsSubsystem = "events"
)

// Metrics counts dispatched events and handler failures by kind.
type Metrics struct {
	dispatched *prometheus.CounterVec
	failures   *prometheus.CounterVec
}

// NewMetrics returns a new Metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "dispatched_total",
			Help:      "Number of events dispatched, by kind.",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "handler_failures_total",
			Help:      "Number of handler failures, by kind.",
		}, []string{"kind"}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.dispatched.Describe(ch)
	m.failures.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.dispatched.Collect(ch)
	m.failures.Collect(ch)
}
