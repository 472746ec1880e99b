// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability holds the Prometheus metric set for the
// orchestrator.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the orchestrator metric set.
//
// # Thread Safety
//
// Prometheus collectors are safe for concurrent use.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	StreamDuration   prometheus.Histogram
	TimeToFirstToken prometheus.Histogram
	ActiveStreams    prometheus.Gauge

	ProviderAttempts  *prometheus.CounterVec
	FailoversTotal    prometheus.Counter
	EvaluatorVerdicts *prometheus.CounterVec

	PersistenceRetries   prometheus.Counter
	PersistenceAbandoned prometheus.Counter
}

// InitMetrics builds and registers the metric set on reg.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "haven",
			Name:      "requests_total",
			Help:      "Chat requests by endpoint and status.",
		}, []string{"endpoint", "status"}),
		StreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "haven",
			Name:      "stream_duration_seconds",
			Help:      "Full turn duration from accept to complete event.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		TimeToFirstToken: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "haven",
			Name:      "time_to_first_token_seconds",
			Help:      "Latency from accept to the first token event.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "haven",
			Name:      "active_streams",
			Help:      "Streams currently open.",
		}),
		ProviderAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "haven",
			Name:      "provider_attempts_total",
			Help:      "Provider attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		FailoversTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "haven",
			Name:      "provider_failovers_total",
			Help:      "Turns that needed more than one provider attempt.",
		}),
		EvaluatorVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "haven",
			Name:      "evaluator_verdicts_total",
			Help:      "Evaluator verdicts by outcome.",
		}, []string{"verdict"}),
		PersistenceRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "haven",
			Name:      "persistence_retries_total",
			Help:      "Transcript commit retries.",
		}),
		PersistenceAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "haven",
			Name:      "persistence_abandoned_total",
			Help:      "Turns whose commit exhausted its retries.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.StreamDuration,
		m.TimeToFirstToken,
		m.ActiveStreams,
		m.ProviderAttempts,
		m.FailoversTotal,
		m.EvaluatorVerdicts,
		m.PersistenceRetries,
		m.PersistenceAbandoned,
	)
	return m
}

// DefaultMetrics registers on the default Prometheus registry.
func DefaultMetrics() *Metrics {
	return InitMetrics(prometheus.DefaultRegisterer)
}

// RecordAttempts updates provider counters for one turn's attempt trail.
func (m *Metrics) RecordAttempts(attempts int) {
	if attempts > 1 {
		m.FailoversTotal.Inc()
	}
}
