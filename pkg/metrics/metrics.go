// Copyright 2024-2026 Aiku AI

// Package metrics holds the Prometheus collectors of chatrelay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay engine
	RelayEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_events_total",
			Help: "Events handled by the relay engine",
		},
		[]string{"op", "source", "outcome"}, // op: create, edit, delete
	)

	IntegrityErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_integrity_errors_total",
			Help: "Correlation store invariant violations",
		},
	)

	// Adapters
	AdapterCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_adapter_calls_total",
			Help: "Calls made to service adapters",
		},
		[]string{"service", "op", "result"}, // result: ok, transient, permanent
	)

	AdapterLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_adapter_call_duration_seconds",
			Help:    "Service adapter call latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"service", "op"},
	)

	// Service loops
	EchoesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_echoes_dropped_total",
			Help: "Native events dropped by echo prevention",
		},
		[]string{"service", "reason"},
	)

	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_store_duration_seconds",
			Help:    "Correlation store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1},
		},
		[]string{"op"},
	)
)
