// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package metrics exposes Prometheus metrics of the MSH flows.
package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sirosfoundation/go-msh/pkg/receiver"
	"github.com/sirosfoundation/go-msh/pkg/reliability"
)

// Metrics holds the collectors of one MSH instance.
type Metrics struct {
	registry *prometheus.Registry

	receiverState *prometheus.GaugeVec
	transitions   *prometheus.CounterVec
	messages      *prometheus.CounterVec
	duplicates    prometheus.Counter
	sendLatency   *prometheus.HistogramVec
}

// New creates the collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		receiverState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "msh",
			Name:      "receiver_state",
			Help:      "1 for the current polling state of each flow receiver.",
		}, []string{"flow", "state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "msh",
			Name:      "reliability_transitions_total",
			Help:      "Retry record status transitions.",
		}, []string{"kind", "from", "to"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "msh",
			Name:      "messages_total",
			Help:      "Messages handled per flow and outcome.",
		}, []string{"flow", "outcome"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msh",
			Name:      "duplicates_eliminated_total",
			Help:      "Inbound user messages dropped as duplicates.",
		}),
		sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "msh",
			Name:      "send_duration_seconds",
			Help:      "Duration of outbound HTTP exchanges.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.receiverState,
		m.transitions,
		m.messages,
		m.duplicates,
		m.sendLatency,
	)
	return m
}

var states = []receiver.State{
	receiver.StateIdle,
	receiver.StatePolling,
	receiver.StateDispatching,
	receiver.StateBackingOff,
	receiver.StateStopped,
}

// StateObserver returns a receiver state observer for flow.
func (m *Metrics) StateObserver(flow string) func(receiver.State) {
	return func(current receiver.State) {
		for _, s := range states {
			v := 0.0
			if s == current {
				v = 1
			}
			m.receiverState.WithLabelValues(flow, s.String()).Set(v)
		}
	}
}

// TransitionObserver counts retry record transitions.
func (m *Metrics) TransitionObserver() reliability.TransitionObserver {
	return func(kind reliability.Kind, from, to reliability.Status) {
		m.transitions.WithLabelValues(string(kind), string(from), string(to)).Inc()
	}
}

// Message counts one message of flow with outcome.
func (m *Metrics) Message(flow, outcome string) {
	m.messages.WithLabelValues(flow, outcome).Inc()
}

// Duplicate counts one eliminated duplicate.
func (m *Metrics) Duplicate() { m.duplicates.Inc() }

// ObserveSend records the duration of an outbound exchange.
func (m *Metrics) ObserveSend(seconds float64, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.sendLatency.WithLabelValues(outcome).Observe(seconds)
}

// Registry returns the registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry at path plus a liveness check at /healthz.
func (m *Metrics) Handler(path string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return r
}
