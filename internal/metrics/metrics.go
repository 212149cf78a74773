// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes relay counters and latencies to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Admission rejection reasons.
const (
	ReasonAuth          = "auth"
	ReasonRateLimit     = "rate_limit"
	ReasonNotConfigured = "not_configured"
	ReasonValidation    = "validation"
	ReasonLimiterError  = "limiter_error"
)

// Metrics holds the relay collectors on a private registry. The Record
// methods are no-ops on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	admissionRejections *prometheus.CounterVec
	upstreamRequests    *prometheus.CounterVec
	upstreamLatency     *prometheus.HistogramVec
}

// New creates and registers every collector, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "advad_requests_total",
				Help: "Total number of HTTP requests by route and status.",
			},
			[]string{"route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "advad_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"route"},
		),
		admissionRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "advad_admission_rejections_total",
				Help: "Prompt submissions rejected before reaching the upstream model.",
			},
			[]string{"reason"},
		),
		upstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "advad_upstream_requests_total",
				Help: "Upstream model calls by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		),
		upstreamLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "advad_upstream_latency_seconds",
				Help:    "Upstream model call latency in seconds.",
				Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider"},
		),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.admissionRejections,
		m.upstreamRequests,
		m.upstreamLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordRequest records one finished HTTP request.
func (m *Metrics) RecordRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordRejection records a prompt submission stopped by admission.
func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.admissionRejections.WithLabelValues(reason).Inc()
}

// RecordUpstream records one upstream call. outcome is "success" or an
// error kind.
func (m *Metrics) RecordUpstream(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(provider, outcome).Inc()
	m.upstreamLatency.WithLabelValues(provider).Observe(d.Seconds())
}
