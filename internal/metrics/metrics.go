// Package metrics holds the Prometheus instruments shared by the CRM client,
// the session manager and the dashboard server.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ccv"

// Metrics holds all the metric instruments
type Metrics struct {
	// CRM client metrics
	CRMRequestsTotal   *prometheus.CounterVec
	CRMRequestDuration *prometheus.HistogramVec

	// Session metrics
	RefreshesTotal        *prometheus.CounterVec
	RefreshWaitersTotal   prometheus.Counter
	RequestsReplayedTotal prometheus.Counter
	SessionExpiredTotal   prometheus.Counter

	// Dashboard metrics
	HTTPRequestsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

var (
	once    sync.Once
	metrics *Metrics
)

// Get returns the singleton Metrics instance, initializing it if necessary
func Get() *Metrics {
	once.Do(func() {
		metrics = New()
	})
	return metrics
}

// New creates all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{registry: reg}

	m.CRMRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "crm",
		Name:      "requests_total",
		Help:      "Total number of CRM API requests by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	m.CRMRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "crm",
		Name:      "request_duration_seconds",
		Help:      "Duration of CRM API requests, including any token refresh and replay.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})

	m.RefreshesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "refreshes_total",
		Help:      "Total number of token refreshes by outcome.",
	}, []string{"outcome"})

	m.RefreshWaitersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "refresh_waiters_total",
		Help:      "Total number of requests that queued behind an in-flight refresh.",
	})

	m.RequestsReplayedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "requests_replayed_total",
		Help:      "Total number of requests replayed after a 401.",
	})

	m.SessionExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "expired_total",
		Help:      "Total number of times the session was expired and the user logged out.",
	})

	m.HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dashboard",
		Name:      "http_requests_total",
		Help:      "Total number of dashboard HTTP requests by route and status code.",
	}, []string{"route", "code"})

	reg.MustRegister(
		m.CRMRequestsTotal,
		m.CRMRequestDuration,
		m.RefreshesTotal,
		m.RefreshWaitersTotal,
		m.RequestsReplayedTotal,
		m.SessionExpiredTotal,
		m.HTTPRequestsTotal,
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
