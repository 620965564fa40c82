// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// durationBuckets are the histogram buckets for request latency.
var durationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds the Prometheus collectors updated by the engine.
//
// Collectors live in a private registry so that multiple engines (and
// tests) never clash on the default registry. Expose [Metrics.Registry]
// through promhttp if you want to scrape them.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	DialsTotal     *prometheus.CounterVec
	PoolReuseTotal prometheus.Counter
	RetriesTotal   prometheus.Counter
	RedirectsTotal prometheus.Counter
}

// NewMetrics creates a [*Metrics] with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keqwest_requests_total",
			Help: "Total requests by method and outcome kind.",
		}, []string{"method", "outcome"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keqwest_request_duration_seconds",
			Help:    "Time from dispatch to response headers or failure.",
			Buckets: durationBuckets,
		}, []string{"method"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keqwest_requests_in_flight",
			Help: "Number of dispatched requests not yet released.",
		}),

		DialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keqwest_dials_total",
			Help: "Connection attempts by result.",
		}, []string{"result"}),

		PoolReuseTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keqwest_pool_reuse_total",
			Help: "Requests served by an idle pooled connection.",
		}),

		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keqwest_retries_total",
			Help: "Idempotent requests retried after a stale connection.",
		}),

		RedirectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keqwest_redirects_total",
			Help: "Redirect hops followed.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.DialsTotal,
		m.PoolReuseTotal,
		m.RetriesTotal,
		m.RedirectsTotal,
	)

	return m
}

// knownMethods bounds the method label cardinality.
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

func normalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// outcomeLabel returns a bounded label for the outcome of a request.
func outcomeLabel(err error) string {
	switch kind := KindOf(err); {
	case err == nil:
		return "ok"
	case kind == nil:
		return "other"
	case errors.Is(kind, ErrResolution):
		return "resolution"
	case errors.Is(kind, ErrConnection):
		return "connection"
	case errors.Is(kind, ErrTimeout):
		return "timeout"
	case errors.Is(kind, ErrRedirect):
		return "redirect"
	case errors.Is(kind, ErrMarshaling):
		return "marshaling"
	case errors.Is(kind, ErrCancelled):
		return "cancelled"
	case errors.Is(kind, ErrEngineClosed):
		return "closed"
	default:
		return "other"
	}
}

func (m *Metrics) observeRequest(method string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	method = normalizeMethod(method)
	m.RequestsTotal.WithLabelValues(method, outcomeLabel(err)).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) addInFlight(delta float64) {
	if m == nil {
		return
	}
	m.RequestsInFlight.Add(delta)
}

func (m *Metrics) observeDial(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.DialsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) incPoolReuse() {
	if m != nil {
		m.PoolReuseTotal.Inc()
	}
}

func (m *Metrics) incRetries() {
	if m != nil {
		m.RetriesTotal.Inc()
	}
}

func (m *Metrics) incRedirects() {
	if m != nil {
		m.RedirectsTotal.Inc()
	}
}
