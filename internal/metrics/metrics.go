// Package metrics holds the Prometheus collectors of the booking engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels shared by the availability and booking counters.
const (
	OutcomeOK         = "ok"
	OutcomeEmpty      = "empty"
	OutcomeConflict   = "conflict"
	OutcomeInvalid    = "invalid"
	OutcomeNotFound   = "not_found"
	OutcomeError      = "error"
	OutcomeCacheHit   = "cache_hit"
	OutcomeReplayed   = "replayed"
	OutcomeSyncFailed = "failed"
)

// Metrics is registered on its own registry so tests can build as many as
// they like.
type Metrics struct {
	registry *prometheus.Registry

	availabilityRequests *prometheus.CounterVec
	availabilityDuration prometheus.Histogram
	bookingAttempts      *prometheus.CounterVec
	calendarSyncs        *prometheus.CounterVec
	httpRequests         *prometheus.CounterVec
	httpDuration         *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		availabilityRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "physia_availability_requests_total",
				Help: "Availability lookups by outcome",
			},
			[]string{"outcome"},
		),
		availabilityDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "physia_availability_duration_seconds",
				Help:    "Time to compute available slots",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
			},
		),
		bookingAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "physia_booking_attempts_total",
				Help: "Booking commits by outcome",
			},
			[]string{"outcome"},
		),
		calendarSyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "physia_calendar_syncs_total",
				Help: "External calendar writes by operation and result",
			},
			[]string{"op", "result"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "physia_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "physia_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.availabilityRequests,
		m.availabilityDuration,
		m.bookingAttempts,
		m.calendarSyncs,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveAvailability(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.availabilityRequests.WithLabelValues(outcome).Inc()
	m.availabilityDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCalendarSync(op, result string) {
	if m == nil {
		return
	}
	m.calendarSyncs.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
