// Package metrics defines the Prometheus collectors for authentication and
// request handling.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trafi"

// Metrics holds all Prometheus metrics for trafi. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	AuthAttempts        *prometheus.CounterVec
	AuthRejections      *prometheus.CounterVec
	AuthzDenials        *prometheus.CounterVec
	APIKeyTouchDrops    prometheus.Counter
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates and registers all metrics with reg. When reg is also a
// prometheus.Gatherer, Handler serves it.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuthAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Authentication attempts by channel and result",
			},
			[]string{"channel", "result"}, // channel=bearer/api_key/login/refresh, result=ok/rejected
		),
		AuthRejections: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_rejections_total",
				Help:      "Rejected authentication attempts by channel and reason",
			},
			[]string{"channel", "reason"},
		),
		AuthzDenials: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "authz_denials_total",
				Help:      "Requests denied by a route requirement",
			},
			[]string{"kind"}, // kind=permission/role/csrf
		),
		APIKeyTouchDrops: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_key_touch_dropped_total",
				Help:      "API key last-used updates dropped because the queue was full",
			},
		),
		HTTPRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method and status code",
			},
			[]string{"method", "status"},
		),
		HTTPRequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// AuthAttempt records an authentication outcome. An empty reason means the
// attempt succeeded.
func (m *Metrics) AuthAttempt(channel, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		m.AuthAttempts.WithLabelValues(channel, "ok").Inc()
		return
	}
	m.AuthAttempts.WithLabelValues(channel, "rejected").Inc()
	m.AuthRejections.WithLabelValues(channel, reason).Inc()
}

// AuthzDenied records a 403 decision.
func (m *Metrics) AuthzDenied(kind string) {
	if m == nil {
		return
	}
	m.AuthzDenials.WithLabelValues(kind).Inc()
}

// TouchDropped records a discarded API key last-used update.
func (m *Metrics) TouchDropped() {
	if m == nil {
		return
	}
	m.APIKeyTouchDrops.Inc()
}

// ObserveRequest records a completed HTTP request.
func (m *Metrics) ObserveRequest(method string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method).Observe(seconds)
}

// Handler serves the registered metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
