// Package metrics exports Prometheus counters for authentication outcomes
// and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	LoginsTotal        *prometheus.CounterVec
	LockoutsTotal      prometheus.Counter
	TokensIssuedTotal  *prometheus.CounterVec
	RevocationsTotal   *prometheus.CounterVec
	EphemeralTotal     *prometheus.CounterVec
	OAuthResolvedTotal *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry, so several instances
// can coexist in one process (tests).
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		LoginsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "logins_total",
				Help:      "Login attempts by outcome",
			},
			[]string{"method", "outcome"},
		),
		LockoutsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lockouts_total",
				Help:      "Accounts locked after repeated failures",
			},
		),
		TokensIssuedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_pairs_issued_total",
				Help:      "Access/refresh pairs issued by flow",
			},
			[]string{"flow"},
		),
		RevocationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "epoch_bumps_total",
				Help:      "Token epoch increments by reason",
			},
			[]string{"reason"},
		),
		EphemeralTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ephemeral_tokens_total",
				Help:      "Single-use token issue and consume events",
			},
			[]string{"kind", "event"},
		),
		OAuthResolvedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oauth_resolutions_total",
				Help:      "OAuth identity resolutions by provider and path",
			},
			[]string{"provider", "path"},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"method", "route"},
		),
	}
}

func (m *Metrics) LoginAttempt(method, outcome string) {
	m.LoginsTotal.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) AccountLocked() { m.LockoutsTotal.Inc() }

func (m *Metrics) TokensIssued(flow string) {
	m.TokensIssuedTotal.WithLabelValues(flow).Inc()
}

func (m *Metrics) EpochBumped(reason string) {
	m.RevocationsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) Ephemeral(kind, event string) {
	m.EphemeralTotal.WithLabelValues(kind, event).Inc()
}

func (m *Metrics) OAuthResolved(provider, path string) {
	m.OAuthResolvedTotal.WithLabelValues(provider, path).Inc()
}

// ObserveHTTP records one finished request. route is the pattern, not the
// raw path, to keep cardinality bounded.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
