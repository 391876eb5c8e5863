// Package metrics exposes Prometheus counters for token activity on a
// dedicated registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tokengate"

// Refresh outcomes recorded by RefreshResult.
const (
	RefreshOK       = "ok"
	RefreshRejected = "rejected"
	RefreshError    = "error"
)

// Metrics holds the service counters.
type Metrics struct {
	registry    *prometheus.Registry
	issued      prometheus.Counter
	refresh     *prometheus.CounterVec
	denied      *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	purged      prometheus.Counter
}

// New creates the counters and registers them, along with Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Token pairs issued through the client credentials grant.",
		}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Refresh token redemptions by result.",
		}, []string{"result"}),
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_denied_total",
			Help:      "Requests denied by error code.",
		}, []string{"code"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter by endpoint.",
		}, []string{"endpoint"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_purged_total",
			Help:      "Token records removed by the expiry sweeper.",
		}),
	}

	m.registry.MustRegister(
		m.issued, m.refresh, m.denied, m.rateLimited, m.purged,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TokenIssued() {
	if m == nil {
		return
	}
	m.issued.Inc()
}

func (m *Metrics) RefreshResult(result string) {
	if m == nil {
		return
	}
	m.refresh.WithLabelValues(result).Inc()
}

func (m *Metrics) AuthDenied(code string) {
	if m == nil {
		return
	}
	m.denied.WithLabelValues(code).Inc()
}

func (m *Metrics) RateLimited(endpoint string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) SweepPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}
