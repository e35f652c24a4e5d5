package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Login metrics
	LoginAttemptsTotal    *prometheus.CounterVec
	ReconcileDuration     *prometheus.HistogramVec
	ProvisionedUsersTotal *prometheus.CounterVec

	// Token metrics
	TokenRefreshTotal *prometheus.CounterVec

	// Session metrics
	SessionsEstablishedTotal *prometheus.CounterVec
	SessionsActive           prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatehouse_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		LoginAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_login_attempts_total",
				Help: "Total number of SSO login attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		ReconcileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatehouse_reconcile_duration_seconds",
				Help:    "Identity reconciliation latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		ProvisionedUsersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_provisioned_users_total",
				Help: "Total number of users created by just-in-time provisioning",
			},
			[]string{"mode"},
		),
		TokenRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_token_refresh_total",
				Help: "Total number of refresh-token exchanges by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		SessionsEstablishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_sessions_established_total",
				Help: "Total number of sessions bound after successful reconciliation",
			},
			[]string{"provider"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatehouse_sessions_active",
				Help: "Number of sessions currently held in the session store",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginAttemptsTotal,
		m.ReconcileDuration,
		m.ProvisionedUsersTotal,
		m.TokenRefreshTotal,
		m.SessionsEstablishedTotal,
		m.SessionsActive,
	)

	return m
}

// Handler returns the Prometheus scrape handler for this metrics registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one HTTP request
func (m *Metrics) ObserveRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware instruments an HTTP handler with request metrics
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.ObserveRequest(r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}
