package metrics

import (
	"net/http"

	"github.com/aman-churiwal/cathedral-tour/internal/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight prometheus.Gauge
	reqTotal *prometheus.CounterVec
	reqDur   *prometheus.HistogramVec

	ratelimitDecisions   *prometheus.CounterVec
	ratelimitStoreErrors prometheus.Counter
	breakerState         *prometheus.GaugeVec

	requestLogsDropped prometheus.Counter
	requestLogsWritten prometheus.Counter
}

// New returns a private registry with the Go and process collectors plus
// the service metrics. Route labels use the matched gin pattern only.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		ratelimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Rate limiter decisions by outcome",
		}, []string{"outcome"}),
		ratelimitStoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_store_errors_total",
			Help: "Rate limit store failures that were allowed through",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"name"}),
		requestLogsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "request_logs_dropped_total",
			Help: "Request log entries dropped because the buffer was full",
		}),
		requestLogsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "request_logs_written_total",
			Help: "Request log entries persisted",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.ratelimitDecisions,
		m.ratelimitStoreErrors,
		m.breakerState,
		m.requestLogsDropped,
		m.requestLogsWritten,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *Metrics) Handler() http.Handler {
	return m.handler
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Decision and StoreError make Metrics a ratelimit.Recorder

func (m *Metrics) Decision(outcome string) {
	m.ratelimitDecisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StoreError() {
	m.ratelimitStoreErrors.Inc()
}

// BreakerStateChanged matches circuitbreaker.Config.OnStateChange
func (m *Metrics) BreakerStateChanged(name string, _, to circuitbreaker.State) {
	m.breakerState.WithLabelValues(name).Set(float64(to))
}

func (m *Metrics) IncRequestLogsDropped() {
	m.requestLogsDropped.Inc()
}

func (m *Metrics) AddRequestLogsWritten(n int) {
	m.requestLogsWritten.Add(float64(n))
}
