// Package metrics exposes Prometheus instrumentation for the gas bank.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gasbank"

// Metrics bundles all collectors behind a private registry so tests can
// create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	deposits           prometheus.Counter
	withdrawals        *prometheus.CounterVec
	settlements        *prometheus.CounterVec
	settlementDuration prometheus.Histogram
	deadLetters        prometheus.Counter
}

// New builds a Metrics instance with its own registry, including the
// standard process and Go runtime collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, path and status code.",
		}, []string{"method", "path", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		deposits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_total",
			Help:      "Deposits credited.",
		}),
		withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_total",
			Help:      "Withdrawals created by initial status.",
		}, []string{"status"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement outcomes.",
		}, []string{"outcome"}),
		settlementDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Resolver latency per settlement attempt.",
			Buckets:   prometheus.DefBuckets,
		}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Withdrawals parked on the dead-letter queue.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpInFlight, m.httpRequests, m.httpDuration,
		m.deposits, m.withdrawals, m.settlements, m.settlementDuration, m.deadLetters,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordDeposit counts one credited deposit.
func (m *Metrics) RecordDeposit() {
	m.deposits.Inc()
}

// RecordWithdrawal counts one created withdrawal by its initial status.
func (m *Metrics) RecordWithdrawal(status string) {
	m.withdrawals.WithLabelValues(status).Inc()
}

// RecordSettlement counts a settlement attempt outcome and its latency.
func (m *Metrics) RecordSettlement(outcome string, latency time.Duration) {
	m.settlements.WithLabelValues(outcome).Inc()
	m.settlementDuration.Observe(latency.Seconds())
}

// RecordDeadLetter counts one dead-lettered withdrawal.
func (m *Metrics) RecordDeadLetter() {
	m.deadLetters.Inc()
}

// InstrumentHandler wraps an HTTP handler with in-flight, count and
// duration collection.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		m.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// staticSegments are route words that are not identifiers.
var staticSegments = map[string]bool{
	"accounts": true, "gasbank": true, "summary": true, "deposit": true,
	"withdraw": true, "transactions": true, "withdrawals": true,
	"approvals": true, "deadletters": true, "settlements": true,
	"attempts": true, "retry": true, "complete": true, "healthz": true,
	"metrics": true,
}

// canonicalPath collapses identifiers so metric cardinality stays bounded:
// /gasbank/withdrawals/tx-123 becomes /gasbank/withdrawals/{id}.
func canonicalPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return "/"
	}
	for i, part := range parts {
		if !staticSegments[part] {
			parts[i] = "{id}"
		}
	}
	return "/" + strings.Join(parts, "/")
}
