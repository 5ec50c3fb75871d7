// Package metrics provides Prometheus instrumentation for the cartfee server.
//
// All collectors live in a custom [prometheus.Registry] so only cartfee
// metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/cartfee/internal/core"
)

const namespace = "cartfee"

// Metrics holds the collectors used by the cartfee server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	GRPCRequestsTotal     *prometheus.CounterVec
	GRPCRequestDuration   *prometheus.HistogramVec
	CacheSize             prometheus.Gauge
	CacheLoadsTotal       prometheus.Counter
	CacheInvalidations    prometheus.Counter
	RuleDecisionsTotal    *prometheus.CounterVec
	FeesAppliedAmount     *prometheus.CounterVec
	UndecodableRulesTotal prometheus.Counter
	AuthFailuresTotal     *prometheus.CounterVec
}

// New creates and registers all cartfee metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_duration_seconds",
			Help:      "gRPC request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),

		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rule_cache_size",
			Help:      "Number of fee rules in the in-memory cache.",
		}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_cache_loads_total",
			Help:      "Total number of full rule cache reloads from the store.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_cache_invalidations_total",
			Help:      "Total number of NOTIFY-triggered rule cache invalidations.",
		}),

		RuleDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_decisions_total",
			Help:      "Fee rule decisions made while calculating carts.",
		}, []string{"applied", "reason"}),

		FeesAppliedAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_applied_amount_total",
			Help:      "Sum of fee amounts added to carts.",
		}, []string{"taxable"}),

		UndecodableRulesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "undecodable_rules_total",
			Help:      "Stored fee rules skipped because their meta could not be decoded.",
		}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of failed authentication attempts.",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.CacheSize,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
		m.RuleDecisionsTotal,
		m.FeesAppliedAmount,
		m.UndecodableRulesTotal,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// HTTPMiddleware records request count and latency. It must wrap the
// [http.ServeMux] directly so the matched route pattern is visible.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		code := strconv.Itoa(sw.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
	})
}

// UnaryServerInterceptor records request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		code := status.Code(err).String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// RecordDecision counts a rule decision and, when applied, its fee amount.
func (m *Metrics) RecordDecision(d core.Decision) {
	reason := string(d.Reason)
	if reason == "" {
		reason = "matched"
	}
	m.RuleDecisionsTotal.WithLabelValues(strconv.FormatBool(d.Applied), reason).Inc()
	if d.Applied {
		m.FeesAppliedAmount.WithLabelValues(strconv.FormatBool(d.Taxable)).Add(d.Amount.Abs().InexactFloat64())
	}
}

// SetCacheSize updates the rule cache gauge.
func (m *Metrics) SetCacheSize(size int) {
	m.CacheSize.Set(float64(size))
}

// IncCacheLoads increments the cache load counter.
func (m *Metrics) IncCacheLoads() {
	m.CacheLoadsTotal.Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}

// IncUndecodableRules increments the undecodable rule counter.
func (m *Metrics) IncUndecodableRules() {
	m.UndecodableRulesTotal.Inc()
}

// AuthFailureCounter returns a callback that counts auth failures for transport.
func (m *Metrics) AuthFailureCounter(transport string) func() {
	c := m.AuthFailuresTotal.WithLabelValues(transport)
	return c.Inc
}
