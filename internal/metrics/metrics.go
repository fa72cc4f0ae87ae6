// Package metrics provides Prometheus instrumentation for flagstaff.
//
// All collectors live in a custom [prometheus.Registry] so only flagstaff
// metrics appear on /metrics.
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
)

// Metrics holds all Prometheus collectors used by the server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal             *prometheus.CounterVec
	HTTPRequestDuration           *prometheus.HistogramVec
	GRPCRequestsTotal             *prometheus.CounterVec
	GRPCRequestDuration           *prometheus.HistogramVec
	MutationsTotal                *prometheus.CounterVec
	EventsEmittedTotal            *prometheus.CounterVec
	EventEmitFailuresTotal        *prometheus.CounterVec
	EnvironmentCacheInvalidations prometheus.Counter
	AuthFailuresTotal             prometheus.Counter
	ActiveStreams                 *prometheus.GaugeVec
}

// New creates and registers all metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagstaff_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagstaff_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagstaff_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagstaff_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		MutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagstaff_mutations_total",
			Help: "Total number of feature lifecycle mutations by outcome.",
		}, []string{"operation", "result"}),

		EventsEmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagstaff_events_emitted_total",
			Help: "Total number of events persisted to the event log.",
		}, []string{"type"}),

		EventEmitFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagstaff_event_emit_failures_total",
			Help: "Total number of events that could not be persisted.",
		}, []string{"type"}),

		EnvironmentCacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagstaff_environment_cache_invalidations_total",
			Help: "Total number of event-triggered environment cache invalidations.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagstaff_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flagstaff_active_streams",
			Help: "Number of active event stream connections.",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.MutationsTotal,
		m.EventsEmittedTotal,
		m.EventEmitFailuresTotal,
		m.EnvironmentCacheInvalidations,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordMutation counts one service mutation and its outcome.
func (m *Metrics) RecordMutation(operation, result string) {
	m.MutationsTotal.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) EventEmitted(eventType string) {
	m.EventsEmittedTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventEmitFailed(eventType string) {
	m.EventEmitFailuresTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncEnvironmentCacheInvalidations() {
	m.EnvironmentCacheInvalidations.Inc()
}

// StreamOpened bumps the active stream gauge and returns the matching
// decrement.
func (m *Metrics) StreamOpened(transport string) (closed func()) {
	g := m.ActiveStreams.WithLabelValues(transport)
	g.Inc()
	return g.Dec
}

type routeKey struct{}

type matchedRoute struct {
	pattern string
}

// HTTPMiddleware records request count and latency. The route label is the
// ServeMux pattern that matched, or "unmatched". Muxes behind middleware that
// copies the request must be wrapped with Routed to be seen here.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		matched := &matchedRoute{}
		r = r.WithContext(context.WithValue(r.Context(), routeKey{}, matched))
		next.ServeHTTP(rec, r)

		route := matched.pattern
		if route == "" {
			route = r.Pattern
		}
		if route == "" {
			route = "unmatched"
		}
		code := strconv.Itoa(rec.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
	})
}

// Routed reports the pattern mux matched to an enclosing HTTPMiddleware. With
// nested muxes the innermost match wins.
func Routed(mux http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r)
		if matched, ok := r.Context().Value(routeKey{}).(*matchedRoute); ok && matched.pattern == "" {
			matched.pattern = r.Pattern
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// UnaryServerInterceptor records gRPC request count and latency per method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.observeGRPC(info.FullMethod, err, start)
		return resp, err
	}
}

// StreamServerInterceptor is the streaming counterpart of
// UnaryServerInterceptor. Open streams are tracked under transport "grpc".
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		defer m.StreamOpened("grpc")()
		start := time.Now()
		err := handler(srv, ss)
		m.observeGRPC(info.FullMethod, err, start)
		return err
	}
}

func (m *Metrics) observeGRPC(fullMethod string, err error, start time.Time) {
	method := path.Base(fullMethod)
	st, _ := status.FromError(err)
	code := st.Code().String()
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
}
