package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ready",
		Help: "1 when the service reports ready.",
	})
)

// Access-control and audit metrics.
var (
	accessDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_decisions_total",
			Help: "Access decisions by outcome and reason.",
		},
		[]string{"outcome", "reason"},
	)

	ownershipFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ownership_lookup_failures_total",
			Help: "Ownership lookups that failed and were treated as empty facts.",
		},
		[]string{"resource"},
	)

	auditEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_entries_total",
			Help: "Audit entries by result (queued, written, dropped).",
		},
		[]string{"result"},
	)

	auditFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_flush_total",
			Help: "Audit flush attempts by result.",
		},
		[]string{"result"},
	)

	auditQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audit_queue_depth",
		Help: "Audit entries waiting to be flushed.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			accessDecisions, ownershipFailures, auditEntries, auditFlushes, auditQueueDepth,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the latest readiness probe result.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// ObserveDecision counts one access decision.
func ObserveDecision(allow bool, reason string) {
	outcome := "deny"
	if allow {
		outcome = "allow"
	}
	accessDecisions.WithLabelValues(outcome, reason).Inc()
}

// OwnershipLookupFailed counts a failed ownership lookup for the resource type.
func OwnershipLookupFailed(resource string) {
	ownershipFailures.WithLabelValues(resource).Inc()
}

// AuditEntries adds n to the audit entry counter for result.
func AuditEntries(result string, n int) {
	if n <= 0 {
		return
	}
	auditEntries.WithLabelValues(result).Add(float64(n))
}

// AuditFlush counts a flush attempt.
func AuditFlush(ok bool) {
	if ok {
		auditFlushes.WithLabelValues("ok").Inc()
		return
	}
	auditFlushes.WithLabelValues("error").Inc()
}

// SetAuditQueueDepth reports the pending audit queue length.
func SetAuditQueueDepth(n int) {
	auditQueueDepth.Set(float64(n))
}

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// routeTemplates lists routes carrying identifiers; ":id" matches one segment.
var routeTemplates = [][]string{
	{"v1", "admin", "audit", "users", ":id"},
	{"v1", "admin", "sessions", ":id", "revoke"},
	{"v1", "projects", ":id"},
	{"v1", "squads", ":id"},
	{"v1", "squads", ":id", "instructions"},
	{"v1", "instructions", ":id"},
	{"v1", "instructions", ":id", "cancel"},
}

// CanonicalPath collapses identifiers so metric labels stay bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for _, tmpl := range routeTemplates {
		if matchTemplate(tmpl, segments) {
			return "/" + strings.Join(tmpl, "/")
		}
	}
	return path
}

func matchTemplate(tmpl, segments []string) bool {
	if len(tmpl) != len(segments) {
		return false
	}
	for i, part := range tmpl {
		if part == ":id" {
			if segments[i] == "" {
				return false
			}
			continue
		}
		if part != segments[i] {
			return false
		}
	}
	return true
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
