package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
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
)

// Governance engine metrics.
var (
	sweeperTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "governance_sweeper_ticks_total",
		Help: "Completed expiry sweeper passes.",
	})

	grantsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "governance_grants_expired_total",
		Help: "Limited access grants expired by the sweeper.",
	})

	sweeperFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "governance_sweeper_failures_total",
		Help: "Per-grant expiry failures (retried on the next tick).",
	})

	auditEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_audit_entries_total",
			Help: "Audit entries appended, by module.",
		},
		[]string{"module"},
	)

	notifyFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "governance_notify_failures_total",
		Help: "Notification deliveries that returned an error.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		sweeperTicks, grantsExpired, sweeperFailures,
		auditEntries, notifyFailures,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SweeperTick records one completed sweeper pass.
func SweeperTick() { sweeperTicks.Inc() }

// GrantsExpired records n grants expired in a pass.
func GrantsExpired(n int) { grantsExpired.Add(float64(n)) }

// SweeperFailure records one failed expiry attempt.
func SweeperFailure() { sweeperFailures.Inc() }

// AuditAppended records one appended audit entry.
func AuditAppended(module string) { auditEntries.WithLabelValues(module).Inc() }

// NotifyFailure records one failed notification delivery.
func NotifyFailure() { notifyFailures.Inc() }

// CanonicalPath collapses resource identifiers so metric labels stay
// bounded. Unrecognised shapes pass through unchanged.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(path, "/")
	// /v1/access-requests/{id} and /v1/access-requests/{id}/decide
	if len(parts) >= 4 && parts[1] == "v1" && parts[2] == "access-requests" && parts[3] != "" {
		if len(parts) == 4 {
			return "/v1/access-requests/:id"
		}
		if len(parts) == 5 && parts[4] == "decide" {
			return "/v1/access-requests/:id/decide"
		}
	}
	// /v1/assignments/{itemId} and /v1/assignments/{itemId}/<verb>
	if len(parts) >= 4 && parts[1] == "v1" && parts[2] == "assignments" && parts[3] != "" {
		if len(parts) == 4 {
			return "/v1/assignments/:id"
		}
		if len(parts) == 5 {
			switch parts[4] {
			case "claim", "transfer", "unassign":
				return "/v1/assignments/:id/" + parts[4]
			}
		}
	}
	return path
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
