package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Host metrics
	hostRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "host_requests_total",
			Help: "Total number of requests sent to clinical record hosts",
		},
		[]string{"host", "operation", "status"},
	)

	hostRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "host_request_duration_seconds",
			Help:    "Clinical record host request duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"host", "operation"},
	)

	hostSessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "host_sessions_started_total",
			Help: "Total number of host sessions started",
		},
		[]string{"host"},
	)

	hostSessionsTerminated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "host_sessions_terminated_total",
			Help: "Total number of expired host sessions terminated",
		},
		[]string{"host", "status"},
	)

	// Cache metrics
	headingCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heading_cache_lookups_total",
			Help: "Heading fetches answered from cache (hit) or hosts (miss)",
		},
		[]string{"heading", "result"},
	)

	headingCachePurges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heading_cache_purges_total",
			Help: "Total number of patient heading subtrees purged",
		},
		[]string{"heading"},
	)

	headingWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heading_writes_total",
			Help: "Total number of heading writes",
		},
		[]string{"heading", "action", "status"},
	)

	// Discovery metrics
	discoveryMergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discovery_merges_total",
			Help: "Discovery items processed by outcome (merged, skipped, failed)",
		},
		[]string{"heading", "outcome"},
	)

	discoveryRevertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discovery_reverts_total",
			Help: "Total number of discovery mappings reverted",
		},
		[]string{"status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := routePattern(r)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routePattern uses the chi route template so patient ids do not become label values
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if len(r.URL.Path) > 100 {
		return "/api/..."
	}
	return r.URL.Path
}

// --- Domain metric helpers ---

// RecordHostRequest records one call to a clinical record host
func RecordHostRequest(host, operation string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	hostRequestsTotal.WithLabelValues(host, operation, status).Inc()
	hostRequestDuration.WithLabelValues(host, operation).Observe(duration.Seconds())
}

// RecordSessionStarted records a new host session
func RecordSessionStarted(host string) {
	hostSessionsStarted.WithLabelValues(host).Inc()
}

// RecordSessionTerminated records the termination of an expired host session
func RecordSessionTerminated(host string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	hostSessionsTerminated.WithLabelValues(host, status).Inc()
}

// RecordCacheLookup records whether a heading fetch was answered from cache
func RecordCacheLookup(heading string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	headingCacheLookups.WithLabelValues(heading, result).Inc()
}

// RecordCachePurge records a purge of a patient heading subtree
func RecordCachePurge(heading string) {
	headingCachePurges.WithLabelValues(heading).Inc()
}

// RecordHeadingWrite records a create, update or delete of a heading record
func RecordHeadingWrite(heading, action string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	headingWritesTotal.WithLabelValues(heading, action, status).Inc()
}

// RecordDiscoveryMerge records the outcome of one discovery item
func RecordDiscoveryMerge(heading, outcome string) {
	discoveryMergesTotal.WithLabelValues(heading, outcome).Inc()
}

// RecordDiscoveryRevert records a reverted discovery mapping
func RecordDiscoveryRevert(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	discoveryRevertsTotal.WithLabelValues(status).Inc()
}
