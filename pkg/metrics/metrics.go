// Package metrics exposes the Prometheus registry of the episode browser.
// Most metrics are defined in their own packages (client, cache, ratelimit,
// pagination, guard) to keep those packages self-contained; the HTTP server
// metrics live here because several handlers share them.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is what Handler exposes.
var Gatherer = prometheus.DefaultGatherer

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "episodes_http_requests_total",
		Help: "HTTP requests served by route pattern, method and status",
	}, []string{"route", "method", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "episodes_http_request_duration_seconds",
		Help:    "HTTP request duration by route pattern",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// ActiveSessions tracks browser sessions held in memory.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "episodes_active_sessions",
		Help: "Browser sessions currently held in memory",
	})

	// SessionEvictions counts sessions dropped because the store was full.
	SessionEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "episodes_session_evictions_total",
		Help: "Sessions evicted to keep the session store under its limit",
	})
)

// ObserveRequest records one served HTTP request.
func ObserveRequest(route, method string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return HandlerFor(Gatherer)
}

// HandlerFor serves g in the Prometheus text format.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Throttle Metrics (pkg/ratelimit):
//   - episodes_upstream_ratelimit_remaining (Gauge): Upstream quota remaining as last reported
//   - episodes_ratelimit_blocks_total (Counter): Requests blocked by throttle state
//   - episodes_ratelimit_throttles_total (Counter): Requests delayed in the warning state
//
// Cache Metrics (pkg/cache):
//   - episodes_cache_hits_total{layer="redis"} (Counter): Cache hits by layer
//   - episodes_cache_misses_total (Counter): Cache misses
//   - episodes_cache_size_bytes{layer="redis"} (Gauge): Size of the last stored entry
//   - episodes_cache_errors_total{operation} (Counter): Cache operation errors
//
// Request Metrics (pkg/client):
//   - episodes_api_requests_total{operation, status} (Counter): GraphQL requests by outcome
//   - episodes_api_request_duration_seconds{operation} (Histogram): Request duration
//   - episodes_api_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, query)
//
// Retry Metrics (pkg/client):
//   - episodes_api_retries_total{error_class} (Counter): Retry attempts by error class
//   - episodes_api_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - episodes_api_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Pagination Metrics (pkg/pagination):
//   - pagination_fetches_total{status} (Counter): Resolved page fetches (loaded, failed, reconciled)
//   - pagination_stale_responses_total (Counter): Responses discarded because the page changed
//
// Render Guard Metrics (pkg/guard):
//   - render_errors_caught_total{boundary} (Counter): Render failures caught by a boundary
//   - render_boundary_resets_total{boundary} (Counter): User-triggered resets
//   - render_reports_failed_total{reporter} (Counter): Error reports that could not be delivered
//
// HTTP Metrics (pkg/metrics):
//   - episodes_http_requests_total{route, method, status} (Counter)
//   - episodes_http_request_duration_seconds{route} (Histogram)
//   - episodes_active_sessions (Gauge)
//   - episodes_session_evictions_total (Counter)
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(episodes_cache_hits_total[5m])) /
//   (sum(rate(episodes_cache_hits_total[5m])) + sum(rate(episodes_cache_misses_total[5m])))
//
//   # Stale responses per page change
//   rate(pagination_stale_responses_total[5m])
//
//   # Boundaries catching errors
//   sum by (boundary) (rate(render_errors_caught_total[5m]))
//
//   # P95 upstream latency
//   histogram_quantile(0.95, rate(episodes_api_request_duration_seconds_bucket[5m]))
