// Package metrics exposes the Prometheus registry the worker registers into.
// Metrics are declared with promauto next to the code that records them
// (cache, strategy, fetch, worker, precache, client); this package only
// serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every promauto metric in the module uses.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the matching gatherer served on /metrics.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics
//
// Cache (pkg/cache):
//   - vihaar_cache_operations_total{backend, operation, outcome}
//
// Strategies (pkg/strategy):
//   - vihaar_strategy_responses_total{route, source}
//   - vihaar_background_refresh_total{result}
//
// Network (pkg/fetch):
//   - vihaar_fetch_requests_total{status}
//   - vihaar_fetch_duration_seconds
//   - vihaar_fetch_errors_total{class}
//
// Worker (pkg/worker):
//   - vihaar_worker_state{version}
//   - vihaar_control_messages_total{type}
//   - vihaar_janitor_evictions_total{pass}
//
// Precache (pkg/precache):
//   - vihaar_precache_results_total{outcome}
//
// Foreground client (pkg/client):
//   - vihaar_client_retries_total{error_class}
//   - vihaar_client_retry_backoff_seconds{error_class}
//   - vihaar_client_retry_exhausted_total{error_class}
//
// Useful queries:
//
//   # Share of responses served without the network
//   sum(rate(vihaar_strategy_responses_total{source!="network"}[5m]))
//     / sum(rate(vihaar_strategy_responses_total[5m]))
//
//   # Offline fallbacks per route
//   sum by (route) (rate(vihaar_strategy_responses_total{source="fallback"}[5m]))
//
//   # P95 network latency
//   histogram_quantile(0.95, rate(vihaar_fetch_duration_seconds_bucket[5m]))
