// Package metrics exposes the Prometheus metrics of ghscrape over HTTP.
// All metrics are defined in their respective packages (client, cache,
// ratelimit, pagination, checkpoint, store, enrich, scrape) to keep them
// next to the code that updates them and to avoid circular dependencies.
//
// This package serves them and documents what is available.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every ghscrape metric is registered with.
// All metrics are automatically registered via promauto in their packages.
var Registry = prometheus.DefaultRegisterer

// Paths served by Handler.
const (
	PathMetrics = "/metrics"
	PathHealth  = "/health"
)

// Handler serves the metrics on PathMetrics and a liveness probe on
// PathHealth.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(PathMetrics, promhttp.Handler())
	mux.HandleFunc(PathHealth, healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// Metrics Documentation
//
// Credential Metrics (pkg/ratelimit):
//   - ghscrape_credential_remaining{credential} (Gauge): Calls left in the current window
//   - ghscrape_credential_circuit_open{credential} (Gauge): 1 while the breaker is open
//   - ghscrape_circuit_transitions_total{credential, state} (Counter): Breaker openings and closings
//   - ghscrape_credential_revocations_total (Counter): Tokens disabled after a 401
//
// Cache Metrics (pkg/cache):
//   - ghscrape_cache_hits_total{layer} (Counter): Cache hits by layer (memory, redis)
//   - ghscrape_cache_misses_total (Counter): Cache misses
//   - ghscrape_cache_size_bytes{layer} (Gauge): Bytes written to the cache
//   - ghscrape_304_responses_total (Counter): 304 Not Modified responses served from cache
//   - ghscrape_conditional_requests_total (Counter): Requests sent with If-None-Match
//   - ghscrape_cache_errors_total{operation} (Counter): Cache operation errors
//
// Request Metrics (pkg/client):
//   - ghscrape_requests_total{endpoint, status} (Counter): Requests by endpoint template and status
//   - ghscrape_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - ghscrape_errors_total{class} (Counter): Errors by class (network, rate_limit, unauthorized, server, ...)
//
// Retry Metrics (pkg/client):
//   - ghscrape_retries_total{error_class} (Counter): Retry attempts by error class
//   - ghscrape_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - ghscrape_retry_exhausted_total{error_class} (Counter): Requests that used up their retries
//   - ghscrape_rate_limit_wait_seconds (Histogram): Time slept waiting for a quota reset
//
// Pagination Metrics (pkg/pagination):
//   - ghscrape_pages_fetched_total (Counter): Pages fetched
//   - ghscrape_items_yielded_total (Counter): Items handed to the consumer
//   - ghscrape_items_skipped_total (Counter): Items skipped as already collected
//   - ghscrape_streams_stopped_total{reason} (Counter): Finished streams by stop reason
//
// Output Metrics (pkg/checkpoint, pkg/store):
//   - ghscrape_records_written_total (Counter): New records appended to the output
//   - ghscrape_duplicates_skipped_total (Counter): Records dropped as duplicates
//   - ghscrape_checkpoint_saves_total{kind, result} (Counter): Interval, final and emergency saves
//   - ghscrape_mirror_writes_total{backend, result} (Counter): SQLite and MongoDB mirror writes
//
// Run Metrics (internal/scrape, pkg/enrich):
//   - ghscrape_runs_total{stop_reason} (Counter): Finished scrape runs
//   - ghscrape_run_duration_seconds (Histogram): Scrape run duration
//   - ghscrape_enriched_total{outcome} (Counter): Enriched repositories by outcome
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(ghscrape_cache_hits_total[5m])) /
//   (sum(rate(ghscrape_cache_hits_total[5m])) + sum(rate(ghscrape_cache_misses_total[5m])))
//
//   # Tokens close to exhaustion
//   ghscrape_credential_remaining < 100
//
//   # Request Error Rate
//   rate(ghscrape_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(ghscrape_request_duration_seconds_bucket[5m]))
//
//   # Scrape throughput
//   rate(ghscrape_records_written_total[5m])
