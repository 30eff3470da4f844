// Package metrics exposes the Prometheus registry shared by the harvester.
// Metrics are defined in their own packages (fetcher, ratelimit, harvest,
// storage, runlock) and registered via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the harvester.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects the metrics served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the HTTP handler for the /metrics endpoint. Scrapes are
// counted in promhttp_metric_handler_requests_total on Registry.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
}

// Metrics Documentation
//
// Fetch Metrics (pkg/fetcher):
//   - harvest_requests_total{endpoint, status} (Counter): Outbound requests by endpoint and HTTP status
//   - harvest_fetch_duration_seconds{endpoint} (Histogram): Duration of a logical fetch including retries and think-time
//   - harvest_errors_total{class} (Counter): Failed attempts by error class
//   - harvest_fetch_outcomes_total{endpoint, outcome} (Counter): Fetch outcomes (success, empty, fatal)
//   - harvest_retries_total{error_class} (Counter): Retry attempts by error class
//   - harvest_retry_backoff_seconds{error_class} (Histogram): Pause before a retry
//   - harvest_retry_exhausted_total{error_class} (Counter): Fetches that used every attempt
//
// Limiter Metrics (pkg/ratelimit):
//   - harvest_throttle_events_total (Counter): Throttle responses that started a cooldown
//   - harvest_cooldown_waits_total (Counter): Requests that waited for a cooldown
//   - harvest_limiter_wait_seconds (Histogram): Time spent in the limiter
//   - harvest_limiter_in_flight (Gauge): Requests holding an in-flight slot
//
// Run Metrics (pkg/harvest):
//   - harvest_runs_total{result} (Counter): Finished runs by result
//   - harvest_run_duration_seconds (Histogram): Run duration
//   - harvest_batch_identifiers{tier} (Gauge): Identifiers in the last batch per tier
//   - harvest_identifiers_processed_total (Counter): Identifiers processed
//   - harvest_aspect_results_total{aspect, status} (Counter): Aspect results (stored, unchanged, empty, failed)
//   - harvest_catalog_identifiers_inserted_total (Counter): New identifiers from catalog refreshes
//
// Storage Metrics (pkg/storage/mongostore):
//   - harvest_store_operation_duration_seconds{operation} (Histogram): Store call duration
//   - harvest_store_errors_total{operation} (Counter): Failed store calls
//
// Run Lock Metrics (pkg/runlock):
//   - harvest_run_lock_acquire_total{result} (Counter): Lock acquisitions by result
//   - harvest_run_lock_held (Gauge): 1 while this process holds the run lock
//
// Example Prometheus Queries:
//
//   # Share of aspects stored per run
//   sum(rate(harvest_aspect_results_total{status="stored"}[1h])) /
//   sum(rate(harvest_aspect_results_total[1h]))
//
//   # Throttle pressure
//   rate(harvest_throttle_events_total[15m])
//
//   # P95 fetch latency
//   histogram_quantile(0.95, rate(harvest_fetch_duration_seconds_bucket[5m]))
