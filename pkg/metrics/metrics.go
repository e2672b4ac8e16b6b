// Package metrics provides the Prometheus registry reference and an optional
// scrape endpoint for long-running sync commands.
// All metrics are defined in their respective packages (client, batch, archive,
// dedup, ...) to keep the packages independent.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry used by the sync packages.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Serve exposes /metrics on addr until ctx is cancelled.
// An empty addr disables the endpoint and returns immediately.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - mc_requests_total{endpoint, status} (Counter): requests by endpoint and HTTP status
//   - mc_request_duration_seconds{endpoint} (Histogram): request duration
//   - mc_errors_total{class} (Counter): errors by class (client, server, rate_limit, network)
//   - mc_retries_total{error_class} (Counter): retry attempts
//   - mc_retry_exhausted_total{error_class} (Counter): requests that exhausted retries
//
// Throttle Metrics (pkg/ratelimit):
//   - mc_throttle_waits_total (Counter): requests delayed by a stored throttle window
//   - mc_throttle_updates_total (Counter): throttle windows recorded from 429 responses
//   - mc_pacer_wait_seconds{pacer} (Histogram): time spent waiting on a pacer
//
// Cache Metrics (pkg/cache):
//   - mc_cache_hits_total, mc_cache_misses_total, mc_cache_errors_total{operation}
//
// Batch Metrics (pkg/batch):
//   - mc_batches_submitted_total (Counter)
//   - mc_batch_polls_total{status} (Counter)
//   - mc_batch_operations_errored_total (Counter)
//
// Archive / Materializer / Dedup:
//   - mc_archive_bytes_total (Counter): bytes downloaded from result locations
//   - mc_payload_heuristic_fallbacks_total (Counter): payload chosen by file size
//   - mc_dedup_rows_removed_total (Counter): rows removed from lower-priority datasets
//
// Example Prometheus Queries:
//
//	# Poll rate by status
//	sum by (status) (rate(mc_batch_polls_total[5m]))
//
//	# Heuristic fallbacks during a run
//	increase(mc_payload_heuristic_fallbacks_total[1h])
