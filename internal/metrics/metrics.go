// Package metrics exposes Prometheus counters for the sync pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

var (
	// SyncRuns counts orchestrator runs by provider and terminal state.
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediasync",
		Name:      "sync_runs_total",
		Help:      "Completed account sync runs by provider and terminal state.",
	}, []string{"provider", "state"})

	// StatsWritten counts stat rows flushed to storage.
	StatsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediasync",
		Name:      "stats_written_total",
		Help:      "Stat rows upserted, by provider.",
	}, []string{"provider"})

	// DuplicateConflicts counts duplicate-key conflicts seen by the
	// batch writer.
	DuplicateConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediasync",
		Name:      "stat_duplicate_conflicts_total",
		Help:      "Duplicate stat keys with differing data, by provider.",
	}, []string{"provider"})

	// ProviderErrors counts recoverable provider errors.
	ProviderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediasync",
		Name:      "provider_errors_total",
		Help:      "Recoverable provider errors recorded during pulls.",
	}, []string{"provider"})

	// SpendPulled accumulates spend observed during pulls.
	SpendPulled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediasync",
		Name:      "spend_pulled_total",
		Help:      "Total spend pulled, by provider.",
	}, []string{"provider"})

	// SyncDuration observes end-to-end account sync durations.
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mediasync",
		Name:      "sync_duration_seconds",
		Help:      "Duration of account sync runs.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"provider"})
)
