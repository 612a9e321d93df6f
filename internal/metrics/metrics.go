// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BackfillResolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spots_backfill_resolved_total",
		Help: "Derived field resolutions written to the cache",
	}, []string{"field"})
	BackfillFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spots_backfill_failed_total",
		Help: "Derived field resolutions that failed or timed out",
	}, []string{"field"})
	BackfillPassesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spots_backfill_passes_total",
		Help: "Completed backfill passes",
	})
	GeocoderRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spots_geocoder_requests_total",
		Help: "Reverse geocoder lookups by outcome",
	}, []string{"outcome"})
	GeocoderDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "spots_geocoder_duration_ms",
		Help:    "Reverse geocoder HTTP call duration in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})
	GeocoderCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spots_geocoder_cache_hits_total",
		Help: "Reverse geocoder results served from redis",
	})
	GeocoderCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spots_geocoder_cache_misses_total",
		Help: "Reverse geocoder lookups not found in redis",
	})
	TransactionAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spots_remote_transaction_attempts_total",
		Help: "Remote document transaction attempts by result",
	}, []string{"result"})
	FavoritesRollbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spots_favorites_rollbacks_total",
		Help: "Optimistic favorite toggles reverted after a remote failure",
	})
	ReplicatedDocumentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spots_replicated_documents_total",
		Help: "Remote spot documents applied to the cache by kind",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(BackfillResolvedTotal)
	prometheus.MustRegister(BackfillFailedTotal)
	prometheus.MustRegister(BackfillPassesTotal)
	prometheus.MustRegister(GeocoderRequestsTotal)
	prometheus.MustRegister(GeocoderDurationMs)
	prometheus.MustRegister(GeocoderCacheHitsTotal)
	prometheus.MustRegister(GeocoderCacheMissesTotal)
	prometheus.MustRegister(TransactionAttemptsTotal)
	prometheus.MustRegister(FavoritesRollbacksTotal)
	prometheus.MustRegister(ReplicatedDocumentsTotal)
}

// Handler exposes every registered collector for scraping.
func Handler() http.Handler { return promhttp.Handler() }
