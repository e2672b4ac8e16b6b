package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mc_cache_hits_total",
		Help: "Total number of metadata responses served from cache",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mc_cache_misses_total",
		Help: "Total number of metadata lookups not found in cache",
	})

	cacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mc_cache_errors_total",
		Help: "Total number of failed cache operations",
	}, []string{"operation"})

	cacheInvalidated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mc_cache_invalidated_total",
		Help: "Total number of cached responses dropped after a write",
	})
)
