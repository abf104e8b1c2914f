package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ngv",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Cache reads that found their key",
	})

	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ngv",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Cache reads that found nothing",
	})

	cacheErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ngv",
		Subsystem: "cache",
		Name:      "errors_total",
		Help:      "Cache operations that failed",
	}, []string{"op"})

	cacheWriteBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ngv",
		Subsystem: "cache",
		Name:      "write_bytes_total",
		Help:      "Encoded bytes written to the cache",
	})
)
