package circuit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ngv",
		Subsystem: "circuit",
		Name:      "load_duration_seconds",
		Help:      "Circuit load time by outcome",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"outcome"})

	entityFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ngv",
		Subsystem: "circuit",
		Name:      "entity_fetches_total",
		Help:      "Entity lookups by kind and source",
	}, []string{"kind", "source"})
)

func observeLoad(outcome string, start time.Time) {
	loadDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

func countEntities(kind, source string, n int) {
	if n > 0 {
		entityFetchesTotal.WithLabelValues(kind, source).Add(float64(n))
	}
}
