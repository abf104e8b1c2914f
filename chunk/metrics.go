package chunk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunkItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ngv",
		Subsystem: "chunk",
		Name:      "items_total",
		Help:      "Items copied out of streamed chunks",
	}, []string{"dimension"})

	chunkTransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ngv",
		Subsystem: "chunk",
		Name:      "transfers_total",
		Help:      "Finished chunked transfers by outcome",
	}, []string{"dimension", "outcome"})
)

func recordItems(dim Dimension, n int) {
	chunkItemsTotal.WithLabelValues(string(dim)).Add(float64(n))
}

func recordTransfer(dim Dimension, ok bool) {
	outcome := "complete"
	if !ok {
		outcome = "failed"
	}
	chunkTransfersTotal.WithLabelValues(string(dim), outcome).Inc()
}
