package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ngv",
		Subsystem: "ws",
		Name:      "frames_sent_total",
		Help:      "Frames written to the websocket by command",
	}, []string{"cmd"})

	framesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ngv",
		Subsystem: "ws",
		Name:      "frames_received_total",
		Help:      "Frames read from the websocket",
	})

	framesQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ngv",
		Subsystem: "ws",
		Name:      "frames_queued_total",
		Help:      "Frames queued because the socket was not open",
	})

	framesMalformedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ngv",
		Subsystem: "ws",
		Name:      "frames_malformed_total",
		Help:      "Inbound frames that could not be decoded or validated",
	})

	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ngv",
		Subsystem: "ws",
		Name:      "reconnects_total",
		Help:      "Reconnect attempts after a socket closed or failed to open",
	})

	pendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ngv",
		Subsystem: "ws",
		Name:      "pending_requests",
		Help:      "Requests waiting for their response",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ngv",
		Subsystem: "ws",
		Name:      "request_duration_seconds",
		Help:      "Time from request to response by command and outcome",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"cmd", "outcome"})
)
