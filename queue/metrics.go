package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	enqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pullsmith",
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Messages published per queue.",
	}, []string{"queue"})

	processedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pullsmith",
		Subsystem: "queue",
		Name:      "processed_total",
		Help:      "Handler outcomes per queue: ok, retry, exhausted.",
	}, []string{"queue", "outcome"})

	handleSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pullsmith",
		Subsystem: "queue",
		Name:      "handle_seconds",
		Help:      "Handler wall time per queue.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"queue"})
)
