package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pullsmith",
		Subsystem: "pipeline",
		Name:      "jobs_created_total",
		Help:      "Jobs accepted by the producer.",
	})

	stageOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pullsmith",
		Subsystem: "pipeline",
		Name:      "stage_outcomes_total",
		Help:      "Stage results: succeeded, failed, rejected, dropped.",
	}, []string{"stage", "outcome"})

	stageSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pullsmith",
		Subsystem: "pipeline",
		Name:      "stage_seconds",
		Help:      "Stage wall time, agent call included.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 4, 10),
	}, []string{"stage"})
)

// Stage outcome labels.
const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeRejected  = "rejected"
	outcomeDropped   = "dropped"
)
