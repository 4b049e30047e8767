package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// dispatchAttempts counts delivery attempts by mutation kind and outcome class.
	dispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_dispatch_attempts_total",
		Help: "Mutation delivery attempts by kind and outcome",
	}, []string{"kind", "outcome"})

	dispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldsync_dispatch_duration_seconds",
		Help:    "Time spent delivering one mutation, including attachment uploads",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	})

	queuePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_queue_pending",
		Help: "Mutations waiting for delivery",
	})

	queueDeadLetters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_queue_dead_letters",
		Help: "Mutations that exhausted their retries",
	})
)
