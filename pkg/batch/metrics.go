package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mc_batches_submitted_total",
		Help: "Total number of batch jobs accepted by the platform",
	})

	batchOperationsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mc_batch_operations_submitted_total",
		Help: "Total number of operations across submitted batch jobs",
	})

	batchPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mc_batch_polls_total",
		Help: "Total number of batch status polls by reported status",
	}, []string{"status"})

	batchPollFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mc_batch_poll_failures_total",
		Help: "Total number of status polls that failed with a transient error",
	})

	batchOperationsErrored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mc_batch_operations_errored_total",
		Help: "Total number of errored operations reported by finished batch jobs",
	})

	batchWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mc_batch_wait_seconds",
		Help:    "Time from submission until a batch job reached a terminal state",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})
)
