package queueworker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("graphcoll.queueworker")

var (
	// batchesTotal counts cycles by outcome: processed, empty or failed.
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphcoll_queueworker_batches_total",
		Help: "Worker cycles by outcome",
	}, []string{"worker", "result"})

	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graphcoll_queueworker_batch_duration_seconds",
		Help:    "Duration of batch transactions in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"worker"})

	entriesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphcoll_queueworker_entries_processed_total",
		Help: "Entries the handler accepted",
	}, []string{"worker"})

	attemptFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphcoll_queueworker_attempt_failures_total",
		Help: "Handler attempts that returned an error or panicked",
	}, []string{"worker"})

	entriesExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphcoll_queueworker_entries_exhausted_total",
		Help: "Entries passed to the entry error handler after running out of attempts",
	}, []string{"worker"})

	workerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "graphcoll_queueworker_state",
		Help: "Current worker state (0 running, 1 pause requested, 2 paused, 3 halted)",
	}, []string{"worker"})
)
