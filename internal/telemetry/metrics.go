package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_jobs_submitted_total", Help: "Jobs accepted by priority"}, []string{"priority"})
	SubmitRejects     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_submit_rejects_total", Help: "Submissions rejected by reason"}, []string{"reason"})
	BatchesEnqueued   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_batches_enqueued_total", Help: "Batches added to the work queue"})
	BatchesDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_batches_dispatched_total", Help: "Batches claimed by the dispatcher by priority"}, []string{"priority"})
	BatchesCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_batches_completed_total", Help: "Batches marked completed"})
	BatchErrors       = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_batch_errors_total", Help: "Batch executions that hit a store or queue error"})
	ItemsProcessed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_items_processed_total", Help: "Items processed successfully"})
	ItemFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_item_failures_total", Help: "Items whose external call failed and were skipped"})
	BatchDuration     = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "ingest_batch_duration_seconds", Help: "Wall time from batch start to completion", Buckets: prometheus.ExponentialBuckets(0.25, 2, 8)})
	QueuePending      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_queue_pending", Help: "Pending batches in the work queue"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_batches_inflight", Help: "Batches currently executing"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			SubmitRejects,
			BatchesEnqueued,
			BatchesDispatched,
			BatchesCompleted,
			BatchErrors,
			ItemsProcessed,
			ItemFailures,
			BatchDuration,
			QueuePending,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
