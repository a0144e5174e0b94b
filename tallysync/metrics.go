package tallysync

import (
	"github.com/mmdatafocus/tally_sync/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	vouchersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally_sync",
		Name:      "vouchers_total",
		Help:      "Source vouchers processed, by outcome.",
	}, []string{"outcome"})

	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally_sync",
		Name:      "batches_total",
		Help:      "Batch attempts, by result.",
	}, []string{"result"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tally_sync",
		Name:      "batch_duration_seconds",
		Help:      "Wall time of committed batches including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally_sync",
		Name:      "runs_total",
		Help:      "Finished sync runs, by terminal state and failure code.",
	}, []string{"state", "code"})

	runsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tally_sync",
		Name:      "runs_active",
		Help:      "Sync runs currently executing in this process.",
	})
)

const (
	outcomeSkipped = "skipped"
)

func observeOutcome(outcome models.UpsertOutcome) {
	vouchersTotal.WithLabelValues(string(outcome)).Inc()
}
