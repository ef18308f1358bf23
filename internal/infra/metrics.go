package infra

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BatchMetrics bundles the prometheus instruments emitted by the batch
// orchestrator and pacing controller.
type BatchMetrics struct {
	ItemsProcessed    *prometheus.CounterVec
	PacingAdjustments *prometheus.CounterVec
	JobsFinished      *prometheus.CounterVec
	GenerationSeconds prometheus.Histogram
}

// NewBatchMetrics registers the batch instruments on reg.
func NewBatchMetrics(reg prometheus.Registerer) *BatchMetrics {
	factory := promauto.With(reg)
	return &BatchMetrics{
		ItemsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "variation_items_processed_total",
			Help: "Variation items by terminal state.",
		}, []string{"result"}),
		PacingAdjustments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "variation_pacing_adjustments_total",
			Help: "Pacing controller recommendations by adjustment type.",
		}, []string{"adjustment"}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "variation_jobs_finished_total",
			Help: "Variation jobs by terminal status.",
		}, []string{"status"}),
		GenerationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "variation_generation_duration_seconds",
			Help:    "Wall time of a single remote generation call.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
}
