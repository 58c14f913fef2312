// Package metrics provides Prometheus collectors for ranking operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricRankingUpsertsTotal     = "ranking_upserts_total"
	MetricRankingRebuildsTotal    = "ranking_rebuilds_total"
	MetricRankingRebuildDuration  = "ranking_rebuild_duration_seconds"
	MetricRankingRebuildSize      = "ranking_rebuild_candidates"
	MetricEmbeddingRequestSeconds = "embedding_request_duration_seconds"
	MetricCVUploadsTotal          = "cv_uploads_total"
)

// Outcome label values.
const (
	OutcomeWritten = "written"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Metrics holds the Prometheus collectors for the matching engine.
// All operations are thread-safe.
type Metrics struct {
	upsertsTotal     *prometheus.CounterVec
	rebuildsTotal    *prometheus.CounterVec
	rebuildDuration  prometheus.Histogram
	rebuildSize      prometheus.Histogram
	embeddingSeconds prometheus.Histogram
	cvUploadsTotal   *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all collectors initialized.
// The collectors are not registered; call Register.
func NewMetrics() *Metrics {
	return &Metrics{
		upsertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRankingUpsertsTotal,
				Help: "Total number of single-candidate ranking upserts by outcome",
			},
			[]string{"outcome"},
		),
		rebuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRankingRebuildsTotal,
				Help: "Total number of full ranking rebuilds by outcome",
			},
			[]string{"outcome"},
		),
		rebuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricRankingRebuildDuration,
				Help:    "Histogram of full rebuild duration in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0},
			},
		),
		rebuildSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricRankingRebuildSize,
				Help:    "Histogram of candidates scored per rebuild",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		embeddingSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricEmbeddingRequestSeconds,
				Help:    "Histogram of embedding provider request latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
			},
		),
		cvUploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCVUploadsTotal,
				Help: "Total number of CV uploads by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.upsertsTotal,
		m.rebuildsTotal,
		m.rebuildDuration,
		m.rebuildSize,
		m.embeddingSeconds,
		m.cvUploadsTotal,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveUpsert records a single upsert outcome.
func (m *Metrics) ObserveUpsert(outcome string) {
	m.upsertsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRebuild records a full rebuild with its duration and size.
func (m *Metrics) ObserveRebuild(outcome string, seconds float64, candidates int) {
	m.rebuildsTotal.WithLabelValues(outcome).Inc()
	m.rebuildDuration.Observe(seconds)
	m.rebuildSize.Observe(float64(candidates))
}

// ObserveEmbedding records the latency of one embedding call.
func (m *Metrics) ObserveEmbedding(seconds float64) {
	m.embeddingSeconds.Observe(seconds)
}

// ObserveUpload records one CV upload outcome.
func (m *Metrics) ObserveUpload(outcome string) {
	m.cvUploadsTotal.WithLabelValues(outcome).Inc()
}
