package etl

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the pipeline's Prometheus collectors. They are served
// on the health port for operators watching a long bulk load.
type Metrics struct {
	RowsExtracted   prometheus.Counter
	RowsTransformed prometheus.Counter
	RowsLoaded      prometheus.Counter
	RowsDeduped     prometheus.Counter
	Violations      *prometheus.CounterVec
	BatchesTotal    *prometheus.CounterVec
	BatchSeconds    prometheus.Histogram
	PhaseSeconds    *prometheus.HistogramVec
}

// NewMetrics builds and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RowsExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fire_etl_rows_extracted_total",
			Help: "Rows read from the source CSV.",
		}),
		RowsTransformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fire_etl_rows_transformed_total",
			Help: "Rows mapped to fact rows.",
		}),
		RowsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fire_etl_rows_loaded_total",
			Help: "Fact rows committed to PostgreSQL.",
		}),
		RowsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fire_etl_rows_deduplicated_total",
			Help: "Rows dropped as duplicate event numbers.",
		}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fire_etl_validation_violations_total",
			Help: "Validation violations by check class.",
		}, []string{"check"}),
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fire_etl_batches_total",
			Help: "Processed batches by outcome.",
		}, []string{"outcome"}),
		BatchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fire_etl_batch_duration_seconds",
			Help:    "Wall time per batch, extract through commit.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		PhaseSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fire_etl_phase_duration_seconds",
			Help:    "Wall time per pipeline phase per batch.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"phase"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RowsExtracted, m.RowsTransformed, m.RowsLoaded, m.RowsDeduped,
			m.Violations, m.BatchesTotal, m.BatchSeconds, m.PhaseSeconds,
		)
	}
	return m
}

// NopMetrics returns unregistered collectors for tests and for runs
// with the metrics server disabled.
func NopMetrics() *Metrics {
	return NewMetrics(nil)
}
