package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ImportMetrics records offer import activity.
type ImportMetrics struct {
	rows        *prometheus.CounterVec
	batches     *prometheus.CounterVec
	duration    prometheus.Histogram
	priceChange *prometheus.HistogramVec
}

// NewImportMetrics registers the import metrics on the provided registerer. A nil registerer
// yields a no-op recorder.
func NewImportMetrics(reg prometheus.Registerer) *ImportMetrics {
	if reg == nil {
		return &ImportMetrics{}
	}
	rows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offer_import_rows_total",
		Help: "Imported offer rows by tier and outcome.",
	}, []string{"tier", "action"})
	batches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offer_import_batches_total",
		Help: "Import batches by final status.",
	}, []string{"status"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "offer_import_duration_seconds",
		Help:    "Wall time of one import batch.",
		Buckets: prometheus.DefBuckets,
	})
	priceChange := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offer_price_change_pct",
		Help:    "Recorded percentage change of the primary price metric.",
		Buckets: []float64{-50, -25, -10, -5, -1, 0, 1, 5, 10, 25, 50},
	}, []string{"tier"})
	reg.MustRegister(rows, batches, duration, priceChange)
	return &ImportMetrics{
		rows:        rows,
		batches:     batches,
		duration:    duration,
		priceChange: priceChange,
	}
}

// ObserveRow counts one processed row.
func (m *ImportMetrics) ObserveRow(tier, action string) {
	if m == nil || m.rows == nil {
		return
	}
	m.rows.WithLabelValues(normalizeLabel(tier), normalizeLabel(action)).Inc()
}

// ObserveBatch records the outcome and duration of a batch.
func (m *ImportMetrics) ObserveBatch(status string, elapsed time.Duration) {
	if m == nil || m.batches == nil {
		return
	}
	m.batches.WithLabelValues(normalizeLabel(status)).Inc()
	m.duration.Observe(elapsed.Seconds())
}

// ObservePriceChange records the primary-metric change of a history entry.
func (m *ImportMetrics) ObservePriceChange(tier string, pct float64) {
	if m == nil || m.priceChange == nil {
		return
	}
	m.priceChange.WithLabelValues(normalizeLabel(tier)).Observe(pct)
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
