package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all bulksink Prometheus metrics.
type Metrics struct {
	RecordsIn       *prometheus.CounterVec
	RecordsOut      *prometheus.CounterVec
	BytesOut        *prometheus.CounterVec
	DirtyRecords    *prometheus.CounterVec
	BatchRetries    *prometheus.CounterVec
	PendingOps      *prometheus.GaugeVec
	FlushDuration   *prometheus.HistogramVec
	FilteredRecords *prometheus.CounterVec
	MappingErrors   *prometheus.CounterVec
	DLQTotal        *prometheus.CounterVec
}

// NewMetrics creates and registers all bulksink metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordsIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bulksink_records_in_total",
			Help: "Records accepted from the source.",
		}, []string{"sink"}),

		RecordsOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bulksink_records_out_total",
			Help: "Operations confirmed by the backend.",
		}, []string{"sink"}),

		BytesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bulksink_bytes_out_total",
			Help: "Payload bytes confirmed by the backend.",
		}, []string{"sink"}),

		DirtyRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bulksink_dirty_records_total",
			Help: "Operations that failed item-level delivery.",
		}, []string{"sink"}),

		BatchRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bulksink_batch_retries_total",
			Help: "Whole-batch retries after backend rejection.",
		}, []string{"sink"}),

		PendingOps: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bulksink_pending_operations",
			Help: "Operations accepted but not yet confirmed or failed.",
		}, []string{"sink"}),

		FlushDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bulksink_flush_duration_seconds",
			Help:    "Time spent executing a bulk flush.",
			Buckets: prometheus.DefBuckets,
		}, []string{"sink"}),

		FilteredRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bulksink_filtered_records_total",
			Help: "Records skipped by the filter expression.",
		}, []string{"sink"}),

		MappingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bulksink_mapping_errors_total",
			Help: "Records that could not be mapped to an operation.",
		}, []string{"sink", "error_type"}),

		DLQTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bulksink_dlq_total",
			Help: "Operations routed to the dead letter topic.",
		}, []string{"sink"}),
	}
}

// ForSink binds the metrics to one sink label, satisfying the sink's
// stats hook.
func (m *Metrics) ForSink(name string) *SinkStats {
	return &SinkStats{metrics: m, sink: name}
}

// SinkStats reports one sink's throughput into the shared metrics.
type SinkStats struct {
	metrics *Metrics
	sink    string
}

func (s *SinkStats) RecordsOut(n int) {
	s.metrics.RecordsOut.WithLabelValues(s.sink).Add(float64(n))
}

func (s *SinkStats) BytesOut(n int64) {
	s.metrics.BytesOut.WithLabelValues(s.sink).Add(float64(n))
}

func (s *SinkStats) DirtyRecords(n int) {
	s.metrics.DirtyRecords.WithLabelValues(s.sink).Add(float64(n))
}

func (s *SinkStats) BatchRetries(n int) {
	s.metrics.BatchRetries.WithLabelValues(s.sink).Add(float64(n))
}

func (s *SinkStats) PendingOps(n int64) {
	s.metrics.PendingOps.WithLabelValues(s.sink).Set(float64(n))
}

func (s *SinkStats) FlushDone(d time.Duration) {
	s.metrics.FlushDuration.WithLabelValues(s.sink).Observe(d.Seconds())
}
