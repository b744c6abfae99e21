// Package metrics provides Prometheus metrics for the replication worker.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all s3relay metrics.
var Registry = prometheus.NewRegistry()

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Metrics holds the replication counters and histograms. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	MessagesTotal    *prometheus.CounterVec   // s3relay_messages_total{result}
	TransfersTotal   *prometheus.CounterVec   // s3relay_transfers_total{result,kind,path}
	TransferBytes    prometheus.Counter       // s3relay_transfer_bytes_total
	TransferDuration *prometheus.HistogramVec // s3relay_transfer_duration_seconds{path}
	BatchDuration    prometheus.Histogram     // s3relay_batch_duration_seconds
	BatchesTotal     prometheus.Counter       // s3relay_batches_total
	RecordsSkipped   prometheus.Counter       // s3relay_records_skipped_total
	QueueOps         *prometheus.CounterVec   // s3relay_queue_operations_total{op,result}
	BuildInfo        *prometheus.GaugeVec     // s3relay_build_info{version}
}

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Default returns the process-wide metrics registered on Registry.
// Metrics are only registered once; subsequent calls return the same instance.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(Registry)
	})
	return defaultMetrics
}

// New registers a fresh set of metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "s3relay_messages_total",
			Help: "Queue messages processed by result (acknowledged, failed)",
		}, []string{"result"}),

		TransfersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "s3relay_transfers_total",
			Help: "Object transfers by result, failure kind and copy path",
		}, []string{"result", "kind", "path"}),

		TransferBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "s3relay_transfer_bytes_total",
			Help: "Total bytes replicated into the destination bucket",
		}),

		TransferDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "s3relay_transfer_duration_seconds",
			Help:    "Object transfer duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"path"}),

		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "s3relay_batch_duration_seconds",
			Help:    "Time to process one batch of queue messages",
			Buckets: prometheus.DefBuckets,
		}),

		BatchesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "s3relay_batches_total",
			Help: "Total batches processed",
		}),

		RecordsSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "s3relay_records_skipped_total",
			Help: "Event records ignored on purpose (foreign source, removal events, test events)",
		}),

		QueueOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "s3relay_queue_operations_total",
			Help: "Queue receive, ack and release calls by result",
		}, []string{"op", "result"}),

		BuildInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "s3relay_build_info",
			Help: "Build information (value is always 1)",
		}, []string{"version"}),
	}
}

// SetVersion publishes the running version.
func (m *Metrics) SetVersion(version string) {
	if m == nil {
		return
	}
	m.BuildInfo.WithLabelValues(version).Set(1)
}

// ObserveTransfer records one object transfer. kind is empty on success.
func (m *Metrics) ObserveTransfer(ok bool, kind, path string, bytes int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	if path == "" {
		path = "none"
	}
	m.TransfersTotal.WithLabelValues(result, kind, path).Inc()
	if ok {
		m.TransferBytes.Add(float64(bytes))
		m.TransferDuration.WithLabelValues(path).Observe(elapsed.Seconds())
	}
}

// ObserveBatch records the per-message results of one batch.
func (m *Metrics) ObserveBatch(acknowledged, failed int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.BatchesTotal.Inc()
	m.BatchDuration.Observe(elapsed.Seconds())
	m.MessagesTotal.WithLabelValues("acknowledged").Add(float64(acknowledged))
	m.MessagesTotal.WithLabelValues("failed").Add(float64(failed))
}

// ObserveSkipped counts event records ignored on purpose.
func (m *Metrics) ObserveSkipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsSkipped.Add(float64(n))
}

// ObserveQueueOp records a queue call.
func (m *Metrics) ObserveQueueOp(op string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.QueueOps.WithLabelValues(op, result).Inc()
}

// Handler returns an HTTP handler serving Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
