package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zombor/invoice-reconciler/internal/capture"
	"github.com/zombor/invoice-reconciler/internal/compliance"
	"github.com/zombor/invoice-reconciler/internal/invoice"
)

// Metrics exposes queue and pipeline signals to Prometheus. It satisfies
// capture.Observer and the reconcile observers.
type Metrics struct {
	queueSize        prometheus.Gauge
	queueNearLimit   prometheus.Counter
	syncs            *prometheus.CounterVec
	retries          prometheus.Histogram
	verdicts         *prometheus.CounterVec
	corrections      *prometheus.CounterVec
	pipelineFailures *prometheus.CounterVec
	pipelineDuration prometheus.Histogram
	syncStuck        prometheus.Gauge
}

// NewMetrics registers the collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "invoice_capture_queue_size",
			Help: "Documents waiting in the offline capture queue.",
		}),
		queueNearLimit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoice_capture_queue_near_limit_total",
			Help: "Enqueues that left the capture queue near capacity.",
		}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_capture_sync_total",
			Help: "Per-document sync outcomes.",
		}, []string{"status"}),
		retries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoice_capture_sync_retry_count",
			Help:    "Retry count of a document when its sync fails.",
			Buckets: []float64{1, 2, 3, 5, 10, 20},
		}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_compliance_verdicts_total",
			Help: "Compliance verdicts by status.",
		}, []string{"status"}),
		corrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_corrections_total",
			Help: "Corrections recorded by kind.",
		}, []string{"kind"}),
		pipelineFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_pipeline_failures_total",
			Help: "Reconciliation passes rejected, by stage.",
		}, []string{"stage"}),
		pipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoice_pipeline_duration_seconds",
			Help:    "Duration of one reconciliation pass.",
			Buckets: prometheus.DefBuckets,
		}),
		syncStuck: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "invoice_capture_sync_stuck",
			Help: "1 while consecutive drains keep failing.",
		}),
	}

	reg.MustRegister(
		m.queueSize,
		m.queueNearLimit,
		m.syncs,
		m.retries,
		m.verdicts,
		m.corrections,
		m.pipelineFailures,
		m.pipelineDuration,
		m.syncStuck,
	)
	return m
}

func (m *Metrics) QueueSize(size int) {
	m.queueSize.Set(float64(size))
}

func (m *Metrics) NearLimit(size int) {
	m.queueNearLimit.Inc()
}

func (m *Metrics) Synced(doc *capture.Document) {
	m.syncs.WithLabelValues("synced").Inc()
}

func (m *Metrics) SyncFailed(doc *capture.Document, err error) {
	m.syncs.WithLabelValues("failed").Inc()
	m.retries.Observe(float64(doc.Metadata.RetryCount))
}

// Reconciled records one committed pass
func (m *Metrics) Reconciled(status compliance.Status, corrections []invoice.Correction, took time.Duration) {
	m.verdicts.WithLabelValues(string(status)).Inc()
	for _, c := range corrections {
		m.corrections.WithLabelValues(string(c.Kind)).Inc()
	}
	m.pipelineDuration.Observe(took.Seconds())
}

// Rejected records a pass that failed at stage
func (m *Metrics) Rejected(stage string) {
	m.pipelineFailures.WithLabelValues(stage).Inc()
}

// Stuck flips the stuck gauge
func (m *Metrics) Stuck(stuck bool) {
	if stuck {
		m.syncStuck.Set(1)
		return
	}
	m.syncStuck.Set(0)
}
