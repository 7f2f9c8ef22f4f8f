package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service's instrumentation. One instance is shared by
// every component.
type Metrics struct {
	QueueDepth       prometheus.Gauge
	JobsDropped      prometheus.Counter
	StageRuns        *prometheus.CounterVec
	UploadBytes      prometheus.Counter
	UploadsCompleted prometheus.Counter
	SegmentsAssigned prometheus.Counter
	ReconcileSweeps  prometheus.Counter
	RetentionPurged  prometheus.Counter
	QueryLatency     *prometheus.HistogramVec
}

// New registers the metric set on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lifelog_pipeline_queue_depth",
			Help: "Assets waiting in the processing queue.",
		}),
		JobsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifelog_pipeline_jobs_dropped_total",
			Help: "Pipeline jobs dropped because the queue was full.",
		}),
		StageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifelog_pipeline_stage_runs_total",
			Help: "Pipeline stage executions by stage and outcome.",
		}, []string{"stage", "outcome"}),
		UploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifelog_upload_bytes_total",
			Help: "Bytes accepted by the upload assembler.",
		}),
		UploadsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifelog_uploads_completed_total",
			Help: "Upload sessions finalized.",
		}),
		SegmentsAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifelog_segments_assigned_total",
			Help: "New segment ids assigned.",
		}),
		ReconcileSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifelog_reconciler_sweeps_total",
			Help: "Reconciler sweep cycles completed.",
		}),
		RetentionPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifelog_retention_purged_total",
			Help: "Assets physically removed by the retention sweep.",
		}),
		QueryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lifelog_query_duration_seconds",
			Help:    "Retrieval query latency by mode.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
	}
	reg.MustRegister(
		m.QueueDepth, m.JobsDropped, m.StageRuns, m.UploadBytes,
		m.UploadsCompleted, m.SegmentsAssigned, m.ReconcileSweeps,
		m.RetentionPurged, m.QueryLatency,
	)
	return m
}

// NewNop returns a metric set registered on a fresh private registry, for
// tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
