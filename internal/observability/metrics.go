package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "threatpulse"

// Metrics holds Prometheus metrics for the pipeline. All methods are safe
// on a nil receiver so components can run without metrics.
type Metrics struct {
	// Job metrics
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
	JobSkipped  *prometheus.CounterVec

	// Ingestion metrics
	DocumentsProcessed *prometheus.CounterVec
	VendorDocuments    *prometheus.CounterVec
	EventsUpserted     *prometheus.CounterVec
	PageFailures       *prometheus.CounterVec
	Watermark          *prometheus.GaugeVec

	// Correlation and alert metrics
	LinksUpserted  *prometheus.CounterVec
	AlertsCreated  *prometheus.CounterVec
	RecordsDeleted *prometheus.CounterVec

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the pipeline metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		JobRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Completed job runs by job and status",
			},
			[]string{"job", "status"},
		),
		JobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Job run duration",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"job"},
		),
		JobSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_skipped_total",
				Help:      "Job triggers skipped because a run was already in progress",
			},
			[]string{"job"},
		),
		DocumentsProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_processed_total",
				Help:      "Documents read from the event store",
			},
			[]string{"store"},
		),
		VendorDocuments: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vendor_documents_total",
				Help:      "Synced documents by vendor section",
			},
			[]string{"vendor"},
		),
		EventsUpserted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_upserted_total",
				Help:      "Canonical events written, by outcome",
			},
			[]string{"result"},
		),
		PageFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "page_failures_total",
				Help:      "Sync pages whose upsert failed",
			},
			[]string{"store"},
		),
		Watermark: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sync_watermark_timestamp_seconds",
				Help:      "Persisted sync watermark as unix time",
			},
			[]string{"sync_type"},
		),
		LinksUpserted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_links_upserted_total",
				Help:      "Node-event links created or refreshed",
			},
			[]string{"role"},
		),
		AlertsCreated: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_created_total",
				Help:      "Alerts materialized, by source",
			},
			[]string{"source"},
		),
		RecordsDeleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retention_deleted_total",
				Help:      "Records removed by retention cleanup",
			},
			[]string{"kind"},
		),
		GoroutineCount: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
	}
}

// ObserveJob records one finished job run
func (m *Metrics) ObserveJob(job, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// IncJobSkipped counts a trigger dropped due to overlap
func (m *Metrics) IncJobSkipped(job string) {
	if m == nil {
		return
	}
	m.JobSkipped.WithLabelValues(job).Inc()
}

// AddDocuments counts documents read from a store
func (m *Metrics) AddDocuments(store string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DocumentsProcessed.WithLabelValues(store).Add(float64(n))
}

// IncVendorDocument counts a document carrying vendor's section
func (m *Metrics) IncVendorDocument(vendor string) {
	if m == nil {
		return
	}
	m.VendorDocuments.WithLabelValues(vendor).Inc()
}

// AddUpserts counts inserted and updated events
func (m *Metrics) AddUpserts(inserted, updated int) {
	if m == nil {
		return
	}
	m.EventsUpserted.WithLabelValues("inserted").Add(float64(inserted))
	m.EventsUpserted.WithLabelValues("updated").Add(float64(updated))
}

// IncPageFailure counts a failed page
func (m *Metrics) IncPageFailure(store string) {
	if m == nil {
		return
	}
	m.PageFailures.WithLabelValues(store).Inc()
}

// SetWatermark publishes a persisted watermark
func (m *Metrics) SetWatermark(syncType string, t time.Time) {
	if m == nil {
		return
	}
	m.Watermark.WithLabelValues(syncType).Set(float64(t.Unix()))
}

// IncLink counts an upserted link
func (m *Metrics) IncLink(role string) {
	if m == nil {
		return
	}
	m.LinksUpserted.WithLabelValues(role).Inc()
}

// AddAlerts counts materialized alerts
func (m *Metrics) AddAlerts(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.AlertsCreated.WithLabelValues(source).Add(float64(n))
}

// AddDeleted counts records removed by retention
func (m *Metrics) AddDeleted(kind string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsDeleted.WithLabelValues(kind).Add(float64(n))
}

// ObserveRequest records one HTTP request
func (m *Metrics) ObserveRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
