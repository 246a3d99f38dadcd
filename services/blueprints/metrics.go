package blueprints

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess     = "success"
	outcomeBroken      = "broken"
	outcomeRejected    = "rejected"
	outcomeInterrupted = "interrupted"
)

// Metrics holds Prometheus metrics for blueprint syncs. A nil *Metrics
// records nothing.
type Metrics struct {
	syncsTotal        *prometheus.CounterVec
	syncDuration      *prometheus.HistogramVec
	thumbnailFailures prometheus.Counter
	jobsEnqueued      *prometheus.CounterVec
}

// NewMetrics creates the sync metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		syncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autotune_blueprint_syncs_total",
				Help: "Blueprint sync attempts by outcome and error kind",
			},
			[]string{"outcome", "kind"},
		),
		syncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autotune_blueprint_sync_duration_seconds",
				Help:    "Blueprint sync duration",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"outcome"},
		),
		thumbnailFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "autotune_blueprint_thumbnail_failures_total",
				Help: "Thumbnail deployments that failed without failing the sync",
			},
		),
		jobsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autotune_blueprint_sync_jobs_enqueued_total",
				Help: "Sync jobs published to the queue by origin",
			},
			[]string{"origin"},
		),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.syncsTotal.Describe(ch)
	m.syncDuration.Describe(ch)
	m.thumbnailFailures.Describe(ch)
	m.jobsEnqueued.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.syncsTotal.Collect(ch)
	m.syncDuration.Collect(ch)
	m.thumbnailFailures.Collect(ch)
	m.jobsEnqueued.Collect(ch)
}

func (m *Metrics) recordSync(outcome, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncsTotal.WithLabelValues(outcome, kind).Inc()
	m.syncDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) recordThumbnailFailure() {
	if m == nil {
		return
	}
	m.thumbnailFailures.Inc()
}

func (m *Metrics) recordEnqueue(origin string) {
	if m == nil {
		return
	}
	m.jobsEnqueued.WithLabelValues(origin).Inc()
}
