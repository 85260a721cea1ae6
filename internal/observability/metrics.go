package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "accident"

// Metrics holds the Prometheus counters, histograms, and gauges for the intake pipeline.
type Metrics struct {
	ReportsReceived   *prometheus.CounterVec // labels: source={http,mqtt,kafka,nats}
	ReportsRejected   *prometheus.CounterVec // labels: source
	DuplicatesDropped *prometheus.CounterVec // labels: source
	RecordsStored     *prometheus.CounterVec // labels: source
	PersistFailures   *prometheus.CounterVec // labels: source
	InFlight          prometheus.Gauge
	PipelineRunning   prometheus.Gauge

	// Hospital lookup metrics.
	EnrichmentRequests *prometheus.CounterVec // labels: outcome={found,empty,error,disabled}
	EnrichmentCache    *prometheus.CounterVec // labels: result={hit,miss}
	EnrichmentDuration prometheus.Histogram
	EnrichmentEnabled  prometheus.Gauge

	// Subscribe feed metrics.
	FeedConnected *prometheus.GaugeVec // labels: driver
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		ReportsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_received_total",
			Help:      "Accident reports received, by intake channel.",
		}, []string{"source"}),
		ReportsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_rejected_total",
			Help:      "Accident reports that failed validation.",
		}, []string{"source"}),
		DuplicatesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_dropped_total",
			Help:      "Reports dropped as back-to-back redeliveries.",
		}, []string{"source"}),
		RecordsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_stored_total",
			Help:      "Accident records durably stored.",
		}, []string{"source"}),
		PersistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Accepted reports that could not be stored.",
		}, []string{"source"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reports_in_flight",
			Help:      "Reports currently between intake and storage.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the pipeline accepts reports, 0 once draining.",
		}),
		EnrichmentRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_requests_total",
			Help:      "Hospital lookups by outcome.",
		}, []string{"outcome"}),
		EnrichmentCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_cache_total",
			Help:      "Hospital lookup cache results.",
		}, []string{"result"}),
		EnrichmentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "enrichment_duration_seconds",
			Help:      "Hospital lookup duration in seconds, including cache hits.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		EnrichmentEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "enrichment_enabled",
			Help:      "1 when hospital lookups are enabled, 0 otherwise.",
		}),
		FeedConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_connected",
			Help:      "1 while the subscribe feed listener is connected.",
		}, []string{"driver"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ReportsReceived,
		m.ReportsRejected,
		m.DuplicatesDropped,
		m.RecordsStored,
		m.PersistFailures,
		m.InFlight,
		m.PipelineRunning,
		m.EnrichmentRequests,
		m.EnrichmentCache,
		m.EnrichmentDuration,
		m.EnrichmentEnabled,
		m.FeedConnected,
	}
}
