// Package metrics defines the Prometheus metric collectors used by the
// loader and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the loader.
type Metrics struct {
	FeaturesConverted *prometheus.CounterVec
	FeaturesSkipped   *prometheus.CounterVec
	DocsIndexed       *prometheus.CounterVec
	DocsRejected      *prometheus.CounterVec
	BatchesSubmitted  *prometheus.CounterVec
	BulkRetries       *prometheus.CounterVec
	BulkLatency       *prometheus.HistogramVec
	LayerDuration     *prometheus.HistogramVec
	ActivePipelines   prometheus.Gauge
}

// New creates and registers all loader metrics with the default registry.
func New() *Metrics {
	m := &Metrics{
		FeaturesConverted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "osm2es_features_converted_total",
				Help: "Source features converted into documents, by layer.",
			},
			[]string{"layer"},
		),
		FeaturesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "osm2es_features_skipped_total",
				Help: "Malformed source features skipped during conversion, by layer.",
			},
			[]string{"layer"},
		),
		DocsIndexed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "osm2es_docs_indexed_total",
				Help: "Documents acknowledged by the bulk endpoint, by layer.",
			},
			[]string{"layer"},
		),
		DocsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "osm2es_docs_rejected_total",
				Help: "Documents rejected inside bulk responses, by layer.",
			},
			[]string{"layer"},
		),
		BatchesSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "osm2es_batches_submitted_total",
				Help: "Bulk submissions sent, by layer.",
			},
			[]string{"layer"},
		),
		BulkRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "osm2es_bulk_retries_total",
				Help: "Transport-level bulk submission retries, by layer.",
			},
			[]string{"layer"},
		),
		BulkLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "osm2es_bulk_latency_seconds",
				Help:    "Bulk submission latency in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"layer"},
		),
		LayerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "osm2es_layer_duration_seconds",
				Help:    "Wall-clock duration of a layer pipeline in seconds.",
				Buckets: []float64{1, 10, 30, 60, 300, 900, 1800, 3600, 7200},
			},
			[]string{"layer", "state"},
		),
		ActivePipelines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "osm2es_active_pipelines",
				Help: "Layer pipelines currently running.",
			},
		),
	}
	prometheus.MustRegister(
		m.FeaturesConverted,
		m.FeaturesSkipped,
		m.DocsIndexed,
		m.DocsRejected,
		m.BatchesSubmitted,
		m.BulkRetries,
		m.BulkLatency,
		m.LayerDuration,
		m.ActivePipelines,
	)
	return m
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
