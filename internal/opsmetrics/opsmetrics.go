// Package opsmetrics is the operational observability surface: Prometheus
// counters and gauges tracking ingest lag, classification outcomes, sync
// health, and HTTP latency.
package opsmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rawblock/clientprint/pkg/models"
)

// Metrics holds every registered instrument. Construct once at startup via
// New and share the handle across the ingest workers and the HTTP layer.
type Metrics struct {
	IngestLagSlots      prometheus.Gauge
	ClassificationTotal *prometheus.CounterVec
	SyncGapCount        prometheus.Gauge
	StoreRowCount       prometheus.Gauge
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers every instrument against prometheus.DefaultRegisterer.
func New() *Metrics {
	m := &Metrics{
		IngestLagSlots: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clientprint_ingest_lag_slots",
			Help: "Slots between the upstream head and the greatest persisted slot.",
		}),
		ClassificationTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clientprint_classifications_total",
			Help: "Classified blocks, partitioned by best_guess_single.",
		}, []string{"label"}),
		SyncGapCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clientprint_sync_gap_count",
			Help: "Number of outstanding sync gaps reported by the store.",
		}),
		StoreRowCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clientprint_store_row_count",
			Help: "Total persisted block rows.",
		}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clientprint_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status class.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
	return m
}

// ObserveClassification increments the per-label classification counter.
func (m *Metrics) ObserveClassification(label models.ClientLabel) {
	m.ClassificationTotal.WithLabelValues(string(label)).Inc()
}

// SetIngestLag records the current distance between the upstream head slot
// and the store's greatest persisted slot.
func (m *Metrics) SetIngestLag(lagSlots float64) {
	m.IngestLagSlots.Set(lagSlots)
}

// SetSyncGapCount records the current outstanding-gap count.
func (m *Metrics) SetSyncGapCount(n int) {
	m.SyncGapCount.Set(float64(n))
}

// SetStoreRowCount records the current total persisted row count.
func (m *Metrics) SetStoreRowCount(n int) {
	m.StoreRowCount.Set(float64(n))
}

// Handler returns the standard Prometheus scrape endpoint handler, served
// on a separate address/port (METRICS_ADDR) from the gin router.
func Handler() http.Handler {
	return promhttp.Handler()
}
