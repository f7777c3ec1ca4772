// Package metrics holds the Prometheus instrumentation surface shared by
// the gateway, service workers, and the WAL replayer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the counters and histograms exported by every process
// that links this module.
type Metrics struct {
	WalAppendTotal   *prometheus.CounterVec
	WalFlushTotal    *prometheus.CounterVec
	WalFlushAccepted prometheus.Counter
	WalFlushDuration prometheus.Histogram

	ReplayTickTotal    *prometheus.CounterVec
	ReplayQuarantined  prometheus.Counter
	ReplayLagSegments  prometheus.Gauge

	S2SCallTotal    *prometheus.CounterVec
	S2SCallDuration *prometheus.HistogramVec

	EdgeRequestTotal    *prometheus.CounterVec
	EdgeRequestDuration *prometheus.HistogramVec
}

// New creates and registers every metric against the default registry.
func New() *Metrics {
	return &Metrics{
		WalAppendTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ocx_wal_append_total",
			Help: "Total WAL append calls by outcome.",
		}, []string{"outcome"}),

		WalFlushTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ocx_wal_flush_total",
			Help: "Total WAL flush attempts by outcome.",
		}, []string{"outcome"}),

		WalFlushAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ocx_wal_flush_accepted_total",
			Help: "Total audit blobs accepted by a writer across flushes.",
		}),

		WalFlushDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ocx_wal_flush_duration_seconds",
			Help:    "Duration of WalEngine.Flush calls.",
			Buckets: prometheus.DefBuckets,
		}),

		ReplayTickTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ocx_wal_replay_tick_total",
			Help: "Total replay ticks by outcome.",
		}, []string{"outcome"}),

		ReplayQuarantined: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ocx_wal_replay_quarantined_total",
			Help: "Total segments moved to quarantine.",
		}),

		ReplayLagSegments: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ocx_wal_replay_lag_segments",
			Help: "Segment files not yet fully replayed.",
		}),

		S2SCallTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ocx_s2s_call_total",
			Help: "Outbound S2S calls by target slug and outcome.",
		}, []string{"target", "outcome"}),

		S2SCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ocx_s2s_call_duration_seconds",
			Help:    "Outbound S2S call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"target"}),

		EdgeRequestTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ocx_edge_request_total",
			Help: "Inbound edge requests by route and status class.",
		}, []string{"route", "status_class"}),

		EdgeRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ocx_edge_request_duration_seconds",
			Help:    "Inbound edge request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}
