// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the pipeline reports to.
type Metrics struct {
	Messages      prometheus.Counter
	Dropped       *prometheus.CounterVec
	Accepted      prometheus.Counter
	Duplicates    prometheus.Counter
	SinkErrors    *prometheus.CounterVec
	SinkDropped   *prometheus.CounterVec
	UploadLatency prometheus.Histogram
}

// Drop reasons for the dropped counter.
const (
	ReasonUnresolved  = "unresolved"
	ReasonPlaceholder = "placeholder"
	ReasonStoreError  = "store_error"
)

// New builds and registers the collectors on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Messages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sonde_relay_messages_total",
			Help: "Raw sonde messages received from the decoder feed.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sonde_relay_dropped_total",
			Help: "Messages dropped before persistence, by reason.",
		}, []string{"reason"}),
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sonde_relay_accepted_total",
			Help: "Observations accepted and persisted.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sonde_relay_duplicates_total",
			Help: "Observations rejected as duplicate (serial, vframe) pairs.",
		}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sonde_relay_sink_errors_total",
			Help: "Delivery errors per sink.",
		}, []string{"sink"}),
		SinkDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sonde_relay_sink_dropped_total",
			Help: "Observations dropped because a sink queue was full.",
		}, []string{"sink"}),
		UploadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sonde_relay_upload_latency_seconds",
			Help:    "Age of each packet at aggregator upload time.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
	}

	reg.MustRegister(
		m.Messages,
		m.Dropped,
		m.Accepted,
		m.Duplicates,
		m.SinkErrors,
		m.SinkDropped,
		m.UploadLatency,
	)
	return m
}
