// Package metrics exposes prometheus instrumentation for market
// operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Market holds the operation-level collectors for the escrow engine.
type Market struct {
	Operations *prometheus.CounterVec
	Latency    *prometheus.HistogramVec
	Escrowed   prometheus.Gauge
}

// NewMarket creates and registers the market collectors on reg.
func NewMarket(reg prometheus.Registerer) *Market {
	m := &Market{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voltmesh",
			Subsystem: "market",
			Name:      "operations_total",
			Help:      "Market operations by name and outcome.",
		}, []string{"op", "outcome"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "voltmesh",
			Subsystem: "market",
			Name:      "operation_seconds",
			Help:      "Market operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		Escrowed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voltmesh",
			Subsystem: "market",
			Name:      "escrowed_trades",
			Help:      "Trades currently holding escrowed funds.",
		}),
	}
	reg.MustRegister(m.Operations, m.Latency, m.Escrowed)
	return m
}

// Observe records one finished operation. A nil *Market is a no-op so the
// service can run without instrumentation in tests.
func (m *Market) Observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Operations.WithLabelValues(op, outcome).Inc()
	m.Latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
