// Package metrics exposes prometheus collectors for monitoring passes and order actions.
// All methods are nil-safe so components can run without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	passes       *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
	orders       *prometheus.CounterVec
	active       *prometheus.GaugeVec
	circuitWaits prometheus.Gauge
	forcedExits  *prometheus.CounterVec
	manual       *prometheus.CounterVec
}

// New builds the collectors and registers them on reg (prometheus.DefaultRegisterer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		passes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neotrader_passes_total",
				Help: "Monitoring passes by component and result",
			},
			[]string{"component", "result"},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "neotrader_pass_duration_seconds",
				Help:    "Monitoring pass latency",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"component"},
		),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neotrader_order_actions_total",
				Help: "Broker order actions by kind and outcome",
			},
			[]string{"action", "result"},
		),
		active: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "neotrader_active_orders",
				Help: "Orders currently tracked by side",
			},
			[]string{"side"},
		),
		circuitWaits: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "neotrader_circuit_waits",
				Help: "Sell orders parked after a circuit-limit rejection",
			},
		),
		forcedExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neotrader_forced_exits_total",
				Help: "RSI forced-exit conversions by status",
			},
			[]string{"status"},
		),
		manual: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neotrader_manual_activity_total",
				Help: "Manual trades or edits detected, by kind",
			},
			[]string{"kind"},
		),
	}
	reg.MustRegister(m.passes, m.passDuration, m.orders, m.active, m.circuitWaits, m.forcedExits, m.manual)
	return m
}

func (m *Metrics) ObservePass(component string, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.passes.WithLabelValues(component, result).Inc()
	m.passDuration.WithLabelValues(component).Observe(took.Seconds())
}

// OrderAction counts place/modify/cancel/replace calls.
func (m *Metrics) OrderAction(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.orders.WithLabelValues(action, result).Inc()
}

func (m *Metrics) SetActive(side string, n int) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(side).Set(float64(n))
}

func (m *Metrics) SetCircuitWaits(n int) {
	if m == nil {
		return
	}
	m.circuitWaits.Set(float64(n))
}

func (m *Metrics) ForcedExit(status string) {
	if m == nil {
		return
	}
	m.forcedExits.WithLabelValues(status).Inc()
}

func (m *Metrics) Manual(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.manual.WithLabelValues(kind).Add(float64(n))
}
