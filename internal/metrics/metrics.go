// Package metrics holds the bot's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the bot updates.
type Metrics struct {
	Entries         *prometheus.CounterVec // kind
	Skips           *prometheus.CounterVec // reason
	Stops           *prometheus.CounterVec // side
	LegOrders       *prometheus.CounterVec // outcome: filled | timeout | rejected
	BrokerCalls     *prometheus.CounterVec // op, outcome
	Emergencies     *prometheus.CounterVec // classification
	Discrepancies   *prometheus.CounterVec // kind
	RealizedPnL     prometheus.Gauge
	UnrealizedPnL   prometheus.Gauge
	ROC             prometheus.Gauge
	OpenEntries     prometheus.Gauge
	BreakerOpen     prometheus.Gauge
	CriticalFlag    prometheus.Gauge
	TrendDivergence prometheus.Gauge
	CycleDuration   prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "condor_entries_total",
			Help: "Scheduled entries by resulting kind",
		}, []string{"kind"}),
		Skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "condor_entry_skips_total",
			Help: "Skipped entries by reason",
		}, []string{"reason"}),
		Stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "condor_stops_total",
			Help: "Stop-loss closes by side",
		}, []string{"side"}),
		LegOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "condor_leg_orders_total",
			Help: "Leg order attempts by outcome",
		}, []string{"outcome"}),
		BrokerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "condor_broker_calls_total",
			Help: "Broker calls by operation and outcome",
		}, []string{"op", "outcome"}),
		Emergencies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "condor_emergency_actions_total",
			Help: "Emergency handler runs by exposure classification",
		}, []string{"classification"}),
		Discrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "condor_reconcile_discrepancies_total",
			Help: "Reconciliation discrepancies by kind",
		}, []string{"kind"}),
		RealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "condor_realized_pnl_dollars",
			Help: "Realized P&L for the trading day, net of fees",
		}),
		UnrealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "condor_unrealized_pnl_dollars",
			Help: "Mark-to-market P&L of open sides",
		}),
		ROC: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "condor_roc_ratio",
			Help: "Return on deployed capital for the day",
		}),
		OpenEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "condor_open_entries",
			Help: "Entries with at least one open side",
		}),
		BreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "condor_circuit_breaker_open",
			Help: "1 while the broker circuit breaker is open",
		}),
		CriticalFlag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "condor_critical_intervention",
			Help: "1 while the critical intervention flag is set",
		}),
		TrendDivergence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "condor_trend_divergence",
			Help: "(fast EMA - slow EMA) / slow EMA",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "condor_cycle_duration_seconds",
			Help:    "Trading cycle wall time",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Entries, m.Skips, m.Stops, m.LegOrders, m.BrokerCalls, m.Emergencies, m.Discrepancies,
			m.RealizedPnL, m.UnrealizedPnL, m.ROC, m.OpenEntries, m.BreakerOpen, m.CriticalFlag,
			m.TrendDivergence, m.CycleDuration,
		)
	}
	return m
}

// ObserveBrokerCall matches the circuit breaker's OnCall hook.
func (m *Metrics) ObserveBrokerCall(op string, failed bool) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.BrokerCalls.WithLabelValues(op, outcome).Inc()
}

// SetBool sets g to 1 or 0.
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}
