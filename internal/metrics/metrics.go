package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orderpilot"

var (
	once sync.Once

	CandlesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "candles_total",
			Help:      "Candles seen by the pipeline, by outcome",
		},
		[]string{"symbol", "outcome"},
	)

	RegimeChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "regime_changes_total",
			Help:      "Adopted regime changes",
		},
		[]string{"symbol", "regime"},
	)

	Signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "evaluations_total",
			Help:      "Entry scorer outcomes (emitted or skip reason)",
		},
		[]string{"symbol", "outcome"},
	)

	ValidationDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "decisions_total",
			Help:      "Validation results by action and tier",
		},
		[]string{"action", "tier"},
	)

	ValidationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "errors_total",
			Help:      "Validation failures by kind",
		},
		[]string{"kind"},
	)

	ValidationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "latency_seconds",
			Help:      "Advisor latency (quick, or quick+deep)",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"tier"},
	)

	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      "transitions_total",
			Help:      "State machine transitions",
		},
		[]string{"symbol", "from", "to"},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      "orders_total",
			Help:      "Orders by intent and outcome",
		},
		[]string{"symbol", "intent", "outcome"},
	)

	KillSwitch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "kill_switch_active",
			Help:      "1 when the kill switch is set",
		},
	)

	DayPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "day_pnl",
			Help:      "Realized plus unrealized P&L for the current UTC day",
		},
	)
)

// Register 幂等，重复调用安全。
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			CandlesTotal, RegimeChanges, Signals,
			ValidationDecisions, ValidationErrors, ValidationLatency,
			Transitions, Orders, KillSwitch, DayPnL,
		)
	})
}

// Handler 暴露默认 registry。
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

func ObserveValidation(action, tier string, latencyMs int64) {
	ValidationDecisions.WithLabelValues(action, tier).Inc()
	ValidationLatency.WithLabelValues(tier).Observe(float64(latencyMs) / 1000)
}

func SetKillSwitch(active bool) {
	if active {
		KillSwitch.Set(1)
		return
	}
	KillSwitch.Set(0)
}
