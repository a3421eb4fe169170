// Package metrics exposes the counters spec §7/§8 name explicitly
// (data_unavailable_total, duplicate_signal_total, ...), grounded on
// prometheus/client_golang usage observed in the chidi150c-coinbase example
// repo. The teacher has no metrics layer of its own; this package gives the
// ambient logging/alert stack a machine-readable counterpart.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every counter/gauge the core emits. Components receive it
// via constructor injection rather than reaching for a package-level global,
// matching the "no process-wide singletons" rule of spec §5.
type Registry struct {
	Registerer prometheus.Registerer

	DataUnavailableTotal    *prometheus.CounterVec
	DuplicateSignalTotal    *prometheus.CounterVec
	SignalsGeneratedTotal   *prometheus.CounterVec
	SignalsRejectedTotal    *prometheus.CounterVec
	PositionsOpenedTotal    *prometheus.CounterVec
	PositionsClosedTotal    *prometheus.CounterVec
	PartialExitFailureTotal *prometheus.CounterVec
	CircuitBreakerOpenTotal *prometheus.CounterVec
	BrokerCallDuration      *prometheus.HistogramVec
	RunnerIterationDuration *prometheus.HistogramVec
	OpenPositionsGauge      prometheus.Gauge
}

// New constructs and registers every metric against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		Registerer: reg,
		DataUnavailableTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_data_unavailable_total",
			Help: "DataAssembler refusals to invoke a strategy, by symbol.",
		}, []string{"symbol"}),
		DuplicateSignalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_duplicate_signal_total",
			Help: "Signals suppressed by SignalManager as duplicates, by strategy.",
		}, []string{"strategy", "symbol"}),
		SignalsGeneratedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_signals_generated_total",
			Help: "Signals accepted and persisted by SignalManager.",
		}, []string{"strategy", "symbol", "action"}),
		SignalsRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_signals_rejected_total",
			Help: "Signals rejected by Executor's validation gate, by reason.",
		}, []string{"reason"}),
		PositionsOpenedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_positions_opened_total",
			Help: "Positions opened, by mode.",
		}, []string{"mode"}),
		PositionsClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_positions_closed_total",
			Help: "Positions closed, by exit reason.",
		}, []string{"exit_reason"}),
		PartialExitFailureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_partial_exit_failure_total",
			Help: "LIVE exit orders that failed after retry, leaving a position OPEN with warning_flag.",
		}, []string{"symbol"}),
		CircuitBreakerOpenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_circuit_breaker_open_total",
			Help: "Circuit breaker state transitions into the open state, by breaker name.",
		}, []string{"name"}),
		BrokerCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trading_broker_call_duration_seconds",
			Help:    "BrokerClient call latency, by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		RunnerIterationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trading_runner_iteration_duration_seconds",
			Help:    "Wall-clock duration of one Runner loop iteration, by asset class.",
			Buckets: prometheus.DefBuckets,
		}, []string{"asset_class"}),
		OpenPositionsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trading_open_positions",
			Help: "Current count of OPEN positions across all modes.",
		}),
	}

	reg.MustRegister(
		m.DataUnavailableTotal,
		m.DuplicateSignalTotal,
		m.SignalsGeneratedTotal,
		m.SignalsRejectedTotal,
		m.PositionsOpenedTotal,
		m.PositionsClosedTotal,
		m.PartialExitFailureTotal,
		m.CircuitBreakerOpenTotal,
		m.BrokerCallDuration,
		m.RunnerIterationDuration,
		m.OpenPositionsGauge,
	)

	return m
}
