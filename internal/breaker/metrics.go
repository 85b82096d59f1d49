package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_relay_circuit_breaker_state",
		Help: "Current circuit breaker state (1 = active state): closed, open, half_open",
	}, []string{"state"})

	openTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_relay_circuit_breaker_open_total",
		Help: "Total number of times the circuit breaker opened",
	})

	rejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_relay_circuit_breaker_rejected_total",
		Help: "Total number of calls rejected by the circuit breaker",
	})

	persistErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_relay_circuit_breaker_persist_errors_total",
		Help: "Total number of state persistence failures",
	})
)

func init() {
	prometheus.MustRegister(stateGauge)
	prometheus.MustRegister(openTotal)
	prometheus.MustRegister(rejectedTotal)
	prometheus.MustRegister(persistErrorsTotal)

	openTotal.Add(0)
	rejectedTotal.Add(0)
	persistErrorsTotal.Add(0)
	stateGauge.WithLabelValues("closed").Set(1)
	stateGauge.WithLabelValues("open").Set(0)
	stateGauge.WithLabelValues("half_open").Set(0)
}

// setStateMetric marks the given state as active on the state gauge.
func setStateMetric(s State) {
	stateGauge.WithLabelValues("closed").Set(0)
	stateGauge.WithLabelValues("open").Set(0)
	stateGauge.WithLabelValues("half_open").Set(0)
	stateGauge.WithLabelValues(s.String()).Set(1)
}
