package replay

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	runsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_relay_replay_runs_total",
		Help: "Total number of replay runs started",
	})

	processedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_relay_replay_processed_total",
		Help: "Total number of entries delivered by replay runs",
	})

	interruptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_relay_replay_interrupted_total",
		Help: "Total number of replay runs that aborted before draining the buffer",
	})
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(processedTotal)
	prometheus.MustRegister(interruptedTotal)

	runsTotal.Add(0)
	processedTotal.Add(0)
	interruptedTotal.Add(0)
}
