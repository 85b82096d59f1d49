package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	flushCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_relay_flush_cycles_total",
		Help: "Total number of non-empty flush cycles",
	})

	eagerFlushTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_relay_eager_flush_total",
		Help: "Total number of eager flush triggers fired after enqueue",
	})
)

func init() {
	prometheus.MustRegister(flushCyclesTotal)
	prometheus.MustRegister(eagerFlushTotal)

	flushCyclesTotal.Add(0)
	eagerFlushTotal.Add(0)
}
