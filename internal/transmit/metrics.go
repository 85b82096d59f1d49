package transmit

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_relay_sends_total",
		Help: "Total number of records successfully delivered to the sink",
	})

	sendErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_relay_send_errors_total",
		Help: "Total number of failed sink calls by error type",
	}, []string{"error_type"})

	sendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "telemetry_relay_send_duration_seconds",
		Help:    "Latency of sink calls",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(sendsTotal)
	prometheus.MustRegister(sendErrorsTotal)
	prometheus.MustRegister(sendDuration)

	sendsTotal.Add(0)
	sendErrorsTotal.WithLabelValues("network").Add(0)
	sendErrorsTotal.WithLabelValues("timeout").Add(0)
	sendErrorsTotal.WithLabelValues("server_error").Add(0)
	sendErrorsTotal.WithLabelValues("client_error").Add(0)
	sendErrorsTotal.WithLabelValues("auth").Add(0)
	sendErrorsTotal.WithLabelValues("rate_limit").Add(0)
	sendErrorsTotal.WithLabelValues("unknown").Add(0)
}
