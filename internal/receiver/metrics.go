package receiver

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_relay_ingest_requests_total",
		Help: "Total number of ingest HTTP requests",
	})

	requestErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_relay_ingest_request_errors_total",
		Help: "Total number of ingest requests rejected before parsing records",
	})

	recordsAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_relay_ingest_records_accepted_total",
		Help: "Total number of records accepted into the buffer",
	})

	recordsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_relay_ingest_records_rejected_total",
		Help: "Total number of malformed records skipped during ingest",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(requestErrorsTotal)
	prometheus.MustRegister(recordsAcceptedTotal)
	prometheus.MustRegister(recordsRejectedTotal)

	requestsTotal.Add(0)
	requestErrorsTotal.Add(0)
	recordsAcceptedTotal.Add(0)
	recordsRejectedTotal.Add(0)
}
