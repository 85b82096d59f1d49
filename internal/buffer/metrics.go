package buffer

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	enqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_relay_buffer_enqueued_total",
		Help: "Total number of records enqueued into the buffer",
	})

	acknowledgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_relay_buffer_acknowledged_total",
		Help: "Total number of entries removed after confirmed delivery",
	})

	evictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_relay_buffer_evicted_total",
		Help: "Total number of entries evicted oldest-first under the byte ceiling",
	})

	droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_relay_buffer_dropped_total",
		Help: "Total number of entries dropped by reason",
	}, []string{"reason"})

	diskWriteErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_relay_buffer_disk_write_errors_total",
		Help: "Total number of failed segment writes",
	})

	segmentsFlushedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_relay_buffer_segments_flushed_total",
		Help: "Total number of memory tiers flushed to disk segments",
	})

	segmentsRecoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_relay_buffer_segments_recovered_total",
		Help: "Total number of disk segments recovered at startup",
	})

	segmentsRemovedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_relay_buffer_segments_removed_total",
		Help: "Total number of fully acknowledged segments deleted",
	})

	memoryEntriesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_relay_buffer_memory_entries",
		Help: "Current number of entries in the memory tier",
	})

	diskEntriesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_relay_buffer_disk_entries",
		Help: "Current number of unacknowledged entries on disk",
	})

	diskSegmentsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_relay_buffer_disk_segments",
		Help: "Current number of disk segment files",
	})

	totalBytesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_relay_buffer_bytes",
		Help: "Current buffered bytes across memory and disk tiers",
	})
)

func init() {
	prometheus.MustRegister(enqueuedTotal)
	prometheus.MustRegister(acknowledgedTotal)
	prometheus.MustRegister(evictedTotal)
	prometheus.MustRegister(droppedTotal)
	prometheus.MustRegister(diskWriteErrorsTotal)
	prometheus.MustRegister(segmentsFlushedTotal)
	prometheus.MustRegister(segmentsRecoveredTotal)
	prometheus.MustRegister(segmentsRemovedTotal)
	prometheus.MustRegister(memoryEntriesGauge)
	prometheus.MustRegister(diskEntriesGauge)
	prometheus.MustRegister(diskSegmentsGauge)
	prometheus.MustRegister(totalBytesGauge)

	enqueuedTotal.Add(0)
	acknowledgedTotal.Add(0)
	evictedTotal.Add(0)
	diskWriteErrorsTotal.Add(0)
	segmentsFlushedTotal.Add(0)
	segmentsRecoveredTotal.Add(0)
	segmentsRemovedTotal.Add(0)
	memoryEntriesGauge.Set(0)
	diskEntriesGauge.Set(0)
	diskSegmentsGauge.Set(0)
	totalBytesGauge.Set(0)

	droppedTotal.WithLabelValues("disk_write_failed").Add(0)
}
