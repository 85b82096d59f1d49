package transmit

import (
	"context"
	"time"

	"github.com/phpprof/telemetry-relay/internal/breaker"
	"github.com/phpprof/telemetry-relay/internal/buffer"
	"github.com/phpprof/telemetry-relay/internal/logging"
)

// Transmitter performs circuit-breaker-gated, bounded-timeout sink calls.
// It is the single funnel every send attempt goes through, whether it
// comes from the periodic flush, the eager post-enqueue attempt, or a
// replay after recovery.
type Transmitter struct {
	sink    Sink
	breaker *breaker.Breaker
	timeout time.Duration
}

// New creates a Transmitter.
func New(sink Sink, b *breaker.Breaker, timeout time.Duration) *Transmitter {
	return &Transmitter{sink: sink, breaker: b, timeout: timeout}
}

// Available reports whether the breaker would admit a call right now,
// without consuming a half-open trial slot. An OPEN breaker whose
// cool-down has elapsed counts as available: the next TrySend becomes
// the trial call.
func (t *Transmitter) Available() bool {
	return t.breaker.State() != breaker.StateOpen || t.breaker.ReadyForTrial()
}

// TrySend attempts to deliver one entry. When the breaker is open the
// call returns false immediately without touching the network. The sink
// call is bounded by the configured send timeout; its outcome is recorded
// back into the breaker.
func (t *Transmitter) TrySend(ctx context.Context, e *buffer.Entry) bool {
	if !t.breaker.Allow() {
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	err := t.sink.Send(sendCtx, e.Record)
	sendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		errType := errorType(err)
		sendErrorsTotal.WithLabelValues(string(errType)).Inc()
		t.breaker.RecordFailure()
		logging.Debug("send failed", logging.F(
			"seq", e.Seq,
			"error", err.Error(),
			"error_type", string(errType),
		))
		return false
	}

	sendsTotal.Inc()
	t.breaker.RecordSuccess()
	return true
}
