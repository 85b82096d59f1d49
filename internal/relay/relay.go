package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/phpprof/telemetry-relay/internal/breaker"
	"github.com/phpprof/telemetry-relay/internal/buffer"
	"github.com/phpprof/telemetry-relay/internal/logging"
	"github.com/phpprof/telemetry-relay/internal/replay"
	"github.com/phpprof/telemetry-relay/internal/transmit"
)

// Config holds the relay loop configuration.
type Config struct {
	// FlushInterval is the periodic drain trigger.
	FlushInterval time.Duration
	// BatchSize caps how many entries one flush cycle attempts.
	BatchSize int
	// EagerThreshold enables an immediate send attempt after enqueue
	// while buffer occupancy is at or below this count.
	EagerThreshold int
	// ShutdownGrace bounds the final memory-tier flush on shutdown.
	ShutdownGrace time.Duration
}

// Relay ties the durable buffer, circuit breaker, transmitter and replay
// coordinator together. Producers call Enqueue and never learn about sink
// trouble; the background loop owns all delivery.
type Relay struct {
	cfg     Config
	buf     *buffer.DurableBuffer
	breaker *breaker.Breaker
	tx      *transmit.Transmitter
	replay  *replay.Coordinator

	flushChan   chan struct{}
	recoverChan chan struct{}
	doneChan    chan struct{}
}

// New creates a relay around already-constructed components. The breaker
// and buffer are passed in, not reached through package state, so exactly
// one relay owns a given buffer directory and state file.
func New(buf *buffer.DurableBuffer, b *breaker.Breaker, tx *transmit.Transmitter, rc *replay.Coordinator, cfg Config) *Relay {
	return &Relay{
		cfg:         cfg,
		buf:         buf,
		breaker:     b,
		tx:          tx,
		replay:      rc,
		flushChan:   make(chan struct{}, 1),
		recoverChan: make(chan struct{}, 1),
		doneChan:    make(chan struct{}),
	}
}

// Enqueue accepts one serialized telemetry payload. It is fire-and-forget:
// there is no error return, no blocking on the sink, and a missing
// correlation id is filled in so the record stays traceable.
func (r *Relay) Enqueue(payload []byte, correlationID string) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	r.buf.Enqueue(buffer.Record{
		Payload:       json.RawMessage(payload),
		CorrelationID: correlationID,
	})

	if r.cfg.EagerThreshold > 0 && r.buf.Len() <= r.cfg.EagerThreshold {
		select {
		case r.flushChan <- struct{}{}:
			eagerFlushTotal.Inc()
		default:
		}
	}
}

// Start runs the relay loop until ctx is cancelled. The loop is the single
// logical writer of the buffer: periodic ticks and eager triggers funnel
// into the same drain path, and replay runs are kept exclusive with it.
func (r *Relay) Start(ctx context.Context) {
	// A breaker close means the sink recovered: schedule a backlog drain.
	// The replay itself runs on this loop so flush cycles and replays
	// never interleave.
	r.breaker.OnTransition(func(from, to breaker.State) {
		if to == breaker.StateClosed && from != breaker.StateClosed {
			select {
			case r.recoverChan <- struct{}{}:
			default:
			}
		}
	})

	// Records left on disk by the previous process go out first.
	if r.buf.HasDiskBacklog() {
		r.recoverChan <- struct{}{}
	}

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			close(r.doneChan)
			return
		case <-r.recoverChan:
			r.replay.Run(ctx)
		case <-ticker.C:
			r.flushCycle(ctx)
		case <-r.flushChan:
			r.flushCycle(ctx)
		}
	}
}

// Wait blocks until the relay loop has finished its shutdown flush.
func (r *Relay) Wait() {
	<-r.doneChan
}

// flushCycle attempts one FIFO batch through the transmitter. The first
// failure halts the cycle; failed and unsent entries stay buffered.
func (r *Relay) flushCycle(ctx context.Context) {
	if !r.tx.Available() {
		return
	}

	batch := r.buf.Drain(r.cfg.BatchSize)
	if len(batch) == 0 {
		return
	}
	flushCyclesTotal.Inc()

	acked := make([]uint64, 0, len(batch))
	for _, e := range batch {
		if !r.tx.TrySend(ctx, e) {
			break
		}
		acked = append(acked, e.Seq)
	}
	r.buf.Acknowledge(acked)
}

// shutdown performs one best-effort flush of the memory tier to disk so a
// restart can replay it. The disk tier is already durable.
func (r *Relay) shutdown() {
	done := make(chan struct{})
	go func() {
		r.buf.FlushToDisk()
		close(done)
	}()
	select {
	case <-done:
		logging.Info("relay shutdown flush complete", logging.F(
			"disk_entries", r.buf.Stats().DiskEntries,
		))
	case <-time.After(r.cfg.ShutdownGrace):
		logging.Error("relay shutdown flush timed out", logging.F(
			"grace", r.cfg.ShutdownGrace.String(),
		))
	}
}
