package replay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phpprof/telemetry-relay/internal/buffer"
	"github.com/phpprof/telemetry-relay/internal/logging"
	"github.com/phpprof/telemetry-relay/internal/transmit"
)

// Status describes the most recent replay run for health reporting.
type Status struct {
	IsReplaying bool   `json:"is_replaying"`
	Processed   uint64 `json:"processed"`
	Errors      uint64 `json:"errors"`
	Interrupted bool   `json:"interrupted"`
}

// Coordinator drains the durable buffer in FIFO batches through the
// transmitter once the circuit breaker signals recovery (or when a disk
// backlog is found at startup). At most one replay runs at a time; a
// trigger arriving during an active replay is a no-op.
type Coordinator struct {
	buf       *buffer.DurableBuffer
	tx        *transmit.Transmitter
	batchSize int
	pause     time.Duration

	running atomic.Bool

	mu          sync.Mutex
	processed   uint64
	errors      uint64
	interrupted bool
}

// New creates a replay coordinator.
func New(buf *buffer.DurableBuffer, tx *transmit.Transmitter, batchSize int, pause time.Duration) *Coordinator {
	return &Coordinator{
		buf:       buf,
		tx:        tx,
		batchSize: batchSize,
		pause:     pause,
	}
}

// Run executes one replay to completion. It returns false without doing
// anything when a replay is already in flight, so duplicate recovery
// signals are no-ops.
func (c *Coordinator) Run(ctx context.Context) bool {
	if !c.running.CompareAndSwap(false, true) {
		return false
	}
	defer c.running.Store(false)
	c.run(ctx)
	return true
}

// Status returns the state of the current or most recent replay run.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		IsReplaying: c.running.Load(),
		Processed:   c.processed,
		Errors:      c.errors,
		Interrupted: c.interrupted,
	}
}

func (c *Coordinator) run(ctx context.Context) {
	c.mu.Lock()
	c.processed = 0
	c.errors = 0
	c.interrupted = false
	c.mu.Unlock()

	runsTotal.Inc()
	start := time.Now()
	logging.Info("replay started", logging.F("backlog", c.buf.Len()))

	for {
		select {
		case <-ctx.Done():
			c.abort("shutdown")
			return
		default:
		}
		if !c.tx.Available() {
			c.abort("circuit open")
			return
		}

		batch := c.buf.Drain(c.batchSize)
		if len(batch) == 0 {
			break
		}

		acked := make([]uint64, 0, len(batch))
		stopped := false
		for _, e := range batch {
			if !c.tx.TrySend(ctx, e) {
				// Fail fast: the rest of the cycle would hammer a
				// sink that just refused us. Remaining records stay
				// buffered for the next recovery.
				c.mu.Lock()
				c.errors++
				c.mu.Unlock()
				stopped = true
				break
			}
			acked = append(acked, e.Seq)
			c.mu.Lock()
			c.processed++
			c.mu.Unlock()
			processedTotal.Inc()
		}
		c.buf.Acknowledge(acked)

		if stopped {
			c.abort("send failure")
			return
		}

		// Brief pause between batches so a freshly recovered sink is
		// not flooded with the whole backlog at once.
		select {
		case <-ctx.Done():
			c.abort("shutdown")
			return
		case <-time.After(c.pause):
		}
	}

	c.mu.Lock()
	processed := c.processed
	c.mu.Unlock()
	logging.Info("replay finished", logging.F(
		"processed", processed,
		"duration", time.Since(start).String(),
	))
}

func (c *Coordinator) abort(reason string) {
	c.mu.Lock()
	c.interrupted = true
	processed, errors := c.processed, c.errors
	c.mu.Unlock()
	interruptedTotal.Inc()
	logging.Warn("replay interrupted", logging.F(
		"reason", reason,
		"processed", processed,
		"errors", errors,
		"remaining", c.buf.Len(),
	))
}
