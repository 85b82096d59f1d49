package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/phpprof/telemetry-relay/internal/breaker"
	"github.com/phpprof/telemetry-relay/internal/buffer"
	"github.com/phpprof/telemetry-relay/internal/replay"
	"github.com/phpprof/telemetry-relay/internal/transmit"
)

// testSink is a controllable in-memory sink.
type testSink struct {
	mu        sync.Mutex
	failing   bool
	delivered []string
}

func (s *testSink) Send(_ context.Context, rec buffer.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return fmt.Errorf("sink unavailable")
	}
	s.delivered = append(s.delivered, rec.CorrelationID)
	return nil
}

func (s *testSink) Close() error { return nil }

func (s *testSink) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *testSink) deliveredIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.delivered))
	copy(out, s.delivered)
	return out
}

type rig struct {
	sink  *testSink
	buf   *buffer.DurableBuffer
	brk   *breaker.Breaker
	relay *Relay
}

func newRig(t *testing.T, dir string, resetTimeout, flushInterval time.Duration) *rig {
	t.Helper()
	sink := &testSink{}
	buf, err := buffer.Open(buffer.Config{Dir: dir, MemoryCapacity: 100})
	if err != nil {
		t.Fatal(err)
	}
	brk := breaker.New(breaker.Config{
		FailureThreshold: 3,
		ResetTimeout:     resetTimeout,
		StatePath:        filepath.Join(t.TempDir(), "breaker.json"),
	})
	tx := transmit.New(sink, brk, time.Second)
	rc := replay.New(buf, tx, 100, time.Millisecond)
	rl := New(buf, brk, tx, rc, Config{
		FlushInterval:  flushInterval,
		BatchSize:      100,
		EagerThreshold: 10,
		ShutdownGrace:  time.Second,
	})
	return &rig{sink: sink, buf: buf, brk: brk, relay: rl}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSinkOutageBuffersThenRecoveryDrains(t *testing.T) {
	r := newRig(t, t.TempDir(), 50*time.Millisecond, 5*time.Millisecond)
	r.sink.setFailing(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.relay.Start(ctx)

	for i := 0; i < 3; i++ {
		r.relay.Enqueue([]byte(fmt.Sprintf(`{"n":%d}`, i)), fmt.Sprintf("req-%d", i))
	}

	// Flush cycles hammer the dead sink until the breaker opens; nothing
	// is lost in the meantime.
	waitFor(t, 5*time.Second, func() bool {
		return r.brk.State() == breaker.StateOpen
	}, "breaker never opened")
	if got := r.buf.Len(); got != 3 {
		t.Fatalf("expected 3 buffered records, got %d", got)
	}
	if len(r.sink.deliveredIDs()) != 0 {
		t.Fatal("records delivered while sink was down")
	}

	// Sink comes back: cool-down elapses, the trial call succeeds, the
	// breaker closes and the backlog replays in order.
	r.sink.setFailing(false)
	waitFor(t, 5*time.Second, func() bool {
		return r.buf.Len() == 0 && len(r.sink.deliveredIDs()) == 3
	}, "backlog never drained after recovery")

	ids := r.sink.deliveredIDs()
	for i, id := range ids {
		if id != fmt.Sprintf("req-%d", i) {
			t.Fatalf("delivery %d out of order: %s", i, id)
		}
	}
	if r.brk.State() != breaker.StateClosed {
		t.Errorf("breaker not closed after recovery: %s", r.brk.State())
	}

	cancel()
	r.relay.Wait()
}

func TestDeliveryPreservesEnqueueOrder(t *testing.T) {
	r := newRig(t, t.TempDir(), time.Minute, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.relay.Start(ctx)

	const n = 40
	for i := 0; i < n; i++ {
		r.relay.Enqueue([]byte(`{}`), fmt.Sprintf("req-%d", i))
	}

	waitFor(t, 5*time.Second, func() bool {
		return len(r.sink.deliveredIDs()) == n
	}, "records never delivered")

	for i, id := range r.sink.deliveredIDs() {
		if id != fmt.Sprintf("req-%d", i) {
			t.Fatalf("delivery %d out of order: %s", i, id)
		}
	}

	cancel()
	r.relay.Wait()
}

func TestEnqueueFillsMissingCorrelationID(t *testing.T) {
	r := newRig(t, t.TempDir(), time.Minute, time.Hour)

	r.relay.Enqueue([]byte(`{}`), "")
	entries := r.buf.Drain(1)
	if len(entries) != 1 {
		t.Fatal("record not buffered")
	}
	if entries[0].Record.CorrelationID == "" {
		t.Error("correlation id not filled in")
	}
}

func TestEnqueueStaysFastWhileSinkDown(t *testing.T) {
	r := newRig(t, t.TempDir(), time.Minute, 5*time.Millisecond)
	r.sink.setFailing(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.relay.Start(ctx)

	const n = 200
	start := time.Now()
	for i := 0; i < n; i++ {
		r.relay.Enqueue([]byte(`{"k":"v"}`), fmt.Sprintf("req-%d", i))
	}
	avg := time.Since(start) / n
	if avg > 5*time.Millisecond {
		t.Errorf("enqueue too slow with sink down: %v avg", avg)
	}
	if got := r.buf.Len(); got != n {
		t.Errorf("expected %d buffered, got %d", n, got)
	}

	cancel()
	r.relay.Wait()
}

func TestShutdownFlushesMemoryTierToDisk(t *testing.T) {
	dir := t.TempDir()
	r := newRig(t, dir, time.Minute, time.Hour)
	r.sink.setFailing(true)

	ctx, cancel := context.WithCancel(context.Background())
	go r.relay.Start(ctx)

	for i := 0; i < 5; i++ {
		r.relay.Enqueue([]byte(`{}`), fmt.Sprintf("req-%d", i))
	}
	cancel()
	r.relay.Wait()

	// A fresh buffer over the same directory sees the flushed records.
	reopened, err := buffer.Open(buffer.Config{Dir: dir, MemoryCapacity: 100})
	if err != nil {
		t.Fatal(err)
	}
	if got := reopened.Len(); got != 5 {
		t.Errorf("expected 5 recovered records, got %d", got)
	}
}

func TestStartupDiskBacklogReplayed(t *testing.T) {
	dir := t.TempDir()

	// Simulate a previous process that buffered to disk and exited.
	prev, err := buffer.Open(buffer.Config{Dir: dir, MemoryCapacity: 100})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 7; i++ {
		prev.Enqueue(buffer.Record{
			Payload:       json.RawMessage(`{}`),
			CorrelationID: fmt.Sprintf("req-%d", i),
		})
	}
	prev.FlushToDisk()

	r := newRig(t, dir, time.Minute, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.relay.Start(ctx)

	waitFor(t, 5*time.Second, func() bool {
		return len(r.sink.deliveredIDs()) == 7
	}, "disk backlog never replayed at startup")

	for i, id := range r.sink.deliveredIDs() {
		if id != fmt.Sprintf("req-%d", i) {
			t.Fatalf("delivery %d out of order: %s", i, id)
		}
	}

	cancel()
	r.relay.Wait()
}

func TestEagerFlushSkipsTickerWait(t *testing.T) {
	// Hour-long flush interval: only the eager trigger can deliver.
	r := newRig(t, t.TempDir(), time.Minute, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.relay.Start(ctx)

	r.relay.Enqueue([]byte(`{}`), "req-0")
	waitFor(t, 2*time.Second, func() bool {
		return len(r.sink.deliveredIDs()) == 1
	}, "eager flush never delivered")

	cancel()
	r.relay.Wait()
}
