package relay

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestRelayShutdownLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newRig(t, t.TempDir(), time.Minute, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go r.relay.Start(ctx)

	for i := 0; i < 20; i++ {
		r.relay.Enqueue([]byte(`{}`), "")
	}
	waitFor(t, 5*time.Second, func() bool {
		return len(r.sink.deliveredIDs()) == 20
	}, "records never delivered")

	cancel()
	r.relay.Wait()
}
