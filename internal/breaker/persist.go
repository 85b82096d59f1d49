package breaker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/phpprof/telemetry-relay/internal/logging"
)

// persistLocked writes the current state document atomically (temp file +
// fsync + rename). Persistence failures are logged, never surfaced: the
// breaker keeps working from memory.
func (b *Breaker) persistLocked() {
	if b.statePath == "" {
		return
	}
	doc := Snapshot{
		State:           State(b.state.Load()).String(),
		FailureCount:    b.consecutiveFailures,
		LastStateChange: b.lastTransition,
	}
	if err := atomicWriteJSON(b.statePath, doc); err != nil {
		persistErrorsTotal.Inc()
		logging.Error("failed to persist circuit breaker state", logging.F(
			"path", b.statePath,
			"error", err.Error(),
		))
	}
}

// restore loads the persisted state document. Any read or parse problem is
// treated as a fresh CLOSED state with a warning.
func (b *Breaker) restore() {
	if b.statePath == "" {
		return
	}
	data, err := os.ReadFile(b.statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn("unreadable circuit breaker state file, starting closed", logging.F(
				"path", b.statePath,
				"error", err.Error(),
			))
		}
		return
	}

	var doc Snapshot
	if err := json.Unmarshal(data, &doc); err != nil {
		logging.Warn("corrupt circuit breaker state file, starting closed", logging.F(
			"path", b.statePath,
			"error", err.Error(),
		))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = doc.FailureCount
	if !doc.LastStateChange.IsZero() {
		b.lastTransition = doc.LastStateChange
	}

	switch doc.State {
	case StateOpen.String():
		if time.Since(b.lastTransition) >= b.resetTimeout {
			// The process was down longer than the cool-down window.
			// Resume half-open: the next call is a trial, not a flood.
			b.state.Store(int32(StateHalfOpen))
			b.lastTransition = time.Now()
			b.persistLocked()
			logging.Info("restored stale open circuit breaker as half-open", logging.F(
				"failure_count", doc.FailureCount,
			))
		} else {
			b.state.Store(int32(StateOpen))
			logging.Info("restored open circuit breaker", logging.F(
				"failure_count", doc.FailureCount,
				"remaining_cooldown", (b.resetTimeout - time.Since(b.lastTransition)).String(),
			))
		}
	case StateHalfOpen.String():
		b.state.Store(int32(StateHalfOpen))
	default:
		b.state.Store(int32(StateClosed))
	}
}

// atomicWriteJSON writes data to a temp file in the target directory,
// fsyncs it and renames it over the target path.
func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".breaker-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename to target: %w", err)
	}
	return nil
}
