package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/phpprof/telemetry-relay/internal/logging"
)

// State represents the circuit breaker state.
type State int32

const (
	// StateClosed means the sink is considered healthy and calls are allowed.
	StateClosed State = iota
	// StateOpen means calls are rejected without attempting I/O.
	StateOpen
	// StateHalfOpen means exactly one trial call is allowed.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time view of the breaker, used by the status
// endpoint and by the persisted state document.
type Snapshot struct {
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastStateChange time.Time `json:"last_state_change"`
}

// Config holds the circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// ResetTimeout is the time to wait in OPEN before allowing a trial call.
	ResetTimeout time.Duration
	// StatePath is the file the breaker state is persisted to. Empty
	// disables persistence.
	StatePath string
}

// Breaker implements the circuit breaker pattern for the relay's sink.
// State transitions are persisted so a restart does not forget that the
// sink was down. Thread-safe for concurrent use.
type Breaker struct {
	failureThreshold int
	resetTimeout     time.Duration
	statePath        string

	mu                  sync.Mutex
	state               atomic.Int32 // State
	consecutiveFailures int
	lastTransition      time.Time
	halfOpenProbe       atomic.Int32 // 1 if a trial call is in flight

	onTransition func(from, to State)
}

// New creates a breaker and restores persisted state from cfg.StatePath.
// A missing or corrupt state file yields a fresh CLOSED breaker; a persisted
// OPEN state whose cool-down already elapsed resumes as HALF_OPEN so the
// first call after a long downtime is a trial, not a flood.
func New(cfg Config) *Breaker {
	b := &Breaker{
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
		statePath:        cfg.StatePath,
		lastTransition:   time.Now(),
	}
	b.state.Store(int32(StateClosed))
	b.restore()
	setStateMetric(b.State())
	return b
}

// OnTransition sets an optional callback invoked on every state change.
// The callback runs with the breaker lock held and must not call back
// into the breaker synchronously.
func (b *Breaker) OnTransition(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// State returns the current state.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:           State(b.state.Load()).String(),
		FailureCount:    b.consecutiveFailures,
		LastStateChange: b.lastTransition,
	}
}

// ReadyForTrial reports whether an OPEN breaker's cool-down has elapsed,
// meaning the next Allow call will admit a single trial.
func (b *Breaker) ReadyForTrial() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State(b.state.Load()) == StateOpen && time.Since(b.lastTransition) >= b.resetTimeout
}

// Allow reports whether a call to the sink should proceed.
// In OPEN state it transitions to HALF_OPEN once the reset timeout has
// elapsed; the winning caller becomes the single trial call.
func (b *Breaker) Allow() bool {
	switch State(b.state.Load()) {
	case StateClosed:
		return true
	case StateOpen:
		b.mu.Lock()
		defer b.mu.Unlock()
		// Re-check under lock: another goroutine may have transitioned.
		if s := State(b.state.Load()); s != StateOpen {
			if s == StateClosed {
				return true
			}
			return b.halfOpenProbe.CompareAndSwap(0, 1)
		}
		if time.Since(b.lastTransition) >= b.resetTimeout {
			b.transition(StateHalfOpen)
			b.halfOpenProbe.Store(1) // this caller is the trial
			return true
		}
		rejectedTotal.Inc()
		return false
	case StateHalfOpen:
		// Only one trial call at a time; everyone else stays buffered.
		if b.halfOpenProbe.CompareAndSwap(0, 1) {
			return true
		}
		rejectedTotal.Inc()
		return false
	default:
		return true
	}
}

// RecordSuccess records a successful sink call. Resets the failure count
// and closes the circuit if it was half-open.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.halfOpenProbe.Store(0)
	if State(b.state.Load()) != StateClosed {
		b.transition(StateClosed)
		logging.Info("circuit breaker closed after successful call")
	}
}

// RecordFailure records a failed sink call. Opens the circuit after the
// configured number of consecutive failures, or immediately when a trial
// call fails in half-open state.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	b.halfOpenProbe.Store(0)

	switch State(b.state.Load()) {
	case StateHalfOpen:
		// Trial failed, restart the full cool-down window.
		b.transition(StateOpen)
		openTotal.Inc()
		logging.Warn("circuit breaker reopened after trial failure", logging.F(
			"consecutive_failures", b.consecutiveFailures,
			"reset_timeout", b.resetTimeout.String(),
		))
	case StateClosed:
		if b.consecutiveFailures >= b.failureThreshold {
			b.transition(StateOpen)
			openTotal.Inc()
			logging.Warn("circuit breaker opened", logging.F(
				"consecutive_failures", b.consecutiveFailures,
				"threshold", b.failureThreshold,
				"reset_timeout", b.resetTimeout.String(),
			))
		}
	}
}

// transition changes the state, persists it and notifies the observer.
// Must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := State(b.state.Load())
	b.state.Store(int32(to))
	b.lastTransition = time.Now()
	setStateMetric(to)
	b.persistLocked()
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}
