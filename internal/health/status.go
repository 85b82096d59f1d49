package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/phpprof/telemetry-relay/internal/breaker"
	"github.com/phpprof/telemetry-relay/internal/buffer"
	"github.com/phpprof/telemetry-relay/internal/logging"
	"github.com/phpprof/telemetry-relay/internal/replay"
)

// StatusSources provides the live views the /status endpoint reports.
type StatusSources struct {
	Breaker func() breaker.Snapshot
	Buffer  func() buffer.Stats
	Replay  func() replay.Status
}

// StatusResponse is the JSON body of the /status endpoint: one place to
// see why records are (or are not) flowing.
type StatusResponse struct {
	Circuit   breaker.Snapshot `json:"circuit"`
	Buffer    buffer.Stats     `json:"buffer"`
	Replay    replay.Status    `json:"replay"`
	LastError *ErrorRecord     `json:"last_error,omitempty"`
	Timestamp string           `json:"timestamp"`
}

// ErrorRecord is the most recent error-level log line.
type ErrorRecord struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ErrorTracker captures the latest error-level log entry through a
// logging hook, so operators see the most recent failure on /status
// without scraping logs.
type ErrorTracker struct {
	mu   sync.Mutex
	last *ErrorRecord
}

// Hook returns a logging hook that records error and fatal entries.
func (t *ErrorTracker) Hook() logging.Hook {
	return func(level logging.Level, msg string, attrs map[string]interface{}) {
		if level != logging.LevelError && level != logging.LevelFatal {
			return
		}
		t.mu.Lock()
		t.last = &ErrorRecord{Message: msg, At: time.Now().UTC()}
		t.mu.Unlock()
	}
}

// Last returns the most recent error record, or nil.
func (t *ErrorTracker) Last() *ErrorRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// StatusHandler serves /status with the relay's operational state.
func StatusHandler(src StatusSources, tracker *ErrorTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Circuit:   src.Breaker(),
			Buffer:    src.Buffer(),
			Replay:    src.Replay(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if tracker != nil {
			resp.LastError = tracker.Last()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
