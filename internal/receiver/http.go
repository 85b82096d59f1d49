package receiver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/phpprof/telemetry-relay/internal/auth"
	"github.com/phpprof/telemetry-relay/internal/logging"
	tlspkg "github.com/phpprof/telemetry-relay/internal/tls"
)

// maxBodyBytes caps a single ingest request.
const maxBodyBytes = 16 << 20

// Enqueuer accepts one serialized telemetry payload for delivery.
type Enqueuer interface {
	Enqueue(payload []byte, correlationID string)
}

// Config holds the ingest listener configuration.
type Config struct {
	Addr string
	Auth auth.ServerConfig
	TLS  tlspkg.ServerConfig
}

// Receiver accepts telemetry records over HTTP and hands them to the
// relay. Acceptance is decoupled from delivery: the handler answers 202
// as soon as records are buffered, regardless of sink health.
type Receiver struct {
	server  *http.Server
	relay   Enqueuer
	addr    string
	decoder *zstd.Decoder
	useTLS  bool
}

// ingestRecord is one item of an ingest request body.
type ingestRecord struct {
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id"`
}

// acceptedResponse is the 202 body.
type acceptedResponse struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected,omitempty"`
}

// New creates an ingest receiver.
func New(cfg Config, relay Enqueuer) (*Receiver, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	r := &Receiver{
		relay:   relay,
		addr:    cfg.Addr,
		decoder: decoder,
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/records", auth.HTTPMiddleware(cfg.Auth, http.HandlerFunc(r.handleRecords)))

	r.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tlsConfig, err := tlspkg.NewServerTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		r.server.TLSConfig = tlsConfig
		r.useTLS = true
	}

	return r, nil
}

// Handler exposes the receiver's HTTP handler for tests.
func (r *Receiver) Handler() http.Handler {
	return r.server.Handler
}

func (r *Receiver) handleRecords(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	requestsTotal.Inc()

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err != nil {
		requestErrorsTotal.Inc()
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer req.Body.Close()

	if req.Header.Get("Content-Encoding") == "zstd" {
		body, err = r.decoder.DecodeAll(body, nil)
		if err != nil {
			requestErrorsTotal.Inc()
			http.Error(w, "failed to decompress body", http.StatusBadRequest)
			return
		}
	}

	var accepted, rejected int
	switch req.Header.Get("Content-Type") {
	case "application/x-ndjson":
		accepted, rejected = r.ingestNDJSON(body)
	default:
		accepted, rejected, err = r.ingestJSON(body)
		if err != nil {
			requestErrorsTotal.Inc()
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
	}

	recordsAcceptedTotal.Add(float64(accepted))
	recordsRejectedTotal.Add(float64(rejected))
	if rejected > 0 {
		logging.Warn("ingest request contained malformed records", logging.F(
			"accepted", accepted,
			"rejected", rejected,
		))
	}

	// 202 regardless of sink health: the buffer has the records now.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(acceptedResponse{Accepted: accepted, Rejected: rejected})
}

// ingestNDJSON parses one record per line, skipping malformed lines so a
// single bad record does not reject the whole batch.
func (r *Receiver) ingestNDJSON(body []byte) (accepted, rejected int) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), maxBodyBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec ingestRecord
		if err := json.Unmarshal(line, &rec); err != nil || len(rec.Payload) == 0 {
			rejected++
			continue
		}
		r.relay.Enqueue(rec.Payload, rec.CorrelationID)
		accepted++
	}
	return accepted, rejected
}

// ingestJSON parses either a JSON array of records or a single record.
func (r *Receiver) ingestJSON(body []byte) (accepted, rejected int, err error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return 0, 0, fmt.Errorf("empty body")
	}

	var records []ingestRecord
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return 0, 0, err
		}
	} else {
		var rec ingestRecord
		if err := json.Unmarshal(trimmed, &rec); err != nil {
			return 0, 0, err
		}
		records = append(records, rec)
	}

	for _, rec := range records {
		if len(rec.Payload) == 0 {
			rejected++
			continue
		}
		r.relay.Enqueue(rec.Payload, rec.CorrelationID)
		accepted++
	}
	return accepted, rejected, nil
}

// Start starts the HTTP server and blocks until it stops.
func (r *Receiver) Start() error {
	logging.Info("ingest receiver listening", logging.F(
		"addr", r.addr,
		"tls", r.useTLS,
	))
	if r.useTLS {
		return r.server.ListenAndServeTLS("", "")
	}
	return r.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server.
func (r *Receiver) Stop(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}
