package transmit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phpprof/telemetry-relay/internal/auth"
	"github.com/phpprof/telemetry-relay/internal/breaker"
	"github.com/phpprof/telemetry-relay/internal/buffer"
)

func testEntry(payload string) *buffer.Entry {
	return &buffer.Entry{
		Seq:  1,
		Tier: buffer.TierMemory,
		Record: buffer.Record{
			Payload:       json.RawMessage(payload),
			CorrelationID: "corr-1",
			EnqueuedAt:    time.Now().UTC(),
		},
	}
}

func testBreaker(t *testing.T, threshold int, resetTimeout time.Duration) *breaker.Breaker {
	t.Helper()
	return breaker.New(breaker.Config{
		FailureThreshold: threshold,
		ResetTimeout:     resetTimeout,
		StatePath:        filepath.Join(t.TempDir(), "breaker.json"),
	})
}

func TestTrySendSuccess(t *testing.T) {
	var gotAuth, gotCorr string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCorr = r.Header.Get("X-Correlation-Id")
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		gotBody = buf[:n]
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink, err := NewHTTPSink(HTTPSinkConfig{
		Endpoint: srv.URL,
		Auth:     auth.ClientConfig{BearerToken: "secret"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	b := testBreaker(t, 5, time.Minute)
	tx := New(sink, b, 5*time.Second)

	if !tx.TrySend(context.Background(), testEntry(`{"a":1}`)) {
		t.Fatal("expected send to succeed")
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("missing bearer auth, got %q", gotAuth)
	}
	if gotCorr != "corr-1" {
		t.Errorf("missing correlation header, got %q", gotCorr)
	}
	if string(gotBody) != `{"a":1}` {
		t.Errorf("unexpected body: %s", gotBody)
	}
	if b.State() != breaker.StateClosed {
		t.Errorf("breaker left closed state: %s", b.State())
	}
}

func TestTrySendServerErrorRecordsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink, err := NewHTTPSink(HTTPSinkConfig{Endpoint: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	b := testBreaker(t, 2, time.Minute)
	tx := New(sink, b, 5*time.Second)

	if tx.TrySend(context.Background(), testEntry(`{}`)) {
		t.Fatal("expected send to fail")
	}
	if tx.TrySend(context.Background(), testEntry(`{}`)) {
		t.Fatal("expected send to fail")
	}
	if b.State() != breaker.StateOpen {
		t.Errorf("expected breaker open after threshold failures, got %s", b.State())
	}
}

func TestTrySendTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewHTTPSink(HTTPSinkConfig{Endpoint: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	b := testBreaker(t, 5, time.Minute)
	tx := New(sink, b, 50*time.Millisecond)

	start := time.Now()
	if tx.TrySend(context.Background(), testEntry(`{}`)) {
		t.Fatal("expected timeout failure")
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("send not bounded by timeout: %v", elapsed)
	}
	if got := b.Snapshot().FailureCount; got != 1 {
		t.Errorf("expected 1 recorded failure, got %d", got)
	}
}

func TestOpenBreakerSkipsNetworkCall(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	sink, err := NewHTTPSink(HTTPSinkConfig{Endpoint: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	b := testBreaker(t, 1, time.Hour)
	tx := New(sink, b, time.Second)

	tx.TrySend(context.Background(), testEntry(`{}`)) // trips the breaker
	before := requests.Load()

	for i := 0; i < 10; i++ {
		if tx.TrySend(context.Background(), testEntry(`{}`)) {
			t.Fatal("open breaker allowed a send")
		}
	}
	if requests.Load() != before {
		t.Errorf("open breaker still hit the network: %d extra requests", requests.Load()-before)
	}
	if tx.Available() {
		t.Error("Available() should be false while open")
	}
}

func TestSendErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorType
	}{
		{401, ErrorTypeAuth},
		{403, ErrorTypeAuth},
		{429, ErrorTypeRateLimit},
		{500, ErrorTypeServerError},
		{503, ErrorTypeServerError},
		{400, ErrorTypeClientError},
		{404, ErrorTypeClientError},
	}
	for _, tc := range cases {
		if got := classifyStatus(tc.status); got != tc.want {
			t.Errorf("classifyStatus(%d) = %s, want %s", tc.status, got, tc.want)
		}
	}

	if got := classifyErr(context.DeadlineExceeded); got != ErrorTypeTimeout {
		t.Errorf("deadline exceeded classified as %s", got)
	}
	if got := classifyErr(errors.New("weird")); got != ErrorTypeUnknown {
		t.Errorf("unknown error classified as %s", got)
	}
}

func TestSendErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()

	sink, err := NewHTTPSink(HTTPSinkConfig{Endpoint: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	sendErr := sink.Send(context.Background(), testEntry(`{}`).Record)
	var se *SendError
	if !errors.As(sendErr, &se) {
		t.Fatalf("expected SendError, got %T", sendErr)
	}
	if se.StatusCode != 403 || se.Type != ErrorTypeAuth {
		t.Errorf("unexpected classification: %+v", se)
	}
}

func TestNewHTTPSinkRequiresEndpoint(t *testing.T) {
	if _, err := NewHTTPSink(HTTPSinkConfig{}); err == nil {
		t.Error("expected error for missing endpoint")
	}
}
