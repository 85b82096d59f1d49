package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ingest.Address != ":4318" {
		t.Errorf("ingest address default: %q", cfg.Ingest.Address)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("failure threshold default: %d", cfg.Breaker.FailureThreshold)
	}
	if time.Duration(cfg.Breaker.ResetTimeout) != 60*time.Second {
		t.Errorf("reset timeout default: %v", cfg.Breaker.ResetTimeout)
	}
	if cfg.Buffer.MemoryCapacity != 100 {
		t.Errorf("memory capacity default: %d", cfg.Buffer.MemoryCapacity)
	}
	if int64(cfg.Buffer.MaxBytes) != 100<<20 {
		t.Errorf("max bytes default: %d", cfg.Buffer.MaxBytes)
	}
	if time.Duration(cfg.Relay.FlushInterval) != 5*time.Second {
		t.Errorf("flush interval default: %v", cfg.Relay.FlushInterval)
	}
	if time.Duration(cfg.Relay.ShutdownGrace) != 30*time.Second {
		t.Errorf("shutdown grace default: %v", cfg.Relay.ShutdownGrace)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	content := `
ingest:
  address: ":9000"
  auth:
    enabled: true
    bearer_token: secret
sink:
  endpoint: https://ingest.example.com/v1/records
  send_timeout: 2s
breaker:
  failure_threshold: 3
  reset_timeout: 30s
buffer:
  dir: /tmp/relay
  memory_capacity: 50
  max_bytes: 10Mi
  compression: true
relay:
  flush_interval: 1s
  batch_size: 20
logging:
  level: debug
`
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ingest.Address != ":9000" || !cfg.Ingest.Auth.Enabled {
		t.Errorf("ingest section not parsed: %+v", cfg.Ingest)
	}
	if cfg.Sink.Endpoint != "https://ingest.example.com/v1/records" {
		t.Errorf("sink endpoint not parsed: %q", cfg.Sink.Endpoint)
	}
	if time.Duration(cfg.Sink.SendTimeout) != 2*time.Second {
		t.Errorf("send timeout not parsed: %v", cfg.Sink.SendTimeout)
	}
	if cfg.Breaker.FailureThreshold != 3 {
		t.Errorf("failure threshold not parsed: %d", cfg.Breaker.FailureThreshold)
	}
	if int64(cfg.Buffer.MaxBytes) != 10<<20 {
		t.Errorf("max bytes not parsed: %d", cfg.Buffer.MaxBytes)
	}
	if !cfg.Buffer.Compression {
		t.Error("compression not parsed")
	}
	if cfg.Relay.BatchSize != 20 {
		t.Errorf("batch size not parsed: %d", cfg.Relay.BatchSize)
	}
	// Unspecified fields still get defaults.
	if time.Duration(cfg.Relay.ShutdownGrace) != 30*time.Second {
		t.Errorf("shutdown grace default not applied: %v", cfg.Relay.ShutdownGrace)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"4Ki", 4096, false},
		{"10Mi", 10 << 20, false},
		{"1.5Gi", 3 << 29, false},
		{"", 0, false},
		{"256MB", 0, true},
		{"abc", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseByteSize(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseByteSize(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseByteSize(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_SINK_ENDPOINT", "https://env.example.com")
	t.Setenv("RELAY_BUFFER_MAX_BYTES", "5Mi")
	t.Setenv("RELAY_RESET_TIMEOUT", "90s")

	cfg, _ := Load("")
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatal(err)
	}
	if cfg.Sink.Endpoint != "https://env.example.com" {
		t.Errorf("sink endpoint not overridden: %q", cfg.Sink.Endpoint)
	}
	if int64(cfg.Buffer.MaxBytes) != 5<<20 {
		t.Errorf("max bytes not overridden: %d", cfg.Buffer.MaxBytes)
	}
	if time.Duration(cfg.Breaker.ResetTimeout) != 90*time.Second {
		t.Errorf("reset timeout not overridden: %v", cfg.Breaker.ResetTimeout)
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	t.Setenv("RELAY_RESET_TIMEOUT", "soon")
	cfg, _ := Load("")
	if err := cfg.ApplyEnv(); err == nil {
		t.Error("expected error for unparseable duration")
	}
}

func TestValidateRequiresEndpoint(t *testing.T) {
	cfg, _ := Load("")
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "sink.endpoint") {
		t.Errorf("expected sink.endpoint error, got %v", err)
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	cfg, _ := Load("")
	cfg.Sink.Endpoint = "https://ingest.example.com"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestValidateCollectsAllIssues(t *testing.T) {
	cfg, _ := Load("")
	cfg.Sink.Endpoint = "ftp://nope"
	cfg.Breaker.FailureThreshold = 0
	cfg.Relay.BatchSize = 0
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, field := range []string{"sink.endpoint", "breaker.failure_threshold", "relay.batch_size", "logging.level"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error does not mention %s: %v", field, err)
		}
	}
}

func TestValidateAuthRequiresCredentials(t *testing.T) {
	cfg, _ := Load("")
	cfg.Sink.Endpoint = "https://ingest.example.com"
	cfg.Ingest.Auth.Enabled = true
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "ingest.auth") {
		t.Errorf("expected ingest.auth error, got %v", err)
	}

	cfg.Ingest.Auth.BearerToken = "secret"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error with bearer token set: %v", err)
	}
}
