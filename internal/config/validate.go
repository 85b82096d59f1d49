package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks the configuration for errors that prevent startup.
// All problems are reported at once so operators fix them in one pass.
func (c *Config) Validate() error {
	var issues []string
	addIssue := func(field, msg string) {
		issues = append(issues, fmt.Sprintf("%s: %s", field, msg))
	}

	if c.Sink.Endpoint == "" {
		addIssue("sink.endpoint", "is required")
	} else if !strings.HasPrefix(c.Sink.Endpoint, "http://") && !strings.HasPrefix(c.Sink.Endpoint, "https://") {
		addIssue("sink.endpoint", "must be an http:// or https:// URL")
	}
	if c.Sink.SendTimeout < 0 {
		addIssue("sink.send_timeout", "must not be negative")
	}

	if c.Breaker.FailureThreshold < 1 {
		addIssue("breaker.failure_threshold", "must be at least 1")
	}
	if c.Breaker.ResetTimeout <= 0 {
		addIssue("breaker.reset_timeout", "must be positive")
	}

	if c.Buffer.MemoryCapacity < 1 {
		addIssue("buffer.memory_capacity", "must be at least 1")
	}
	if c.Buffer.MaxBytes < 1 {
		addIssue("buffer.max_bytes", "must be positive")
	}

	if c.Relay.FlushInterval < Duration(time.Millisecond) {
		addIssue("relay.flush_interval", "must be at least 1ms")
	}
	if c.Relay.BatchSize < 1 {
		addIssue("relay.batch_size", "must be at least 1")
	}
	if c.Relay.ShutdownGrace <= 0 {
		addIssue("relay.shutdown_grace", "must be positive")
	}

	if c.Ingest.TLS.Enabled && (c.Ingest.TLS.CertFile == "" || c.Ingest.TLS.KeyFile == "") {
		addIssue("ingest.tls", "cert_file and key_file are required when enabled")
	}
	if c.Ingest.Auth.Enabled && c.Ingest.Auth.BearerToken == "" &&
		(c.Ingest.Auth.BasicAuthUsername == "" || c.Ingest.Auth.BasicAuthPassword == "") {
		addIssue("ingest.auth", "bearer_token or basic auth credentials are required when enabled")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		addIssue("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level))
	}

	if len(issues) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration:\n  %s", strings.Join(issues, "\n  "))
}
