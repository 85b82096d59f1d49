package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/phpprof/telemetry-relay/internal/auth"
	tlspkg "github.com/phpprof/telemetry-relay/internal/tls"
)

// Config is the full relay configuration, loaded from YAML with
// defaults applied for anything unspecified.
type Config struct {
	Ingest  IngestConfig  `yaml:"ingest"`
	Sink    SinkConfig    `yaml:"sink"`
	Breaker BreakerConfig `yaml:"breaker"`
	Buffer  BufferConfig  `yaml:"buffer"`
	Relay   RelayConfig   `yaml:"relay"`
	Stats   StatsConfig   `yaml:"stats"`
	Logging LoggingConfig `yaml:"logging"`
}

// IngestConfig holds the ingest HTTP listener settings.
type IngestConfig struct {
	Address string              `yaml:"address"`
	Auth    auth.ServerConfig   `yaml:"auth"`
	TLS     tlspkg.ServerConfig `yaml:"tls"`
}

// SinkConfig holds the downstream ingestion endpoint settings.
type SinkConfig struct {
	// Endpoint is the URL records are POSTed to. Required.
	Endpoint string `yaml:"endpoint"`
	// SendTimeout bounds each delivery attempt.
	SendTimeout Duration `yaml:"send_timeout"`
	// MaxIdleConnsPerHost bounds keep-alive connections to the sink.
	MaxIdleConnsPerHost int `yaml:"max_idle_conns_per_host"`

	Auth auth.ClientConfig   `yaml:"auth"`
	TLS  tlspkg.ClientConfig `yaml:"tls"`
}

// BreakerConfig holds the circuit breaker settings.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failures before opening.
	FailureThreshold int `yaml:"failure_threshold"`
	// ResetTimeout is the cool-down before a trial call is allowed.
	ResetTimeout Duration `yaml:"reset_timeout"`
	// StateFile persists breaker state across restarts. Empty disables.
	StateFile string `yaml:"state_file"`
}

// BufferConfig holds the durable buffer settings.
type BufferConfig struct {
	// Dir is the directory holding disk segments and breaker state.
	Dir string `yaml:"dir"`
	// MemoryCapacity is the memory tier size in records.
	MemoryCapacity int `yaml:"memory_capacity"`
	// MaxBytes caps total buffer size across both tiers.
	MaxBytes ByteSize `yaml:"max_bytes"`
	// Compression enables zstd compression of disk segments.
	Compression bool `yaml:"compression"`
}

// RelayConfig holds the delivery loop settings.
type RelayConfig struct {
	// FlushInterval is the periodic drain trigger.
	FlushInterval Duration `yaml:"flush_interval"`
	// BatchSize caps entries per flush or replay batch.
	BatchSize int `yaml:"batch_size"`
	// EagerThreshold enables an immediate send attempt after enqueue
	// while occupancy is at or below this count.
	EagerThreshold int `yaml:"eager_threshold"`
	// ReplayPause is the delay between replay batches.
	ReplayPause Duration `yaml:"replay_pause"`
	// ShutdownGrace bounds the final flush on shutdown.
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// StatsConfig holds the metrics/health listener settings.
type StatsConfig struct {
	Address string `yaml:"address"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is the minimum emitted severity: debug, info, warn, error.
	Level string `yaml:"level"`
}

// Duration is a wrapper for time.Duration that supports human-readable
// YAML values like "5s" or "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize is a wrapper for int64 that supports human-readable YAML
// values. Accepted formats: raw integer (bytes), or Ki/Mi/Gi suffixes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// ParseByteSize parses a human-readable byte size string. Accepted
// suffixes: Ki (1024), Mi (1048576), Gi (1073741824). Plain integers
// are bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	type suffix struct {
		name string
		mult int64
	}
	suffixes := []suffix{
		{"Gi", 1 << 30},
		{"Mi", 1 << 20},
		{"Ki", 1 << 10},
	}
	for _, sf := range suffixes {
		if strings.HasSuffix(s, sf.name) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, sf.name))
			var f float64
			if _, err := fmt.Sscanf(numStr, "%f", &f); err != nil {
				return 0, fmt.Errorf("invalid byte size: %q", s)
			}
			return int64(f * float64(sf.mult)), nil
		}
	}
	var n int64
	var trail string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &trail); err == nil && trail != "" {
		return 0, fmt.Errorf("invalid byte size: %q (use Ki, Mi, or Gi suffixes)", s)
	}
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return n, nil
}

// Load reads and parses the configuration file. An empty path yields
// the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := &Config{}
		cfg.ApplyDefaults()
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration from bytes and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyEnv overrides configuration from RELAY_* environment variables.
// Only the fields operators commonly override per deployment are mapped;
// everything else belongs in the file.
func (c *Config) ApplyEnv() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("RELAY_INGEST_ADDRESS", &c.Ingest.Address)
	setString("RELAY_STATS_ADDRESS", &c.Stats.Address)
	setString("RELAY_SINK_ENDPOINT", &c.Sink.Endpoint)
	setString("RELAY_SINK_BEARER_TOKEN", &c.Sink.Auth.BearerToken)
	setString("RELAY_INGEST_BEARER_TOKEN", &c.Ingest.Auth.BearerToken)
	setString("RELAY_BUFFER_DIR", &c.Buffer.Dir)
	setString("RELAY_LOG_LEVEL", &c.Logging.Level)

	if v := os.Getenv("RELAY_RESET_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RELAY_RESET_TIMEOUT: %w", err)
		}
		c.Breaker.ResetTimeout = Duration(d)
	}
	if v := os.Getenv("RELAY_BUFFER_MAX_BYTES"); v != "" {
		n, err := ParseByteSize(v)
		if err != nil {
			return fmt.Errorf("RELAY_BUFFER_MAX_BYTES: %w", err)
		}
		c.Buffer.MaxBytes = ByteSize(n)
	}
	return nil
}

// ApplyDefaults sets default values for unspecified fields.
func (c *Config) ApplyDefaults() {
	if c.Ingest.Address == "" {
		c.Ingest.Address = ":4318"
	}
	if c.Stats.Address == "" {
		c.Stats.Address = ":8888"
	}

	if c.Sink.SendTimeout == 0 {
		c.Sink.SendTimeout = Duration(5 * time.Second)
	}
	if c.Sink.MaxIdleConnsPerHost == 0 {
		c.Sink.MaxIdleConnsPerHost = 10
	}

	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.ResetTimeout == 0 {
		c.Breaker.ResetTimeout = Duration(60 * time.Second)
	}

	if c.Buffer.Dir == "" {
		c.Buffer.Dir = "/var/lib/telemetry-relay"
	}
	if c.Buffer.MemoryCapacity == 0 {
		c.Buffer.MemoryCapacity = 100
	}
	if c.Buffer.MaxBytes == 0 {
		c.Buffer.MaxBytes = 100 << 20
	}

	if c.Relay.FlushInterval == 0 {
		c.Relay.FlushInterval = Duration(5 * time.Second)
	}
	if c.Relay.BatchSize == 0 {
		c.Relay.BatchSize = 100
	}
	if c.Relay.EagerThreshold == 0 {
		c.Relay.EagerThreshold = 10
	}
	if c.Relay.ReplayPause == 0 {
		c.Relay.ReplayPause = Duration(100 * time.Millisecond)
	}
	if c.Relay.ShutdownGrace == 0 {
		c.Relay.ShutdownGrace = Duration(30 * time.Second)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
