package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ServerConfig holds TLS settings for the ingest listener.
type ServerConfig struct {
	// Enabled enables TLS for the listener.
	Enabled bool `yaml:"enabled"`
	// CertFile is the path to the server certificate.
	CertFile string `yaml:"cert_file"`
	// KeyFile is the path to the server private key.
	KeyFile string `yaml:"key_file"`
}

// ClientConfig holds TLS settings for the sink connection.
type ClientConfig struct {
	// Enabled enables TLS for the sink client.
	Enabled bool `yaml:"enabled"`
	// CAFile is the path to a CA bundle for sink verification.
	CAFile string `yaml:"ca_file"`
	// CertFile and KeyFile enable mTLS toward the sink.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// InsecureSkipVerify skips sink certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
	// ServerName overrides the expected certificate name.
	ServerName string `yaml:"server_name"`
}

// NewServerTLSConfig builds a *tls.Config for the ingest listener.
// Returns nil when TLS is disabled.
func NewServerTLSConfig(cfg ServerConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// NewClientTLSConfig builds a *tls.Config for the sink client.
// Returns nil when TLS is disabled.
func NewClientTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		ServerName:         cfg.ServerName,
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}
