package transmit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/phpprof/telemetry-relay/internal/auth"
	"github.com/phpprof/telemetry-relay/internal/buffer"
	tlspkg "github.com/phpprof/telemetry-relay/internal/tls"
)

// Sink is the downstream consumer of telemetry records. Implementations
// must return nil only when the record was durably accepted.
type Sink interface {
	Send(ctx context.Context, rec buffer.Record) error
	Close() error
}

// HTTPSinkConfig holds the HTTP sink configuration.
type HTTPSinkConfig struct {
	// Endpoint is the ingestion URL records are POSTed to.
	Endpoint string
	// Auth configures outbound authentication headers.
	Auth auth.ClientConfig
	// TLS configures the client connection.
	TLS tlspkg.ClientConfig
	// MaxIdleConnsPerHost bounds keep-alive connections to the sink.
	MaxIdleConnsPerHost int
}

// HTTPSink delivers records to an HTTP ingestion endpoint. A 2xx response
// acknowledges the record; anything else is a failure.
type HTTPSink struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSink creates an HTTP sink. The per-call timeout is owned by the
// Transmitter through the request context, not by the client.
func NewHTTPSink(cfg HTTPSinkConfig) (*HTTPSink, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("sink endpoint is required")
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if transport.MaxIdleConnsPerHost == 0 {
		transport.MaxIdleConnsPerHost = 10
	}

	tlsConfig, err := tlspkg.NewClientTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}

	return &HTTPSink{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Transport: auth.HTTPTransport(cfg.Auth, transport)},
	}, nil
}

// Send POSTs the record payload as a JSON body.
func (s *HTTPSink) Send(ctx context.Context, rec buffer.Record) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(rec.Payload))
	if err != nil {
		return &SendError{Err: err, Type: ErrorTypeUnknown}
	}
	req.Header.Set("Content-Type", "application/json")
	if rec.CorrelationID != "" {
		req.Header.Set("X-Correlation-Id", rec.CorrelationID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &SendError{Err: err, Type: classifyErr(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &SendError{
		Err:        fmt.Errorf("sink returned status %d", resp.StatusCode),
		Type:       classifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    string(body),
	}
}

// Close releases idle connections.
func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
