package auth

import (
	"encoding/base64"
	"net/http"
	"strings"
)

// ServerConfig holds authentication settings for the ingest listener.
type ServerConfig struct {
	// Enabled turns authentication on.
	Enabled bool `yaml:"enabled"`
	// BearerToken is the expected bearer token.
	BearerToken string `yaml:"bearer_token"`
	// BasicAuthUsername is the username for basic authentication.
	BasicAuthUsername string `yaml:"basic_auth_username"`
	// BasicAuthPassword is the password for basic authentication.
	BasicAuthPassword string `yaml:"basic_auth_password"`
}

// ClientConfig holds authentication settings for outbound sink requests.
type ClientConfig struct {
	// BearerToken is sent as an Authorization header when non-empty.
	BearerToken string `yaml:"bearer_token"`
	// BasicAuthUsername is the username for basic authentication.
	BasicAuthUsername string `yaml:"basic_auth_username"`
	// BasicAuthPassword is the password for basic authentication.
	BasicAuthPassword string `yaml:"basic_auth_password"`
	// Headers is a map of custom headers sent with every request.
	Headers map[string]string `yaml:"headers"`
}

// HTTPMiddleware wraps next with request authentication. With auth
// disabled it is a pass-through.
func HTTPMiddleware(cfg ServerConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		if cfg.BearerToken != "" {
			token := strings.TrimPrefix(header, "Bearer ")
			if token == header {
				http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
				return
			}
			if token != cfg.BearerToken {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if cfg.BasicAuthUsername != "" && cfg.BasicAuthPassword != "" {
			expected := "Basic " + basicAuthEncoded(cfg.BasicAuthUsername, cfg.BasicAuthPassword)
			if header != expected {
				http.Error(w, "invalid basic auth credentials", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HTTPTransport returns an http.RoundTripper that adds the configured
// authentication headers to every outbound request.
func HTTPTransport(cfg ClientConfig, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authTransport{base: base, cfg: cfg}
}

type authTransport struct {
	base http.RoundTripper
	cfg  ClientConfig
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone so retries of the original request are not affected.
	clone := req.Clone(req.Context())

	if t.cfg.BearerToken != "" {
		clone.Header.Set("Authorization", "Bearer "+t.cfg.BearerToken)
	}
	if t.cfg.BasicAuthUsername != "" && t.cfg.BasicAuthPassword != "" {
		clone.SetBasicAuth(t.cfg.BasicAuthUsername, t.cfg.BasicAuthPassword)
	}
	for k, v := range t.cfg.Headers {
		clone.Header.Set(k, v)
	}

	return t.base.RoundTrip(clone)
}

func basicAuthEncoded(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
