// Package httpclient builds the HTTP client used to reach the origin site.
package httpclient

import (
	"net/http"
	"time"
)

const (
	defaultMaxIdleConns          = 100
	defaultMaxIdleConnsPerHost   = 10
	defaultIdleConnTimeout       = 90 * time.Second
	defaultExpectContinueTimeout = 1 * time.Second
	defaultTLSHandshakeTimeout   = 10 * time.Second
)

// Config configures New. Zero values select the defaults above; a zero
// Timeout leaves requests unbounded.
type Config struct {
	Timeout             time.Duration
	MaxIdleConnsPerHost int
	UserAgent           string
}

// New returns a client with pooled keep-alive connections.
func New(cfg Config) *http.Client {
	perHost := cfg.MaxIdleConnsPerHost
	if perHost == 0 {
		perHost = defaultMaxIdleConnsPerHost
	}

	var transport http.RoundTripper = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   perHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		ExpectContinueTimeout: defaultExpectContinueTimeout,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		ForceAttemptHTTP2:     true,
	}

	if cfg.UserAgent != "" {
		transport = &userAgentTransport{next: transport, userAgent: cfg.UserAgent}
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}

// userAgentTransport sets User-Agent on requests that carry none.
type userAgentTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.userAgent)
	return t.next.RoundTrip(clone)
}
