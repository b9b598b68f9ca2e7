package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// Version returns the embedded build version.
func Version() string {
	return strings.TrimSpace(version)
}

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements http.RoundTripper and sets the User-Agent header.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// HTTPClient returns an http client with a default user-agent set. Every
// vendor call goes through a client like this so a hung endpoint is cut off
// after timeout.
func HTTPClient(timeout time.Duration) *http.Client {
	return WrapClient(&http.Client{}, timeout, nil)
}

// WrapClient sets the user-agent transport and timeout on c. If inner is nil
// the default transport is used underneath.
func WrapClient(c *http.Client, timeout time.Duration, inner http.RoundTripper) *http.Client {
	if inner == nil {
		inner = http.DefaultTransport
	}
	c.Transport = &userAgentTransport{
		transport: inner,
		userAgent: "HomeGauge/" + Version(),
	}
	c.Timeout = timeout
	return c
}
