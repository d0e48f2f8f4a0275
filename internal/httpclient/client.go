package httpclient

import (
	"net/http"
	"net/http/cookiejar"
	"time"
)

// NewDefaultHTTPClient creates a simple HTTP client with a timeout, used by
// the HTTP Fetcher (C1) for every task; credentials reach a request as a
// Cookie header from the Credential Resolver, not through this client.
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// NewJarClient creates an HTTP client with a fresh cookie jar and timeout.
// Nothing in this repository calls it; the Credential Resolver (C4) builds
// its own jar-backed client per login.
func NewJarClient(timeout time.Duration) (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &http.Client{Jar: jar, Timeout: timeout}, nil
}
