package sandbox

import (
	"net/http"
	"time"
)

// Transport checks every request host against the gate before the wrapped
// RoundTripper sends anything.
type Transport struct {
	Gate *Gate
	Base http.RoundTripper
}

// RoundTrip implements http.RoundTripper
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.Gate.Check(req.URL.Host); err != nil {
		return nil, err
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// NewHTTPClient returns an http.Client whose requests pass through the gate
func NewHTTPClient(g *Gate, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &Transport{Gate: g},
	}
}
