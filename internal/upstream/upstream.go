// Package upstream forwards a request to its origin server on a cache
// miss.
package upstream

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher forwards a request and returns the origin's response. It is
// an interface, not a concrete client, so dispatch tests can substitute
// a stub origin without opening a real socket.
type Fetcher interface {
	Fetch(r *http.Request) (*http.Response, error)
}

// Transport is the default Fetcher, backed by a tuned *http.Transport.
// HTTP/2 upgrade is left to the transport's negotiation rather than
// forced, matching a plain forwarding client.
type Transport struct {
	client *http.Client
}

// New builds a Transport with settings appropriate for a forwarding
// proxy: generous idle-connection reuse per host (test suites tend to
// hammer a handful of provider hosts), and no overall request timeout,
// since upstream latency is the caller's concern, not the proxy's.
func New() *Transport {
	rt := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Transport{client: &http.Client{Transport: rt}}
}

// Fetch issues r against its origin. r is a server-side request (it
// carries a non-empty RequestURI, which http.Client.Do rejects), so
// Fetch builds a fresh outbound request from its method, URL, headers,
// and body rather than passing r straight through. The caller retains
// ownership of r and is responsible for closing the returned response
// body.
func (t *Transport) Fetch(r *http.Request) (*http.Response, error) {
	var body io.ReadCloser
	if r.Body != nil {
		body = r.Body
	}
	outbound, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("Failed to forward request: %w", err)
	}
	outbound.Header = r.Header.Clone()
	outbound.ContentLength = r.ContentLength

	resp, err := t.client.Do(outbound)
	if err != nil {
		return nil, fmt.Errorf("Failed to forward request: %w", err)
	}
	return resp, nil
}
