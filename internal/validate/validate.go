// Package validate implements the request gates that run before a
// request reaches canonicalization or cache lookup: an OpenRouter
// required-header check and a duplicate-header check. Both exist to
// surface mistakes in the code driving the proxy as a loud, early
// failure rather than a flaky upstream rejection.
package validate

import (
	"fmt"
	"net/http"
	"strings"
)

const (
	openRouterHost    = "openrouter.ai"
	requiredTitle     = "TensorZero"
	requiredReferer   = "https://www.tensorzero.com/"
)

// Rejection is a validation failure that should be returned to the
// client as-is, without ever reaching the cache or upstream.
type Rejection struct {
	Status int
	Body   string
}

func (r *Rejection) Error() string { return r.Body }

// CheckOpenRouterHeaders enforces that OpenRouter requests carry the
// X-Title and HTTP-Referer headers identifying the caller. Any other
// host passes through untouched.
func CheckOpenRouterHeaders(r *http.Request) *Rejection {
	if !isOpenRouterRequest(r) {
		return nil
	}

	hasTitle := r.Header.Get("X-Title") == requiredTitle
	hasReferer := r.Header.Get("HTTP-Referer") == requiredReferer
	if hasTitle && hasReferer {
		return nil
	}

	var missing string
	switch {
	case !hasTitle && !hasReferer:
		missing = "X-Title and HTTP-Referer"
	case !hasTitle:
		missing = "X-Title"
	default:
		missing = "HTTP-Referer"
	}

	return &Rejection{
		Status: http.StatusBadRequest,
		Body:   fmt.Sprintf("provider-proxy: Missing or incorrect required header(s) for OpenRouter: %s", missing),
	}
}

func isOpenRouterRequest(r *http.Request) bool {
	host := r.URL.Host
	if host == "" {
		host = r.Host
	}
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return strings.EqualFold(host, openRouterHost)
}

// CheckDuplicateHeaders rejects a request carrying any header name
// more than once. Duplicate headers are legal HTTP, but the proxy's
// callers never intentionally send them, so a duplicate almost always
// signals a bug upstream of the proxy; the unusual 418 status is
// chosen deliberately to make such a bug impossible to miss in a test
// run.
func CheckDuplicateHeaders(r *http.Request) *Rejection {
	name, ok := findDuplicateHeader(r.Header)
	if !ok {
		return nil
	}
	return &Rejection{
		Status: http.StatusTeapot,
		Body:   fmt.Sprintf("provider-proxy: Duplicate header: %s", strings.ToLower(name)),
	}
}

func findDuplicateHeader(h http.Header) (string, bool) {
	for name, values := range h {
		if len(values) > 1 {
			return name, true
		}
	}
	return "", false
}
