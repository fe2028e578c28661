// Package canon implements request canonicalization: stripping/replacing
// sensitive header values and producing a byte-stable SHA-256 digest
// suitable for use as a cache key.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"providerproxy/internal/codec"
)

const placeholderToken = "TENSORZERO_PROVIDER_PROXY_TOKEN"

// Sanitizers toggles each independently-controlled scrubbing rule.
// Every field defaults to enabled, per the spec's CLI flag defaults.
type Sanitizers struct {
	BearerAuth   bool
	AWSSigV4     bool
	ModelHeaders bool
}

var sigV4Headers = []string{
	"authorization",
	"x-amz-date",
	"amz-sdk-invocation-id",
	"user-agent",
	"x-amz-user-agent",
	"amz-sdk-request",
}

var modelHeaders = []string{"modal-key", "modal-secret"}

// Key computes the cache key for a request: the hex-encoded SHA-256 of
// the canonical JSON serialization of the sanitized request. Host must
// be present in the request URI; an absent host is a programming error
// and panics, matching the spec's characterization of that case.
func Key(r *http.Request, body []byte, s Sanitizers) (string, error) {
	host := r.URL.Host
	if host == "" {
		host = r.Host
	}
	if host == "" {
		panic("canon.Key: request has no host")
	}

	header := sanitizeHeader(r.Header, s)
	form := codec.EncodeRequest(r, sortedFields(header), body)

	data, err := json.Marshal(form)
	if err != nil {
		return "", fmt.Errorf("canon: marshal canonical request: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Host extracts the cache-key host component from a request's URI.
func Host(r *http.Request) string {
	if r.URL != nil && r.URL.Host != "" {
		return hostOnly(r.URL.Host)
	}
	return hostOnly(r.Host)
}

func hostOnly(hostport string) string {
	if i := strings.LastIndex(hostport, ":"); i >= 0 && !strings.Contains(hostport[i+1:], "]") {
		// Only strip a trailing :port, not part of an IPv6 literal.
		if _, err := isPort(hostport[i+1:]); err == nil {
			return hostport[:i]
		}
	}
	return hostport
}

func isPort(s string) (int, error) {
	var n int
	if len(s) == 0 {
		return 0, fmt.Errorf("empty port")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not a port")
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// sanitizeHeader returns a copy of h with each enabled rule's matching
// header values replaced by a fixed placeholder. The input is never
// mutated.
func sanitizeHeader(h http.Header, s Sanitizers) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}

	if s.BearerAuth {
		if v := out.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
			out.Set("Authorization", "Bearer "+placeholderToken)
		}
	}
	if s.AWSSigV4 {
		for _, name := range sigV4Headers {
			if out.Get(name) != "" {
				out.Set(name, placeholderToken)
			}
		}
	}
	if s.ModelHeaders {
		for _, name := range modelHeaders {
			if out.Get(name) != "" {
				out.Set(name, placeholderToken)
			}
		}
	}
	return out
}

// sortedFields flattens a header map into a deterministic, name-sorted
// field list. Go's http.Header is a map, so the only way to make the
// hash stable across runs is to impose our own total order; repeated
// values for the same name keep their relative order.
func sortedFields(h http.Header) []codec.HeaderField {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]codec.HeaderField, 0, len(h))
	for _, name := range names {
		for _, v := range h[name] {
			fields = append(fields, codec.HeaderField{Name: name, Value: v})
		}
	}
	return fields
}
