// Package codec encodes and decodes HTTP requests and responses to the
// on-disk JSON cache form described in the spec: status, proto, an
// ordered header list (preserving repetitions), and a body that is a
// JSON string when the raw bytes are valid UTF-8 and a JSON array of
// bytes otherwise.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"unicode/utf8"
)

// HeaderField is one name/value pair. Using a slice instead of
// map[string][]string keeps the wire form diff-friendly and preserves
// the order and repetition of the fields it is built from.
type HeaderField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RequestForm is the canonical, wire-only shape of an HTTP request: no
// context, no TLS state, no RemoteAddr. It is hashed directly by
// internal/canon and is never itself written to disk. Body uses the
// same UTF-8-string-or-byte-array encoding as a cached response body,
// so marshaling a RequestForm is all internal/canon needs to do to
// get a byte-stable canonical form.
type RequestForm struct {
	Method  string        `json:"method"`
	URL     string        `json:"url"`
	Proto   string        `json:"proto"`
	Headers []HeaderField `json:"headers"`
	Body    bodyValue     `json:"body"`
}

// ResponseDocument is the on-disk shape of a cached response.
type ResponseDocument struct {
	Status  int           `json:"status"`
	Proto   string        `json:"proto"`
	Headers []HeaderField `json:"headers"`
	Body    bodyValue     `json:"body"`
}

// bodyValue marshals as a UTF-8 string when possible, and as a byte
// array otherwise, per the spec's on-disk format.
type bodyValue []byte

func (b bodyValue) MarshalJSON() ([]byte, error) {
	if utf8.Valid(b) {
		return json.Marshal(string(b))
	}
	ints := make([]int, len(b))
	for i, c := range b {
		ints[i] = int(c)
	}
	return json.Marshal(ints)
}

func (b *bodyValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*b = []byte(s)
		return nil
	}
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("body is neither a string nor a byte array: %w", err)
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// HeadersToFields flattens an http.Header into a list, keeping the
// values of a repeated header name in their original relative order.
// The order between different names follows map iteration and is not
// defined.
func HeadersToFields(h http.Header) []HeaderField {
	fields := make([]HeaderField, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			fields = append(fields, HeaderField{Name: name, Value: v})
		}
	}
	return fields
}

// FieldsToHeader reconstructs an http.Header from an ordered field
// list, appending (not overwriting) so repeated names are preserved.
func FieldsToHeader(fields []HeaderField) http.Header {
	h := make(http.Header, len(fields))
	for _, f := range fields {
		h.Add(f.Name, f.Value)
	}
	return h
}

// EncodeRequest builds a hashable RequestForm from a live request and
// its already-read body. The caller is responsible for resetting
// r.Body if it needs to be read again downstream. headers is passed in
// separately (rather than read from r.Header) so callers that sanitize
// or reorder headers before hashing, like internal/canon, don't need a
// second request copy.
func EncodeRequest(r *http.Request, headers []HeaderField, body []byte) RequestForm {
	return RequestForm{
		Method:  r.Method,
		URL:     r.URL.String(),
		Proto:   r.Proto,
		Headers: headers,
		Body:    bodyValue(body),
	}
}

// EncodeResponse builds the on-disk document for a successful response.
func EncodeResponse(resp *http.Response, body []byte) ResponseDocument {
	return ResponseDocument{
		Status:  resp.StatusCode,
		Proto:   resp.Proto,
		Headers: HeadersToFields(resp.Header),
		Body:    bodyValue(body),
	}
}

// Decode reconstructs an *http.Response from a cached document. The
// returned body is a non-streaming io.ReadCloser wrapping the stored
// bytes.
func Decode(doc ResponseDocument) *http.Response {
	header := FieldsToHeader(doc.Headers)
	body := []byte(doc.Body)
	return &http.Response{
		StatusCode:    doc.Status,
		Proto:         doc.Proto,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}
