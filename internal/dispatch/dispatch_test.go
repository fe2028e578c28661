package dispatch

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"providerproxy/internal/cachestore"
	"providerproxy/internal/canon"
	"providerproxy/internal/config"
	"providerproxy/internal/metrics"
)

type stubFetcher struct {
	calls int
	resp  func() *http.Response
	err   error
}

func (s *stubFetcher) Fetch(r *http.Request) (*http.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.resp(), nil
}

func newJSONResponse(status int, body string) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: status,
		Proto:      "HTTP/1.1",
		Header:     h,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestDispatcher(t *testing.T, mode config.Mode, fetcher *stubFetcher) *Dispatcher {
	t.Helper()
	cache, err := cachestore.New(t.TempDir(), mode, time.Now(), nil)
	require.NoError(t, err)

	return New(&Context{
		Cache:     cache,
		Args:      config.Args{Mode: mode, SanitizeBearerAuth: true, SanitizeAWSSigV4: true, SanitizeModelHeaders: true},
		StartTime: time.Now(),
		Log:       testLogger(),
		Metrics:   metrics.New(),
		Fetcher:   fetcher,
	})
}

func TestForwardMissFetchesAndCaches(t *testing.T) {
	fetcher := &stubFetcher{resp: func() *http.Response { return newJSONResponse(200, `{"ok":true}`) }}
	d := newTestDispatcher(t, config.ReadWrite, fetcher)

	req := httptest.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", bytes.NewReader([]byte(`{"x":1}`)))
	req.Host = "api.openai.com"
	w := httptest.NewRecorder()

	d.handleForward(w, req)

	require.Equal(t, 1, fetcher.calls)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "false", w.Header().Get(cacheHeaderName))
	require.JSONEq(t, `{"ok":true}`, w.Body.String())

	// The write-back runs in its own goroutine once the body is fully
	// streamed to the client, so give it a moment to land on disk.
	sanitizers := canon.Sanitizers{BearerAuth: true, AWSSigV4: true, ModelHeaders: true}
	key, err := canon.Key(req, []byte(`{"x":1}`), sanitizers)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, hit, err := d.ctx.Cache.Lookup("api.openai.com", key)
		return err == nil && hit
	}, time.Second, 10*time.Millisecond)
}

func TestForwardHitSkipsFetch(t *testing.T) {
	fetcher := &stubFetcher{resp: func() *http.Response { return newJSONResponse(200, `{"ok":true}`) }}
	d := newTestDispatcher(t, config.ReadWrite, fetcher)

	req := httptest.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", bytes.NewReader([]byte(`{"x":1}`)))
	req.Host = "api.openai.com"
	w := httptest.NewRecorder()
	d.handleForward(w, req)
	require.Eventually(t, func() bool { return fetcher.calls == 1 }, time.Second, 10*time.Millisecond)

	// Allow the async cache write from the first request to land.
	time.Sleep(100 * time.Millisecond)

	req2 := httptest.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", bytes.NewReader([]byte(`{"x":1}`)))
	req2.Host = "api.openai.com"
	w2 := httptest.NewRecorder()
	d.handleForward(w2, req2)

	require.Equal(t, 1, fetcher.calls, "a cache hit must not call the fetcher again")
	require.Equal(t, "true", w2.Header().Get(cacheHeaderName))
	require.JSONEq(t, `{"ok":true}`, w2.Body.String())
}

func TestForwardSkipsCacheForNonSuccessStatus(t *testing.T) {
	fetcher := &stubFetcher{resp: func() *http.Response { return newJSONResponse(500, `{"error":"boom"}`) }}
	d := newTestDispatcher(t, config.ReadWrite, fetcher)

	req := httptest.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", bytes.NewReader([]byte(`{"x":1}`)))
	req.Host = "api.openai.com"
	w := httptest.NewRecorder()
	d.handleForward(w, req)

	require.Equal(t, 500, w.Code)
	time.Sleep(100 * time.Millisecond)
	key, err := canon.Key(req, []byte(`{"x":1}`), canon.Sanitizers{BearerAuth: true, AWSSigV4: true, ModelHeaders: true})
	require.NoError(t, err)
	_, hit, err := d.ctx.Cache.Lookup("api.openai.com", key)
	require.NoError(t, err)
	require.False(t, hit)
}

func TestForwardRejectsDuplicateHeaderBeforeFetch(t *testing.T) {
	fetcher := &stubFetcher{resp: func() *http.Response { return newJSONResponse(200, `{}`) }}
	d := newTestDispatcher(t, config.ReadWrite, fetcher)

	req := httptest.NewRequest(http.MethodGet, "https://api.openai.com/v1/models", nil)
	req.Host = "api.openai.com"
	req.Header["X-Foo"] = []string{"a", "b"}
	w := httptest.NewRecorder()

	d.handleForward(w, req)

	require.Equal(t, http.StatusTeapot, w.Code)
	require.Equal(t, 0, fetcher.calls)
}

func TestForwardRejectsOpenRouterMissingHeaders(t *testing.T) {
	fetcher := &stubFetcher{resp: func() *http.Response { return newJSONResponse(200, `{}`) }}
	d := newTestDispatcher(t, config.ReadWrite, fetcher)

	req := httptest.NewRequest(http.MethodPost, "https://openrouter.ai/api/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	req.Host = "openrouter.ai"
	w := httptest.NewRecorder()

	d.handleForward(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, 0, fetcher.calls)
}

func TestReadOnlyModeNeverWrites(t *testing.T) {
	fetcher := &stubFetcher{resp: func() *http.Response { return newJSONResponse(200, `{"ok":true}`) }}
	d := newTestDispatcher(t, config.ReadOnly, fetcher)

	req := httptest.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", bytes.NewReader([]byte(`{"x":1}`)))
	req.Host = "api.openai.com"
	w := httptest.NewRecorder()
	d.handleForward(w, req)

	time.Sleep(100 * time.Millisecond)
	key, err := canon.Key(req, []byte(`{"x":1}`), canon.Sanitizers{BearerAuth: true, AWSSigV4: true, ModelHeaders: true})
	require.NoError(t, err)
	_, hit, err := d.ctx.Cache.Lookup("api.openai.com", key)
	require.NoError(t, err)
	require.False(t, hit)
}
