// Package integration exercises the dispatcher against a real HTTP
// origin and a real upstream.Transport, rather than a stubbed
// fetcher, to cover the full validate -> canonicalize -> cache ->
// forward path end to end.
package integration

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"providerproxy/internal/cachestore"
	"providerproxy/internal/config"
	"providerproxy/internal/dispatch"
	"providerproxy/internal/metrics"
	"providerproxy/internal/upstream"
)

func newDispatcher(t *testing.T, mode config.Mode) *dispatch.Dispatcher {
	t.Helper()
	cache, err := cachestore.New(t.TempDir(), mode, time.Now(), nil)
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(io.Discard)

	return dispatch.New(&dispatch.Context{
		Cache:     cache,
		Args:      config.Args{Mode: mode, SanitizeBearerAuth: true, SanitizeAWSSigV4: true, SanitizeModelHeaders: true},
		StartTime: time.Now(),
		Log:       log,
		Metrics:   metrics.New(),
		Fetcher:   upstream.New(),
	})
}

func TestRepeatedIdenticalRequestHitsCacheOnSecondCall(t *testing.T) {
	var originCalls int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&originCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choice":"deterministic"}`))
	}))
	defer origin.Close()

	d := newDispatcher(t, config.ReadWrite)

	makeRequest := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, origin.URL+"/v1/chat", bytes.NewReader([]byte(`{"prompt":"hi"}`)))
		req.Header.Set("Authorization", "Bearer sk-test-key")
		w := httptest.NewRecorder()
		d.ServeHTTP(w, req)
		return w
	}

	first := makeRequest()
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, "false", first.Header().Get("x-tensorzero-provider-proxy-cache"))

	require.Eventually(t, func() bool { return atomic.LoadInt64(&originCalls) == 1 }, time.Second, 10*time.Millisecond)
	// Give the async cache write time to land before the second request.
	time.Sleep(150 * time.Millisecond)

	second := makeRequest()
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "true", second.Header().Get("x-tensorzero-provider-proxy-cache"))
	require.JSONEq(t, `{"choice":"deterministic"}`, second.Body.String())

	require.Equal(t, int64(1), atomic.LoadInt64(&originCalls), "a cache hit must not reach the origin")
}

func TestDifferentBearerTokensStillShareCacheEntry(t *testing.T) {
	var originCalls int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&originCalls, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer origin.Close()

	d := newDispatcher(t, config.ReadWrite)

	for i, token := range []string{"sk-key-one", "sk-key-two"} {
		req := httptest.NewRequest(http.MethodGet, origin.URL+"/v1/models", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		d.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		if i == 0 {
			require.Eventually(t, func() bool { return atomic.LoadInt64(&originCalls) == 1 }, time.Second, 10*time.Millisecond)
			time.Sleep(150 * time.Millisecond)
		}
	}

	require.Equal(t, int64(1), atomic.LoadInt64(&originCalls), "sanitized bearer tokens must hash to the same cache key")
}

func TestReadOnlyModeForwardsEveryRequestAndNeverWrites(t *testing.T) {
	var originCalls int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&originCalls, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer origin.Close()

	d := newDispatcher(t, config.ReadOnly)

	req := httptest.NewRequest(http.MethodGet, origin.URL+"/v1/models", nil)
	w := httptest.NewRecorder()
	d.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, int64(1), atomic.LoadInt64(&originCalls))

	time.Sleep(150 * time.Millisecond)

	req2 := httptest.NewRequest(http.MethodGet, origin.URL+"/v1/models", nil)
	w2 := httptest.NewRecorder()
	d.ServeHTTP(w2, req2)

	require.Equal(t, int64(2), atomic.LoadInt64(&originCalls), "read-only mode must miss every time since it never writes")
}
