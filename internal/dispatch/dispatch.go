// Package dispatch implements the proxy's request handling: the
// CONNECT/plain-HTTP split, request validation gates, cache lookup and
// write-back, and upstream forwarding on a miss.
package dispatch

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"providerproxy/internal/cachestore"
	"providerproxy/internal/canon"
	"providerproxy/internal/codec"
	"providerproxy/internal/config"
	"providerproxy/internal/metrics"
	"providerproxy/internal/mitm"
	"providerproxy/internal/streamcollector"
	"providerproxy/internal/upstream"
	"providerproxy/internal/validate"
)

const (
	// cacheHeaderName is stamped onto every response as the last header
	// write, after the cached document (if any) has already been built,
	// so it never itself becomes part of a cached entry.
	cacheHeaderName = "x-tensorzero-provider-proxy-cache"

	// maxRequestBodySize bounds how much of a request body dispatch will
	// buffer in memory to compute a cache key and forward upstream.
	// Provider payloads run small; this is generous headroom for
	// base64-embedded images without leaving the proxy open to an
	// unbounded read.
	maxRequestBodySize = 32 << 20
)

// Context bundles everything a request handler needs for the lifetime
// of the process: the CA used to terminate intercepted TLS, the cache
// store, the parsed CLI arguments, the process start time (needed by
// the ReadOldWriteNew mode), the logger, the metrics registry, and the
// upstream fetcher. It is built once in cmd/providerproxyd and shared
// read-only across every request goroutine.
type Context struct {
	CA        *mitm.CAStore
	Cache     *cachestore.Store
	Args      config.Args
	StartTime time.Time
	Log       *logrus.Logger
	Metrics   *metrics.Registry
	Fetcher   upstream.Fetcher
}

// Dispatcher is the proxy's single http.Handler: it serves both plain
// forward-proxy requests and, via its embedded Terminator, the
// decrypted requests recovered from an intercepted CONNECT tunnel.
type Dispatcher struct {
	ctx        *Context
	terminator *mitm.Terminator
}

// New builds a Dispatcher wired to its own mitm.Terminator, so a
// CONNECT request and the HTTPS requests it tunnels are handled by the
// same validation/cache/forward pipeline.
func New(ctx *Context) *Dispatcher {
	d := &Dispatcher{ctx: ctx}
	d.terminator = mitm.NewTerminator(ctx.CA, d, ctx.Log)
	return d
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		d.handleConnect(w, r)
		return
	}
	d.handleForward(w, r)
}

func (d *Dispatcher) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := connectTarget(r.Host)
	if target == "" {
		http.Error(w, "missing CONNECT target", http.StatusBadRequest)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		d.ctx.Log.WithError(err).WithField("target", target).Warn("dispatch: CONNECT hijack failed")
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		clientConn.Close()
		return
	}
	d.terminator.Intercept(clientConn, target)
}

func connectTarget(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, "443")
}

func (d *Dispatcher) handleForward(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	log := d.ctx.Log.WithFields(logrus.Fields{"request_id": requestID, "url": r.URL.String()})

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	r.Body.Close()
	if err != nil {
		http.Error(w, "provider-proxy: failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxRequestBodySize {
		http.Error(w, "provider-proxy: request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if rej := validate.CheckOpenRouterHeaders(r); rej != nil {
		log.Error(rej.Body)
		d.ctx.Metrics.RecordRejection("openrouter_headers")
		http.Error(w, rej.Body, rej.Status)
		return
	}
	if rej := validate.CheckDuplicateHeaders(r); rej != nil {
		log.Error(rej.Body)
		d.ctx.Metrics.RecordRejection("duplicate_header")
		http.Error(w, rej.Body, rej.Status)
		return
	}

	sanitizers := canon.Sanitizers{
		BearerAuth:   d.ctx.Args.SanitizeBearerAuth,
		AWSSigV4:     d.ctx.Args.SanitizeAWSSigV4,
		ModelHeaders: d.ctx.Args.SanitizeModelHeaders,
	}
	hash, err := canon.Key(r, body, sanitizers)
	if err != nil {
		http.Error(w, "provider-proxy: failed to compute cache key", http.StatusInternalServerError)
		return
	}
	host := canon.Host(r)

	if doc, hit, err := d.ctx.Cache.Lookup(host, hash); err != nil {
		log.WithError(err).Error("provider-proxy: failed to read cache entry")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	} else if hit {
		log.WithField("cache_path", d.ctx.Cache.Path(host, hash)).Info("Cache hit")
		resp := codec.Decode(doc)
		writeResponse(w, resp, "true")
		resp.Body.Close()
		return
	}
	log.WithField("cache_path", d.ctx.Cache.Path(host, hash)).Info("Cache miss")

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))

	fetchStart := time.Now()
	resp, err := d.ctx.Fetcher.Fetch(r)
	d.ctx.Metrics.ObserveUpstreamFetch(host, time.Since(fetchStart))
	if err != nil {
		log.WithError(err).Error("Failed to forward request")
		w.Header().Set(cacheHeaderName, "false")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	// The collector always wraps the body, even when this response
	// won't be written to disk, so the stream's timing and buffering
	// behavior is identical across cache modes.
	shouldWrite := d.shouldCache(resp)
	resp.Body = streamcollector.New(resp.Body, func(full []byte) {
		if !shouldWrite {
			d.ctx.Metrics.RecordCacheWrite("skipped")
			return
		}
		doc := codec.EncodeResponse(resp, full)
		if err := d.ctx.Cache.Save(host, hash, doc); err != nil {
			d.ctx.Log.WithError(err).WithField("cache_path", d.ctx.Cache.Path(host, hash)).Error("Failed to save cache body")
		}
	})

	writeResponse(w, resp, "false")
	resp.Body.Close()
}

// shouldCache mirrors the spec's write-eligibility rule: the store
// must be in a write-enabled mode, the response must be a 2xx, and its
// content type must not be one of the binary formats no provider
// actually returns (images, PDFs) that would bloat the cache for no
// deterministic-replay benefit.
func (d *Dispatcher) shouldCache(resp *http.Response) bool {
	if !d.ctx.Cache.ShouldWrite() {
		return false
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(ct, "image/") || strings.HasPrefix(ct, "application/pdf") {
		return false
	}
	return true
}

func writeResponse(w http.ResponseWriter, resp *http.Response, cacheHit string) {
	copyHeader(w.Header(), resp.Header)
	w.Header().Set(cacheHeaderName, cacheHit)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
