package mitm

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Terminator completes one intercepted CONNECT tunnel: it terminates
// TLS using a leaf certificate minted for the tunneled host, then
// serves exactly one HTTP request off the decrypted connection and
// hands it to handler as an ordinary (now-plaintext) request.
type Terminator struct {
	ca      *CAStore
	handler http.Handler
	log     *logrus.Logger
}

// NewTerminator builds a Terminator. handler receives requests with
// URL.Scheme/URL.Host rewritten to the tunneled origin, exactly as a
// plain-HTTP proxy request would arrive.
func NewTerminator(ca *CAStore, handler http.Handler, log *logrus.Logger) *Terminator {
	return &Terminator{ca: ca, handler: handler, log: log}
}

// Intercept takes ownership of clientConn (already accepted past the
// CONNECT line) and terminates TLS for host on it.
func (t *Terminator) Intercept(clientConn net.Conn, host string) {
	defer clientConn.Close()

	leafHost := hostOnly(host)
	cert, err := t.ca.GetLeafCert(leafHost)
	if err != nil {
		t.log.WithError(err).WithField("host", leafHost).Error("mitm: failed to mint leaf certificate")
		return
	}

	tlsConn := tls.Server(clientConn, &tls.Config{Certificates: []tls.Certificate{*cert}})
	if err := tlsConn.Handshake(); err != nil {
		t.log.WithError(err).WithField("host", leafHost).Debug("mitm: client TLS handshake failed")
		return
	}
	defer tlsConn.Close()

	srv := &http.Server{
		Handler:           t.rewriteHost(host),
		ReadHeaderTimeout: 10 * time.Second,
	}
	_ = srv.Serve(&singleConnListener{conn: tlsConn})
	_ = srv.Shutdown(context.Background())
}

// rewriteHost stamps the tunneled origin onto the request before
// delegating to the dispatcher, since a request decoded off a
// terminated tunnel otherwise carries no scheme or absolute host.
func (t *Terminator) rewriteHost(host string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Scheme = "https"
		r.URL.Host = host
		r.Host = host
		r.RequestURI = ""
		t.handler.ServeHTTP(w, r)
	})
}

// singleConnListener adapts a single already-accepted net.Conn to the
// net.Listener interface http.Server.Serve expects, so one terminated
// tunnel can be served with the standard request-parsing machinery
// instead of a hand-rolled HTTP/1.1 reader.
type singleConnListener struct{ conn net.Conn }

func (l *singleConnListener) Accept() (net.Conn, error) {
	if l.conn == nil {
		return nil, io.EOF
	}
	c := l.conn
	l.conn = nil
	return c, nil
}

func (l *singleConnListener) Close() error { return nil }

func (l *singleConnListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
}

func hostOnly(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err == nil {
		return host
	}
	return hostport
}
