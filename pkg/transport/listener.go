// Package transport owns the HTTP listener (C5): binding a port, MITM TLS
// termination with SNI-driven certificate minting, HTTP/1.1 and HTTP/2
// negotiation, CONNECT tunneling, and client-error capture. Grounded on the
// teacher's pkg/proxy/https.go (CONNECT + MITM handshake) and
// pkg/engine/server.go (http.Server wiring, findFreePort), with HTTP/2
// wired explicitly via golang.org/x/net/http2 rather than relying on
// *http.Server's implicit ALPN default, per spec.md §4.5.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/http2"

	"github.com/getmockd/mockproxy/pkg/certauth"
	"github.com/getmockd/mockproxy/pkg/events"
)

// HTTP2Policy controls ALPN/H2 offering, per spec.md §4.5's three-way switch.
type HTTP2Policy string

const (
	HTTP2Always   HTTP2Policy = "true"
	HTTP2Never    HTTP2Policy = "false"
	// HTTP2Fallback offers the same ALPN list as HTTP2Always ("h2", then
	// "http/1.1"); the client's own ALPN list is not consulted, so a client
	// that offers both gets h2.
	HTTP2Fallback HTTP2Policy = "fallback"
)

// PortSpec selects how a Listener picks its bind port (spec.md §4.5:
// "numeric | {startPort,endPort} | none").
type PortSpec struct {
	Numeric           int  // bind exactly this port; 0 means unset
	StartPort         int  // range lower bound, inclusive
	EndPort           int  // range upper bound, inclusive
	None              bool // don't bind at all (handler-only / test use)
}

// BindError reports that no port in the requested range could be bound.
type BindError struct {
	Spec PortSpec
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("transport: could not bind port (spec %+v): %v", e.Spec, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Options configures a Listener.
type Options struct {
	Port           PortSpec
	HTTPSPort      PortSpec       // None disables the HTTPS listener; the zero value binds an ephemeral port
	Minter         *certauth.Minter // nil disables MITM; CONNECT then raw-tunnels
	HTTP2          HTTP2Policy
	MaxBodySize    int64 // bytes; 0 means use DefaultMaxBodySize
	Bus            *events.Bus
	Handler        http.Handler // final request handler (dispatcher-backed)
	DialTimeout    time.Duration
}

// DefaultMaxBodySize caps captured/forwarded bodies at 10MB, matching the
// teacher's pkg/proxy constant.
const DefaultMaxBodySize = 10 * 1024 * 1024

// Listener owns the bound sockets and the accept loops for plain HTTP and
// (optionally) MITM'd HTTPS traffic.
type Listener struct {
	opts Options

	httpLn  net.Listener
	httpSrv *http.Server

	httpsLn  net.Listener
	httpsSrv *http.Server

	wg sync.WaitGroup
}

// New binds the configured ports (per Options.Port/HTTPSPort) and prepares
// the servers, but does not start serving — call Serve.
func New(opts Options) (*Listener, error) {
	if opts.MaxBodySize == 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	if opts.Handler == nil {
		opts.Handler = http.NotFoundHandler()
	}

	l := &Listener{opts: opts}

	if !opts.Port.None {
		ln, err := bindPort(opts.Port)
		if err != nil {
			return nil, &BindError{Spec: opts.Port, Err: err}
		}
		l.httpLn = ln
		l.httpSrv = &http.Server{Handler: http.HandlerFunc(l.serveHTTP)}
	}

	if opts.Minter != nil && !opts.HTTPSPort.None {
		ln, err := bindPort(opts.HTTPSPort)
		if err != nil {
			return nil, &BindError{Spec: opts.HTTPSPort, Err: err}
		}
		l.httpsLn = ln
		l.httpsSrv = &http.Server{Handler: http.HandlerFunc(l.serveHTTP)}
	}

	return l, nil
}

// bindPort resolves spec to a single listening net.Listener, retrying across
// a {startPort,endPort} range one port after another with no delay between
// attempts (a constant zero backoff) — a generalization of the teacher's
// findFreePort linear scan, per spec.md §4.5.
func bindPort(spec PortSpec) (net.Listener, error) {
	if spec.Numeric != 0 {
		return net.Listen("tcp", fmt.Sprintf(":%d", spec.Numeric))
	}
	if spec.StartPort == 0 {
		return net.Listen("tcp", ":0")
	}

	start, end := spec.StartPort, spec.EndPort
	if end < start {
		end = start
	}
	port := start
	var lastErr error

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(0), uint64(end-start))
	op := func() error {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			lastErr = err
			port++
			return err
		}
		lastErr = nil
		return backoff.Permanent(&boundListener{ln: ln})
	}
	err := backoff.Retry(op, b)
	var bl *boundListener
	if errors.As(err, &bl) {
		return bl.ln, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("no free port in range %d-%d", start, end)
}

// boundListener is returned through backoff.Permanent to smuggle the
// successfully-bound net.Listener out of the retry loop.
type boundListener struct {
	ln net.Listener
}

func (b *boundListener) Error() string { return "bound" }

// Addr returns the bound plain-HTTP address, or nil if none is bound.
func (l *Listener) Addr() net.Addr {
	if l.httpLn == nil {
		return nil
	}
	return l.httpLn.Addr()
}

// HTTPSAddr returns the bound MITM-HTTPS address, or nil if none is bound.
func (l *Listener) HTTPSAddr() net.Addr {
	if l.httpsLn == nil {
		return nil
	}
	return l.httpsLn.Addr()
}

// Serve blocks serving both listeners until ctx is cancelled or Close is
// called; it returns the first non-shutdown error encountered.
func (l *Listener) Serve(ctx context.Context) error {
	errs := make(chan error, 2)

	if l.httpLn != nil {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if err := l.httpSrv.Serve(l.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}()
	}
	if l.httpsLn != nil {
		if l.opts.HTTP2 != HTTP2Never {
			_ = http2.ConfigureServer(l.httpsSrv, &http2.Server{})
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if err := l.httpsSrv.Serve(newMITMListener(l.httpsLn, l)); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		_ = l.Close()
		return ctx.Err()
	case err := <-errs:
		_ = l.Close()
		return err
	}
}

// Close shuts down both servers and their listeners.
func (l *Listener) Close() error {
	var firstErr error
	if l.httpSrv != nil {
		if err := l.httpSrv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.httpsSrv != nil {
		if err := l.httpsSrv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.wg.Wait()
	return firstErr
}

// serveHTTP is the shared entry point for the plain-HTTP listener, the
// already-TLS-terminated HTTPS listener and MITM'd CONNECT connections. A
// CONNECT is handled by handleConnect; everything else goes straight to the
// configured dispatcher-backed Handler.
func (l *Listener) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		l.handleConnect(w, r)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, l.opts.MaxBodySize)
	l.opts.Handler.ServeHTTP(w, r)
}

// handleConnect either tunnels the CONNECT raw (no Minter configured, per
// spec.md §4.5 "CONNECT handling without HTTPS configured tunnels raw
// bytes") or performs a MITM TLS handshake and loops HTTP requests back
// through serveHTTP, grounded verbatim on pkg/proxy/https.go.
func (l *Listener) handleConnect(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if !strings.Contains(host, ":") {
		host += ":443"
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hj.Hijack()
	if err != nil {
		l.emitClientError(err, "")
		return
	}

	if l.opts.Minter == nil {
		l.tunnelConnect(clientConn, host)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = clientConn.Close()
		return
	}

	hostOnly := strings.Split(host, ":")[0]
	tlsConfig := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			sni := hello.ServerName
			if sni == "" {
				sni = hostOnly
			}
			return l.opts.Minter.CertFor(sni, false)
		},
	}
	if l.opts.HTTP2 == HTTP2Always || l.opts.HTTP2 == HTTP2Fallback {
		tlsConfig.NextProtos = []string{"h2", "http/1.1"}
	}

	tlsConn := tls.Server(clientConn, tlsConfig)
	hctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		l.emitClientError(err, hostOnly)
		_ = clientConn.Close()
		return
	}

	l.feedMITMConn(tlsConn)
}

// tunnelConnect dials host directly and shuttles raw bytes both ways,
// grounded verbatim on pkg/proxy/https.go's tunnelConnect.
func (l *Listener) tunnelConnect(clientConn net.Conn, host string) {
	timeout := l.opts.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	targetConn, err := net.DialTimeout("tcp", host, timeout)
	if err != nil {
		l.emitClientError(err, host)
		_ = clientConn.Close()
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = clientConn.Close()
		_ = targetConn.Close()
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(targetConn, clientConn)
		_ = targetConn.Close()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(clientConn, targetConn)
		_ = clientConn.Close()
	}()
	wg.Wait()
}

func (l *Listener) emitClientError(err error, sni string) {
	if l.opts.Bus == nil {
		return
	}
	kind := events.KindClientError
	if sni != "" {
		kind = events.KindTLSClientError
	}
	l.opts.Bus.Emit(events.Event{Kind: kind, Err: err, SNI: sni})
}
