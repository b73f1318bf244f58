package transport

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"

	"golang.org/x/net/http2"
)

// feedMITMConn serves HTTP requests arriving on an already-handshaked MITM
// TLS connection, routing each through serveHTTP. HTTP/2 connections (ALPN
// negotiated "h2") are handed to an http2.Server directly; HTTP/1.1
// connections are read request-by-request with http.ReadRequest, grounded
// on pkg/proxy/https.go's handleTLSConnection loop.
func (l *Listener) feedMITMConn(conn *tls.Conn) {
	hijacked := false
	defer func() {
		if !hijacked {
			_ = conn.Close()
		}
	}()

	if conn.ConnectionState().NegotiatedProtocol == "h2" {
		(&http2.Server{}).ServeConn(conn, &http2.ServeConnOpts{
			Handler: http.HandlerFunc(l.serveHTTP),
		})
		return
	}

	reader := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.emitClientError(err, "")
			}
			return
		}
		req.URL.Scheme = "https"
		if req.URL.Host == "" {
			req.URL.Host = req.Host
		}

		w := newConnResponseWriter(conn)
		l.serveHTTP(w, req)
		if w.hijacked {
			hijacked = true
			return
		}
		if err := w.flush(); err != nil {
			return
		}
	}
}

// connResponseWriter is a minimal http.ResponseWriter/http.Hijacker backed
// directly by the raw connection, so handler kinds that hijack (close,
// reset, timeout) work the same way over a MITM'd connection as they do
// over the plain-HTTP listener.
type connResponseWriter struct {
	conn        net.Conn
	header      http.Header
	wroteHeader bool
	statusCode  int
	buf         []byte
	hijacked    bool
}

func newConnResponseWriter(conn net.Conn) *connResponseWriter {
	return &connResponseWriter{conn: conn, header: make(http.Header)}
}

func (w *connResponseWriter) Header() http.Header { return w.header }

func (w *connResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.statusCode = status
}

func (w *connResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *connResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	rw := bufio.NewReadWriter(bufio.NewReader(w.conn), bufio.NewWriter(w.conn))
	return w.conn, rw, nil
}

func (w *connResponseWriter) Flush() {}

func (w *connResponseWriter) flush() error {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	resp := &http.Response{
		StatusCode: w.statusCode,
		Status:     http.StatusText(w.statusCode),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     w.header,
		Body:       io.NopCloser(newBytesReader(w.buf)),
		ContentLength: int64(len(w.buf)),
	}
	return resp.Write(w.conn)
}

func newBytesReader(b []byte) io.Reader {
	return &byteSliceReader{b: b}
}

type byteSliceReader struct {
	b []byte
	i int
}

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

// newMITMListener wraps ln so that every accepted connection is handed a
// fresh TLS handshake keyed on SNI via certauth.Minter, for the direct
// (non-CONNECT) HTTPS listener.
func newMITMListener(ln net.Listener, l *Listener) net.Listener {
	cfg := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return l.opts.Minter.CertFor(hello.ServerName, false)
		},
	}
	if l.opts.HTTP2 == HTTP2Always || l.opts.HTTP2 == HTTP2Fallback {
		cfg.NextProtos = []string{"h2", "http/1.1"}
	}
	return tls.NewListener(ln, cfg)
}
