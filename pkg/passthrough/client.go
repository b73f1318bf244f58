// Package passthrough dials an upstream origin on behalf of a passthrough
// handler (C6). Grounded on the teacher's pkg/proxy/https.go target-dial
// logic, but upgraded from a fresh tls.Dial per request to a pooled
// *http.Transport per (scheme,host,port), per spec.md §4.6's "connection
// reuse... with a small pool" requirement.
package passthrough

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/getmockd/mockproxy/pkg/exec"
)

// idleTimeout bounds how long a pooled origin's connections stay alive
// without use.
const idleTimeout = 30 * time.Second

// UpstreamError wraps a failure dialing or exchanging with the upstream
// origin, surfaced to the caller as a 502 (a 504 when it is a timeout) per
// spec.md §4.6/§7.
type UpstreamError struct {
	Host string
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error dialing %s: %v", e.Host, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Timeout() bool {
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

// Client holds one pooled *http.Transport per (scheme,host,port) origin.
type Client struct {
	mu         sync.RWMutex
	transports map[string]*http.Transport
}

// NewClient returns an empty, ready-to-use Client.
func NewClient() *Client {
	return &Client{transports: make(map[string]*http.Transport)}
}

func originKey(scheme, host string, port int) string {
	return scheme + "://" + host + ":" + strconv.Itoa(port)
}

// transportFor returns the pooled transport for origin, creating it (with
// TLS verification skipped only when ignoreHostCertificateErrors matches)
// if this is the first request to that origin.
func (c *Client) transportFor(scheme, host string, port int, skipVerify bool) *http.Transport {
	key := originKey(scheme, host, port)

	c.mu.RLock()
	t, ok := c.transports[key]
	c.mu.RUnlock()
	if ok {
		return t
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.transports[key]; ok {
		return t
	}
	t = &http.Transport{
		IdleConnTimeout: idleTimeout,
		TLSClientConfig: &tls.Config{InsecureSkipVerify: skipVerify}, //nolint:gosec // caller opted in via ignoreHostCertificateErrors
	}
	c.transports[key] = t
	return t
}

// matchesIgnoreList reports whether host:port matches any of the caller's
// ignoreHostCertificateErrors patterns — a bare host, a "host:port" pair, or
// a glob evaluated with doublestar (spec.md §4.1/§4.6).
func matchesIgnoreList(patterns []string, host string, port int) bool {
	hostPort := host + ":" + strconv.Itoa(port)
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, host); ok {
			return true
		}
		if ok, _ := doublestar.Match(p, hostPort); ok {
			return true
		}
	}
	return false
}

// Do forwards raw to the upstream origin, applying opts.TargetOverrides and
// running beforeRequest/beforeResponse around the exchange, and writes the
// result (or a 502/504 on failure) to w. It implements exec.PassthroughExecutor.
func (c *Client) Do(ctx context.Context, opts *exec.PassthroughOptions, w http.ResponseWriter, raw *http.Request) error {
	scheme, host, port, path := targetFor(raw, opts)

	var body []byte
	if raw.Body != nil {
		b, err := io.ReadAll(raw.Body)
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return err
		}
		body = b
	}

	req := &exec.Request{
		Method:     raw.Method,
		Path:       path,
		RawQuery:   raw.URL.RawQuery,
		Headers:    raw.Header.Clone(),
		Body:       body,
		RemoteAddr: raw.RemoteAddr,
	}

	timeout := time.Duration(0)
	if opts != nil {
		timeout = opts.CallbackTimeout
	}

	if opts != nil && opts.BeforeRequest != nil {
		rewritten, err := runWithTimeout(ctx, timeout, func() (*exec.Request, error) {
			return opts.BeforeRequest(req)
		})
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return err
		}
		req = rewritten
	}

	skipVerify := opts != nil && matchesIgnoreList(opts.IgnoreHostCertificateErrors, host, port)
	transport := c.transportFor(scheme, host, port, skipVerify)

	url := scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port)) + req.Path
	if req.RawQuery != "" {
		url += "?" + req.RawQuery
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return &UpstreamError{Host: host, Err: err}
	}
	copyHeaders(httpReq.Header, req.Headers)
	removeHopByHopHeaders(httpReq.Header)
	httpReq.Header.Set("X-Forwarded-For", req.RemoteAddr)
	httpReq.Header.Set("X-Forwarded-Host", host)

	httpResp, err := transport.RoundTrip(httpReq)
	if err != nil {
		uerr := &UpstreamError{Host: host, Err: err}
		status := http.StatusBadGateway
		if uerr.Timeout() {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, uerr)
		return uerr
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return &UpstreamError{Host: host, Err: err}
	}

	reply := &exec.Reply{Status: httpResp.StatusCode, Headers: httpResp.Header.Clone(), Body: respBody}

	if opts != nil && opts.BeforeResponse != nil {
		rewritten, err := runWithTimeout(ctx, timeout, func() (*exec.Reply, error) {
			return opts.BeforeResponse(reply)
		})
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return err
		}
		reply = rewritten
	}

	dst := w.Header()
	for k, vs := range reply.Headers {
		dst[k] = vs
	}
	w.WriteHeader(reply.Status)
	_, _ = w.Write(reply.Body)
	return nil
}

// targetFor resolves the upstream (scheme,host,port,path) from raw, applying
// opts.TargetOverrides field-by-field (§4.6).
func targetFor(raw *http.Request, opts *exec.PassthroughOptions) (scheme, host string, port int, path string) {
	scheme = "http"
	if raw.TLS != nil {
		scheme = "https"
	}
	host = raw.URL.Hostname()
	portStr := raw.URL.Port()
	if host == "" {
		host = raw.Host
		if h, p, err := net.SplitHostPort(raw.Host); err == nil {
			host, portStr = h, p
		}
	}
	port = defaultPort(scheme)
	if portStr != "" {
		if n, err := strconv.Atoi(portStr); err == nil {
			port = n
		}
	}
	path = raw.URL.Path

	if opts == nil || opts.TargetOverrides == nil {
		return scheme, host, port, path
	}
	ov := opts.TargetOverrides
	if ov.Scheme != "" {
		scheme = ov.Scheme
	}
	if ov.Host != "" {
		host = ov.Host
	}
	if ov.Port != 0 {
		port = ov.Port
	}
	if ov.Path != "" {
		path = ov.Path
	}
	return scheme, host, port, path
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)
	_, _ = w.Write([]byte("passthrough error: " + err.Error()))
}

// runWithTimeout runs fn in a goroutine, enforcing opts.CallbackTimeout (or
// exec.DefaultCallbackTimeout) and isolating a panic as an error — the same
// discipline exec.Execute applies to user callbacks (§4.6).
func runWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	if timeout == 0 {
		timeout = exec.DefaultCallbackTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan T, 1)
	errs := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errs <- fmt.Errorf("passthrough callback panicked: %v", r)
			}
		}()
		v, err := fn()
		if err != nil {
			errs <- err
			return
		}
		result <- v
	}()

	var zero T
	select {
	case <-cctx.Done():
		return zero, cctx.Err()
	case err := <-errs:
		return zero, err
	case v := <-result:
		return v, nil
	}
}

// Executor adapts Client to the exec.PassthroughExecutor signature expected
// by pkg/exec.Execute, keeping pkg/exec free of a direct dependency on the
// network client (pkg/passthrough imports pkg/exec, so the reverse import
// would be a cycle).
func (c *Client) Executor() exec.PassthroughExecutor {
	return c.Do
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Proxy-Connection", "TE", "Trailers", "Transfer-Encoding", "Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
