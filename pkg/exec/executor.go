package exec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/getmockd/mockproxy/pkg/httpmsg"
	"github.com/getmockd/mockproxy/pkg/util"
)

// PassthroughExecutor dials the upstream described by opts and streams the
// exchange to w. It lives in pkg/passthrough; Execute is handed a function
// value rather than importing that package directly, keeping the handler
// executor (C4) independent of the passthrough client (C6) per §2.
type PassthroughExecutor func(ctx context.Context, opts *PassthroughOptions, w http.ResponseWriter, raw *http.Request) error

// Outcome describes how a handler terminated, for the caller to decide
// which terminal event to emit.
type Outcome struct {
	StatusCode int   // 0 when no HTTP response was produced (close/reset/timeout)
	Err        error // non-nil on HandlerError/UpstreamError/ClientError
	Aborted    bool
}

// Execute runs h against raw/snapshot, writing to w, and returns how the
// exchange ended. Execute itself does not emit the terminal event — the
// caller does, immediately after Execute returns and before the socket
// flush completes, matching §4.4's happens-before requirement: "abort" for
// close, reset and timeout (Aborted with no StatusCode), "response" for
// every other outcome, passthrough included. Execute is responsible only
// for the write itself.
func Execute(ctx context.Context, h *Handler, w http.ResponseWriter, raw *http.Request, snapshot *httpmsg.Request, passthrough PassthroughExecutor) Outcome {
	switch h.Kind {
	case KindReply:
		return execReply(h, w)
	case KindFile:
		return execFile(h, w)
	case KindStreamReply:
		return execStream(h, w)
	case KindCallback:
		return execCallback(ctx, h, w, snapshot)
	case KindClose:
		return execClose(w, false)
	case KindReset:
		return execClose(w, true)
	case KindTimeout:
		return execTimeout(ctx, w)
	case KindPassthrough:
		return execPassthrough(ctx, h, w, raw, passthrough)
	default:
		return Outcome{StatusCode: 500, Err: fmt.Errorf("unknown handler kind %q", h.Kind)}
	}
}

func writeReply(w http.ResponseWriter, status int, headers http.Header, body []byte) {
	dst := w.Header()
	for k, vs := range headers {
		dst[k] = vs
	}
	if dst.Get("Content-Length") == "" {
		dst.Set("Content-Length", strconv.Itoa(len(body)))
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func execReply(h *Handler, w http.ResponseWriter) Outcome {
	status := h.Status
	if status == 0 {
		status = http.StatusOK
	}
	writeReply(w, status, h.Headers, h.Body)
	return Outcome{StatusCode: status}
}

func execFile(h *Handler, w http.ResponseWriter) Outcome {
	status := h.Status
	if status == 0 {
		status = http.StatusOK
	}
	path, ok := util.SafeFilePathAllowAbsolute(h.Path)
	if !ok {
		err := fmt.Errorf("unsafe file path %q", h.Path)
		writeReply(w, http.StatusInternalServerError, nil, []byte("handler error: "+err.Error()))
		return Outcome{StatusCode: http.StatusInternalServerError, Err: err}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		writeReply(w, http.StatusInternalServerError, nil, []byte("handler error: "+err.Error()))
		return Outcome{StatusCode: http.StatusInternalServerError, Err: err}
	}
	writeReply(w, status, h.Headers, data)
	return Outcome{StatusCode: status}
}

func execStream(h *Handler, w http.ResponseWriter) Outcome {
	status := h.Status
	if status == 0 {
		status = http.StatusOK
	}
	dst := w.Header()
	for k, vs := range h.Headers {
		dst[k] = vs
	}
	w.WriteHeader(status)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := h.Stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return Outcome{StatusCode: status, Err: werr, Aborted: true}
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Outcome{StatusCode: status}
			}
			return Outcome{StatusCode: status, Err: err, Aborted: true}
		}
	}
}

func execCallback(ctx context.Context, h *Handler, w http.ResponseWriter, snapshot *httpmsg.Request) (out Outcome) {
	timeout := h.CallbackTimeout
	if timeout == 0 {
		timeout = DefaultCallbackTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := &Request{
		Method:     snapshot.Method,
		Path:       snapshot.Path,
		RawQuery:   snapshot.RawQuery,
		Headers:    snapshot.Headers,
		Body:       snapshot.EffectiveBody(),
		RemoteAddr: snapshot.RemoteAddr,
	}

	result := make(chan *Reply, 1)
	errs := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errs <- fmt.Errorf("callback panicked: %v", r)
			}
		}()
		reply, err := h.Callback(req)
		if err != nil {
			errs <- err
			return
		}
		result <- reply
	}()

	select {
	case <-cctx.Done():
		writeReply(w, http.StatusInternalServerError, nil, []byte("handler error: callback timed out"))
		return Outcome{StatusCode: http.StatusInternalServerError, Err: cctx.Err()}
	case err := <-errs:
		writeReply(w, http.StatusInternalServerError, nil, []byte("handler error: "+err.Error()))
		return Outcome{StatusCode: http.StatusInternalServerError, Err: err}
	case reply := <-result:
		status := reply.Status
		if status == 0 {
			status = http.StatusOK
		}
		writeReply(w, status, reply.Headers, reply.Body)
		return Outcome{StatusCode: status}
	}
}

// execClose hijacks the connection and closes it — gracefully, or with a
// forced RST when reset is true. Grounded on pkg/proxy/https.go's
// http.Hijacker use and pkg/chaos's FaultConnectionReset intent, completed
// here with a real SetLinger(0) instead of the teacher's simulated fault.
func execClose(w http.ResponseWriter, reset bool) Outcome {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return Outcome{Err: errors.New("connection does not support hijacking"), Aborted: true}
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return Outcome{Err: err, Aborted: true}
	}
	if reset {
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetLinger(0)
		}
	}
	_ = conn.Close()
	return Outcome{Aborted: true}
}

// execTimeout hijacks the connection and holds it open without writing,
// relying on the peer's (or passthrough client's) own idle timeout to
// eventually close it, per §4.4.
func execTimeout(_ context.Context, w http.ResponseWriter) Outcome {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return Outcome{Err: errors.New("connection does not support hijacking"), Aborted: true}
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return Outcome{Err: err, Aborted: true}
	}
	go func() {
		// The request context ends as soon as the handler returns, so the
		// socket is released only once the peer closes its end.
		_, _ = io.Copy(io.Discard, conn)
		_ = conn.Close()
	}()
	return Outcome{Aborted: true}
}

func execPassthrough(ctx context.Context, h *Handler, w http.ResponseWriter, raw *http.Request, passthrough PassthroughExecutor) Outcome {
	if passthrough == nil {
		writeReply(w, http.StatusBadGateway, nil, []byte("passthrough not configured"))
		return Outcome{StatusCode: http.StatusBadGateway, Err: errors.New("no passthrough executor wired")}
	}
	if err := passthrough(ctx, h.Passthrough, w, raw); err != nil {
		var timeoutErr interface{ Timeout() bool }
		status := http.StatusBadGateway
		if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
			status = http.StatusGatewayTimeout
		}
		return Outcome{StatusCode: status, Err: err}
	}
	return Outcome{StatusCode: 0} // passthrough wrote its own status
}
