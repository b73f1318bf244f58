package exec

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/getmockd/mockproxy/pkg/httpmsg"
	"github.com/stretchr/testify/require"
)

func TestExecReply(t *testing.T) {
	h := &Handler{Kind: KindReply, Status: 201, Body: []byte("hi")}
	rec := httptest.NewRecorder()
	out := Execute(context.Background(), h, rec, nil, nil, nil)

	require.Equal(t, 201, out.StatusCode)
	require.Equal(t, "hi", rec.Body.String())
	require.Equal(t, "2", rec.Header().Get("Content-Length"))
}

func TestExecReplyDefaultsTo200(t *testing.T) {
	h := &Handler{Kind: KindReply, Body: []byte("ok")}
	rec := httptest.NewRecorder()
	out := Execute(context.Background(), h, rec, nil, nil, nil)
	require.Equal(t, http.StatusOK, out.StatusCode)
}

func TestExecCallbackSuccess(t *testing.T) {
	h := &Handler{
		Kind: KindCallback,
		Callback: func(req *Request) (*Reply, error) {
			return &Reply{Status: 200, Body: []byte("from-callback")}, nil
		},
	}
	rec := httptest.NewRecorder()
	out := Execute(context.Background(), h, rec, nil, &httpmsg.Request{Method: "GET"}, nil)

	require.Equal(t, 200, out.StatusCode)
	require.Equal(t, "from-callback", rec.Body.String())
}

func TestExecCallbackTimeout(t *testing.T) {
	h := &Handler{
		Kind:            KindCallback,
		CallbackTimeout: 10 * time.Millisecond,
		Callback: func(req *Request) (*Reply, error) {
			time.Sleep(time.Second)
			return &Reply{Status: 200}, nil
		},
	}
	rec := httptest.NewRecorder()
	out := Execute(context.Background(), h, rec, nil, &httpmsg.Request{Method: "GET"}, nil)

	require.Equal(t, http.StatusInternalServerError, out.StatusCode)
	require.Error(t, out.Err)
}

func TestExecCallbackPanicRecovered(t *testing.T) {
	h := &Handler{
		Kind: KindCallback,
		Callback: func(req *Request) (*Reply, error) {
			panic("boom")
		},
	}
	rec := httptest.NewRecorder()
	out := Execute(context.Background(), h, rec, nil, &httpmsg.Request{Method: "GET"}, nil)

	require.Equal(t, http.StatusInternalServerError, out.StatusCode)
	require.Error(t, out.Err)
}

func TestExecPassthroughWithoutExecutorIsBadGateway(t *testing.T) {
	h := &Handler{Kind: KindPassthrough, Passthrough: &PassthroughOptions{}}
	rec := httptest.NewRecorder()
	out := Execute(context.Background(), h, rec, httptest.NewRequest("GET", "/", nil), nil, nil)
	require.Equal(t, http.StatusBadGateway, out.StatusCode)
}

func TestExecPassthroughDelegates(t *testing.T) {
	h := &Handler{Kind: KindPassthrough, Passthrough: &PassthroughOptions{}}
	rec := httptest.NewRecorder()
	called := false
	exec := func(ctx context.Context, opts *PassthroughOptions, w http.ResponseWriter, raw *http.Request) error {
		called = true
		w.WriteHeader(204)
		return nil
	}
	out := Execute(context.Background(), h, rec, httptest.NewRequest("GET", "/", nil), nil, exec)

	require.True(t, called)
	require.NoError(t, out.Err)
	require.Equal(t, 204, rec.Code)
}

func TestExecFileServesContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "body.txt")
	require.NoError(t, os.WriteFile(path, []byte("served from disk"), 0o644))

	h := &Handler{Kind: KindFile, Status: http.StatusOK, Path: path}
	rec := httptest.NewRecorder()
	out := Execute(context.Background(), h, rec, nil, nil, nil)

	require.Equal(t, http.StatusOK, out.StatusCode)
	require.Equal(t, "served from disk", rec.Body.String())
}

func TestExecFileRejectsTraversal(t *testing.T) {
	h := &Handler{Kind: KindFile, Path: "../../etc/passwd"}
	rec := httptest.NewRecorder()
	out := Execute(context.Background(), h, rec, nil, nil, nil)

	require.Equal(t, http.StatusInternalServerError, out.StatusCode)
	require.Error(t, out.Err)
}

func TestExecPassthroughUpstreamError(t *testing.T) {
	h := &Handler{Kind: KindPassthrough, Passthrough: &PassthroughOptions{}}
	rec := httptest.NewRecorder()
	exec := func(ctx context.Context, opts *PassthroughOptions, w http.ResponseWriter, raw *http.Request) error {
		return errors.New("dial failed")
	}
	out := Execute(context.Background(), h, rec, httptest.NewRequest("GET", "/", nil), nil, exec)
	require.Equal(t, http.StatusBadGateway, out.StatusCode)
	require.True(t, strings.Contains(out.Err.Error(), "dial failed"))
}
