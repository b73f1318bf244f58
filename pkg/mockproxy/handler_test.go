package mockproxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/getmockd/mockproxy/pkg/exec"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// §8 invariant 5: AnyWebSocket().ThenAcceptWebSocket(true) accepts the
// upgrade and echoes each frame back.
func TestWebSocketEchoHandler(t *testing.T) {
	s := startTestServer(t)

	_, err := s.AnyWebSocket().ThenAcceptWebSocket(true)
	require.NoError(t, err)

	httpURL, err := s.URL()
	require.NoError(t, err)
	u, err := url.Parse(httpURL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/socket"

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, typ)
	require.Equal(t, "hello", string(data))
}

func TestWebSocketCloseHandler(t *testing.T) {
	s := startTestServer(t)

	_, err := s.AnyWebSocket().ThenCloseWebSocket(4000, "bye")
	require.NoError(t, err)

	httpURL, err := s.URL()
	require.NoError(t, err)
	u, err := url.Parse(httpURL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/socket"

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, 4000, closeErr.Code)
	require.Equal(t, "bye", closeErr.Text)
}

// §4.6: a passthrough rule forwards the exchange to the real origin.
func TestHTTPPassthroughForwardsToOverriddenTarget(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-From-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("from upstream"))
	}))
	defer upstream.Close()

	upstreamURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	upstreamPort, err := strconv.Atoi(upstreamURL.Port())
	require.NoError(t, err)

	s := startTestServer(t)
	_, err = s.Get("/proxied").ThenPassThrough(&exec.PassthroughOptions{
		TargetOverrides: &exec.URLOverride{
			Host: upstreamURL.Hostname(),
			Port: upstreamPort,
		},
	})
	require.NoError(t, err)

	mockURL, err := s.URL()
	require.NoError(t, err)

	resp, err := http.Get(mockURL + "/proxied")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "from upstream", string(body))
	require.Equal(t, "yes", resp.Header.Get("X-From-Upstream"))
}

func TestThenCallbackHandler(t *testing.T) {
	s := startTestServer(t)

	_, err := s.Get("/compute").ThenCallback(func(req *exec.Request) (*exec.Reply, error) {
		return &exec.Reply{Status: http.StatusOK, Body: []byte("computed:" + req.Path)}, nil
	}, 0)
	require.NoError(t, err)

	mockURL, err := s.URL()
	require.NoError(t, err)

	resp, err := http.Get(mockURL + "/compute")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "computed:/compute", string(body))
}

func TestHistoryRecordsServedRequests(t *testing.T) {
	s := startTestServer(t)

	_, err := s.Get("/widgets").ThenReply(http.StatusOK, "ok", nil)
	require.NoError(t, err)

	mockURL, err := s.URL()
	require.NoError(t, err)

	resp, err := http.Get(mockURL + "/widgets")
	require.NoError(t, err)
	resp.Body.Close()

	entries := s.History().List(nil)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	require.Equal(t, "/widgets", last.Path)
	require.Equal(t, http.StatusOK, last.ResponseStatus)
}
