package wsbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestServeCannedEcho(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = ServeCanned(w, r, CannedResponse{Kind: CannedAccept, Echo: true})
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := ws.Dial(context.Background(), wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	require.NoError(t, conn.Write(context.Background(), ws.MessageText, []byte("hello")))
	typ, data, err := conn.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, ws.MessageText, typ)
	require.Equal(t, "hello", string(data))
}

func TestServeCannedClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = ServeCanned(w, r, CannedResponse{Kind: CannedClose, CloseCode: int(ws.StatusGoingAway), Reason: "bye"})
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := ws.Dial(context.Background(), wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	_, _, err = conn.Read(context.Background())
	require.Error(t, err)
	closeErr := ws.CloseStatus(err)
	require.Equal(t, ws.StatusGoingAway, closeErr)
}

func TestPassthroughBridgesFrames(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(typ, data); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()
	upstreamWSURL := "ws" + strings.TrimPrefix(upstream.URL, "http")

	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = Passthrough(w, r, upstreamWSURL, nil, 5*time.Second)
	}))
	defer proxy.Close()
	proxyWSURL := "ws" + strings.TrimPrefix(proxy.URL, "http")

	conn, _, err := ws.Dial(context.Background(), proxyWSURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	require.NoError(t, conn.Write(context.Background(), ws.MessageText, []byte("ping")))
	typ, data, err := conn.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, ws.MessageText, typ)
	require.Equal(t, "ping", string(data))
}
