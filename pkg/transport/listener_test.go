package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBindPortZeroBindsEphemeral(t *testing.T) {
	ln, err := bindPort(PortSpec{Numeric: 0})
	require.NoError(t, err)
	defer ln.Close()
	require.NotNil(t, ln.Addr())
}

func TestBindPortRangeFallsThroughWhenBusy(t *testing.T) {
	busy, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer busy.Close()
	busyPort := busy.Addr().(*net.TCPAddr).Port

	ln, err := bindPort(PortSpec{StartPort: busyPort, EndPort: busyPort + 5})
	require.NoError(t, err)
	defer ln.Close()
	require.NotEqual(t, busyPort, ln.Addr().(*net.TCPAddr).Port)
}

func TestListenerServesPlainHTTP(t *testing.T) {
	l, err := New(Options{
		Port: PortSpec{StartPort: 0},
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		}),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	addr := l.Addr().String()
	resp, err := http.Get("http://" + addr + "/anything")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, "ok", string(body))

	cancel()
	<-done
}

func TestHandleConnectTunnelsWhenNoMinter(t *testing.T) {
	upstream := newEchoTCPServer(t)
	defer upstream.Close()

	l, err := New(Options{
		Port:    PortSpec{StartPort: 0},
		Handler: http.NotFoundHandler(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()
	defer func() { cancel(); <-done }()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", upstream.addr, upstream.addr)
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "200")

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	n, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}

type echoTCPServer struct {
	ln   net.Listener
	addr string
}

func newEchoTCPServer(t *testing.T) *echoTCPServer {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	s := &echoTCPServer{ln: ln, addr: ln.Addr().String()}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(conn, conn)
		}
	}()
	return s
}

func (s *echoTCPServer) Close() error { return s.ln.Close() }

func TestMITMConnectMintsCertAndServesRequest(t *testing.T) {
	minter, caCert := newTestMinter(t)

	l, err := New(Options{
		Port:   PortSpec{StartPort: 0},
		Minter: minter,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/secret", r.URL.Path)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("mitm-ok"))
		}),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()
	defer func() { cancel(); <-done }()

	pool := x509.NewCertPool()
	pool.AddCert(caCert)
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	proxyAddr := l.Addr().String()

	rawConn, err := dialer.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer rawConn.Close()

	fmt.Fprintf(rawConn, "CONNECT example.test:443 HTTP/1.1\r\nHost: example.test:443\r\n\r\n")
	buf := make([]byte, 256)
	n, err := rawConn.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "200")

	tlsConn := tls.Client(rawConn, &tls.Config{ServerName: "example.test", RootCAs: pool})
	require.NoError(t, tlsConn.Handshake())

	req, _ := http.NewRequest(http.MethodGet, "https://example.test/secret", nil)
	require.NoError(t, req.Write(tlsConn))

	resp, err := http.ReadResponse(newBufioReader(tlsConn), req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, "mitm-ok", string(body))
}
