// Package wsbridge upgrades an inbound HTTP request to a WebSocket
// connection and either serves a canned response or bridges frames to an
// upstream origin (C7). Grounded on the teacher's pkg/websocket/connection.go
// for the accept side (coder/websocket) and pkg/cli/websocket.go for the
// outbound dial pattern (gorilla/websocket), trimmed to the matcher-driven
// shape spec.md §4.7 describes — no scenario/heartbeat/group-broadcast
// superstructure, which has no analogue here.
package wsbridge

import (
	"context"
	"net/http"
	"time"

	ws "github.com/coder/websocket"
	"github.com/gorilla/websocket"
)

// MessageKind mirrors the coder/websocket message type enum, kept distinct
// so callers never need to import coder/websocket directly.
type MessageKind int

const (
	MessageText MessageKind = iota
	MessageBinary
)

// CannedResponse describes a non-passthrough WS rule outcome (§4.7: "canned
// close/accept, echo").
type CannedResponse struct {
	Kind      CannedKind
	CloseCode int
	Reason    string
	Echo      bool
}

type CannedKind int

const (
	CannedAccept CannedKind = iota
	CannedClose
)

// acceptTimeout bounds the WS upgrade handshake itself.
const acceptTimeout = 10 * time.Second

// ServeCanned upgrades r and either immediately closes with resp's code/reason,
// or accepts and echoes every inbound frame back verbatim until the peer
// closes, per §4.7's "Respond with a canned close/accept, echo".
func ServeCanned(w http.ResponseWriter, r *http.Request, resp CannedResponse) error {
	conn, err := ws.Accept(w, r, nil)
	if err != nil {
		return err
	}
	defer func() { _ = conn.CloseNow() }()

	if resp.Kind == CannedClose {
		code := resp.CloseCode
		if code == 0 {
			code = int(ws.StatusNormalClosure)
		}
		return conn.Close(ws.StatusCode(code), resp.Reason)
	}

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return nil // peer closed; handshake/accept already succeeded
		}
		if !resp.Echo {
			continue
		}
		if err := conn.Write(ctx, typ, data); err != nil {
			return err
		}
	}
}

// Passthrough upgrades r, dials upstreamURL with gorilla/websocket, and
// shuttles messages bidirectionally until either side closes. Whole text
// and binary messages are forwarded with their type; a fragmented message
// goes on as a single frame, and ping/pong frames are not forwarded. The
// upstream's close code and reason reach the client; a close from the
// client reaches the upstream as a normal closure (1000) with no reason.
func Passthrough(w http.ResponseWriter, r *http.Request, upstreamURL string, headers http.Header, dialTimeout time.Duration) error {
	inbound, err := ws.Accept(w, r, nil)
	if err != nil {
		return err
	}
	defer func() { _ = inbound.CloseNow() }()

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	if dialTimeout == 0 {
		dialer.HandshakeTimeout = acceptTimeout
	}
	outbound, _, err := dialer.Dial(upstreamURL, headers)
	if err != nil {
		_ = inbound.Close(ws.StatusInternalError, "upstream dial failed")
		return err
	}
	defer func() { _ = outbound.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- pumpInboundToOutbound(ctx, inbound, outbound) }()
	go func() { errs <- pumpOutboundToInbound(ctx, inbound, outbound) }()

	err = <-errs
	cancel()
	<-errs // drain the other pump so both goroutines exit before returning
	return err
}

func pumpInboundToOutbound(ctx context.Context, in *ws.Conn, out *websocket.Conn) error {
	for {
		typ, data, err := in.Read(ctx)
		if err != nil {
			_ = out.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
		if err := out.WriteMessage(toGorillaType(typ), data); err != nil {
			return err
		}
	}
}

func pumpOutboundToInbound(ctx context.Context, in *ws.Conn, out *websocket.Conn) error {
	for {
		typ, data, err := out.ReadMessage()
		if err != nil {
			code := ws.StatusNormalClosure
			reason := ""
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ws.StatusCode(ce.Code)
				reason = ce.Text
			}
			_ = in.Close(code, reason)
			return nil
		}
		if err := in.Write(ctx, fromGorillaType(typ), data); err != nil {
			return err
		}
	}
}

func toGorillaType(t ws.MessageType) int {
	if t == ws.MessageBinary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func fromGorillaType(t int) ws.MessageType {
	if t == websocket.BinaryMessage {
		return ws.MessageBinary
	}
	return ws.MessageText
}
