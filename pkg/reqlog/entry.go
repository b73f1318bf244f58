// Package reqlog captures request/response pairs for user inspection — the
// server-wide history (a rule's own seenRequests are kept by pkg/ruleset),
// not operational logging (see pkg/oplog for that). It is a leaf package: no dependency on ruleset or
// exec, so both can import it without a cycle.
package reqlog

import "time"

// Protocol identifies which lane of the engine produced an Entry.
type Protocol string

const (
	ProtocolHTTP      Protocol = "http"
	ProtocolWebSocket Protocol = "websocket"
)

// WebSocketMeta carries frame-level detail for websocket entries.
type WebSocketMeta struct {
	ConnectionID string `json:"connectionId"`
	MessageType  string `json:"messageType"` // text, binary, ping, pong, close
	Direction    string `json:"direction"`   // inbound, outbound
	CloseCode    int    `json:"closeCode,omitempty"`
}

// Entry is a single captured request/response exchange.
type Entry struct {
	ID             string              `json:"id"`
	Timestamp      time.Time           `json:"timestamp"`
	Protocol       Protocol            `json:"protocol"`
	Method         string              `json:"method"`
	Path           string              `json:"path"`
	QueryString    string              `json:"queryString,omitempty"`
	Headers        map[string][]string `json:"headers,omitempty"`
	Body           string              `json:"body,omitempty"`
	BodySize       int                 `json:"bodySize"`
	RemoteAddr     string              `json:"remoteAddr"`
	MatchedRuleID  string              `json:"matchedRuleId,omitempty"`
	ResponseStatus int                 `json:"responseStatus"`
	ResponseBody   string              `json:"responseBody,omitempty"`
	DurationMs     int                 `json:"durationMs"`
	Error          string              `json:"error,omitempty"`
	WebSocket      *WebSocketMeta      `json:"websocket,omitempty"`
}
