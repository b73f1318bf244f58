package mockproxy

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getmockd/mockproxy/internal/id"
	"github.com/getmockd/mockproxy/pkg/events"
	"github.com/getmockd/mockproxy/pkg/exec"
	"github.com/getmockd/mockproxy/pkg/httpmsg"
	"github.com/getmockd/mockproxy/pkg/matching"
	"github.com/getmockd/mockproxy/pkg/metrics"
	"github.com/getmockd/mockproxy/pkg/reqlog"
	"github.com/getmockd/mockproxy/pkg/ruleset"
	"github.com/getmockd/mockproxy/pkg/wsbridge"
)

// ServeHTTP is the engine's single entry point, wired as the pkg/transport
// Listener's Handler: CORS preflight short-circuit, then dispatch to either
// the WebSocket bridge or the ordinary HTTP rule path (§4.3, §4.7, §4.10).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snapshot, _ := s.snapshot(r)
	s.bus.Emit(events.Event{Kind: events.KindRequestInitiated, RequestID: snapshot.ID, Method: snapshot.Method, Path: snapshot.Path, RemoteAddr: snapshot.RemoteAddr})
	s.bus.Emit(events.Event{Kind: events.KindRequest, RequestID: snapshot.ID, Method: snapshot.Method, Path: snapshot.Path, RemoteAddr: snapshot.RemoteAddr})

	if s.opts.CORS && r.Method == http.MethodOptions && !s.hasMatchingRule(snapshot) {
		s.respondPreflight(w, r)
		s.bus.Emit(events.Event{Kind: events.KindResponse, RequestID: snapshot.ID, Method: snapshot.Method, Path: snapshot.Path, StatusCode: http.StatusOK})
		return
	}

	if isWebSocketUpgrade(r) {
		s.serveWebSocket(w, r, snapshot)
		return
	}
	s.serveHTTPRequest(w, r, snapshot)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// snapshot parses r into an immutable httpmsg.Request, enforcing
// maxBodySize and marking the body dropped if exceeded (§4.1, §4.5).
func (s *Server) snapshot(r *http.Request) (*httpmsg.Request, bool) {
	host, portStr, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
		portStr = ""
	}
	port := 0
	if portStr != "" {
		port, _ = strconv.Atoi(portStr)
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
		if port == 0 {
			port = 443
		}
	} else if port == 0 {
		port = 80
	}

	limit := s.opts.MaxBodySize
	var body []byte
	bodySize := 0
	dropped := false
	if r.Body != nil {
		// Read the whole body, not just up to the limit: the snapshot's Body
		// is capped for matching/logging, but r.Body is restored below so a
		// passthrough handler can still stream every byte upstream (§4.6).
		full, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(full))
		bodySize = len(full)
		if int64(bodySize) > limit {
			dropped = true
		} else {
			body = full
		}
	}

	headerList := make([]httpmsg.HeaderPair, 0, len(r.Header))
	for k, vs := range r.Header {
		for _, v := range vs {
			headerList = append(headerList, httpmsg.HeaderPair{Key: k, Value: v})
		}
	}

	proto := httpmsg.ProtocolHTTP11
	if r.ProtoMajor == 2 {
		proto = httpmsg.ProtocolHTTP2
	}

	return &httpmsg.Request{
		ID:          id.New(),
		Timestamp:   time.Now(),
		RemoteAddr:  r.RemoteAddr,
		Protocol:    proto,
		Scheme:      scheme,
		Host:        host,
		Port:        port,
		Method:      r.Method,
		Path:        r.URL.Path,
		RawQuery:    r.URL.RawQuery,
		Headers:     r.Header,
		HeaderList:  headerList,
		Cookies:     r.Cookies(),
		Body:        body,
		BodySize:    bodySize,
		BodyDropped: dropped,
		Trailers:    r.Trailer,
	}, dropped
}

func (s *Server) serveHTTPRequest(w http.ResponseWriter, r *http.Request, snapshot *httpmsg.Request) {
	start := time.Now()
	snap := s.store.Snapshot()
	rule, ok := ruleset.Select(snap, ruleset.ProtocolHTTP, snapshot)
	if !ok {
		metrics.MatchMissesTotal.Add(1)
		s.respondMiss(w, snap, snapshot)
		s.bus.Emit(events.Event{Kind: events.KindResponse, RequestID: snapshot.ID, Method: snapshot.Method, Path: snapshot.Path, StatusCode: http.StatusServiceUnavailable})
		return
	}
	if hits, err := metrics.MatchHitsTotal.WithLabels(rule.ID); err == nil {
		_ = hits.Inc()
	}

	out := exec.Execute(r.Context(), rule.Handler, w, r, snapshot, s.passer.Executor())
	if dur, err := metrics.RequestDuration.WithLabels(snapshot.Method); err == nil {
		dur.Observe(time.Since(start).Seconds())
	}
	if rule.Handler.Kind == exec.KindPassthrough {
		if proxied, err := metrics.ProxyRequestsTotal.WithLabels(snapshot.Method, strconv.Itoa(out.StatusCode)); err == nil {
			_ = proxied.Inc()
		}
	}
	s.logAndEmit(snapshot, rule, out)
}

func (s *Server) logAndEmit(snapshot *httpmsg.Request, rule *ruleset.Rule, out exec.Outcome) {
	kind := events.KindResponse
	if out.Aborted && out.StatusCode == 0 {
		kind = events.KindAbort
	}
	ev := events.Event{Kind: kind, RequestID: snapshot.ID, Method: snapshot.Method, Path: snapshot.Path, StatusCode: out.StatusCode, Err: out.Err}
	s.bus.Emit(ev)

	if reqs, err := metrics.RequestsTotal.WithLabels(snapshot.Method, strconv.Itoa(out.StatusCode)); err == nil {
		_ = reqs.Inc()
	}
	if out.Err != nil {
		if errs, err := metrics.ErrorsTotal.WithLabels("handler"); err == nil {
			_ = errs.Inc()
		}
	}

	ruleset.RecordIfEnabled(rule, snapshot, out.StatusCode)

	entry := &reqlog.Entry{
		ID:             snapshot.ID,
		Timestamp:      snapshot.Timestamp,
		Protocol:       reqlog.ProtocolHTTP,
		Method:         snapshot.Method,
		Path:           snapshot.Path,
		QueryString:    snapshot.RawQuery,
		Headers:        snapshot.Headers,
		BodySize:       snapshot.BodySize,
		RemoteAddr:     snapshot.RemoteAddr,
		ResponseStatus: out.StatusCode,
	}
	if rule != nil {
		entry.MatchedRuleID = rule.ID
	}
	if out.Err != nil {
		entry.Error = out.Err.Error()
	}
	s.history.Log(entry)
}

// respondMiss synthesizes the 503 "no rules were found matching" body
// (§4.3 step 4, §6). When suggestChanges is on, it appends a near-miss
// explanation per registered rule.
func (s *Server) respondMiss(w http.ResponseWriter, snap ruleset.Snapshot, req *httpmsg.Request) {
	var b strings.Builder
	fmt.Fprintf(&b, "No rules were found matching %s %s\n", req.Method, req.Path)

	if s.opts.SuggestChanges {
		b.WriteString("\ncandidate rules:\n")
		for _, r := range snap.HTTP {
			miss := matching.DescribeMiss(r.ID, r.Matcher, req)
			fmt.Fprintf(&b, "  - rule %s: %s\n", miss.RuleID, miss.Reason)
		}
		fmt.Fprintf(&b, "\nsuggestion: register a rule, e.g.\n  server.Get(%q).ThenReply(200, \"ok\", nil)\n", req.Path)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(w, b.String())
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request, snapshot *httpmsg.Request) {
	snap := s.store.Snapshot()
	rule, ok := ruleset.Select(snap, ruleset.ProtocolWebSocket, snapshot)
	if !ok {
		metrics.MatchMissesTotal.Add(1)
		s.respondMiss(w, snap, snapshot)
		s.bus.Emit(events.Event{Kind: events.KindResponse, RequestID: snapshot.ID, StatusCode: http.StatusServiceUnavailable})
		return
	}
	if hits, err := metrics.MatchHitsTotal.WithLabels(rule.ID); err == nil {
		_ = hits.Inc()
	}

	if conns, err := metrics.ActiveConnections.WithLabels("websocket"); err == nil {
		conns.Inc()
		defer conns.Dec()
	}

	h := rule.Handler
	var err error
	switch h.Kind {
	case exec.KindPassthrough:
		upstreamURL := passthroughWSURL(snapshot, h.Passthrough)
		if proxied, perr := metrics.ProxyRequestsTotal.WithLabels(snapshot.Method, "101"); perr == nil {
			_ = proxied.Inc()
		}
		err = wsbridge.Passthrough(w, r, upstreamURL, r.Header.Clone(), dialTimeout(h.Passthrough))
	default:
		err = wsbridge.ServeCanned(w, r, cannedResponseFor(h))
	}

	status := http.StatusSwitchingProtocols
	kind := events.KindResponse
	if err != nil {
		kind = events.KindAbort
		if errs, merr := metrics.ErrorsTotal.WithLabels("handler"); merr == nil {
			_ = errs.Inc()
		}
	}
	s.bus.Emit(events.Event{Kind: kind, RequestID: snapshot.ID, StatusCode: status, Err: err})
	ruleset.RecordIfEnabled(rule, snapshot, status)

	s.history.Log(&reqlog.Entry{
		ID:             snapshot.ID,
		Timestamp:      snapshot.Timestamp,
		Protocol:       reqlog.ProtocolWebSocket,
		Method:         snapshot.Method,
		Path:           snapshot.Path,
		RemoteAddr:     snapshot.RemoteAddr,
		MatchedRuleID:  rule.ID,
		ResponseStatus: status,
		WebSocket:      &reqlog.WebSocketMeta{ConnectionID: snapshot.ID, Direction: "inbound"},
	})
}

func dialTimeout(opts *exec.PassthroughOptions) time.Duration {
	if opts == nil {
		return 0
	}
	return opts.CallbackTimeout
}

func passthroughWSURL(snapshot *httpmsg.Request, opts *exec.PassthroughOptions) string {
	scheme := "ws"
	host := snapshot.Host
	port := snapshot.Port
	path := snapshot.Path
	if snapshot.Scheme == "https" {
		scheme = "wss"
	}
	if opts != nil && opts.TargetOverrides != nil {
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
	}
	if port != 0 {
		host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	url := scheme + "://" + host + path
	if snapshot.RawQuery != "" {
		url += "?" + snapshot.RawQuery
	}
	return url
}

// cannedResponseFor maps a ThenAcceptWebSocket/ThenCloseWebSocket handler
// onto a wsbridge.CannedResponse, the WS analogue of a reply/close handler
// (§4.7: "canned close/accept, echo").
func cannedResponseFor(h *exec.Handler) wsbridge.CannedResponse {
	switch h.Kind {
	case exec.KindClose, exec.KindReset:
		return wsbridge.CannedResponse{Kind: wsbridge.CannedClose, CloseCode: h.Status, Reason: string(h.Body)}
	default:
		return wsbridge.CannedResponse{Kind: wsbridge.CannedAccept, Echo: h.Status == http.StatusAccepted}
	}
}
