package mockproxy

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/getmockd/mockproxy/pkg/exec"
	"github.com/getmockd/mockproxy/pkg/matching"
	"github.com/getmockd/mockproxy/pkg/ruleset"
)

// RuleBuilder accumulates matchers and rule options for one registration,
// terminating in a thenX() call that registers the rule and returns its
// endpoint handle (§6: "each returns a builder terminating in thenX()").
type RuleBuilder struct {
	server          *Server
	protocol        ruleset.Protocol
	matchers        []matching.Matcher
	completionLimit int
	recordTraffic   bool
	fallback        bool
}

func (s *Server) verb(method, path string) *RuleBuilder {
	b := &RuleBuilder{
		server:        s,
		protocol:      ruleset.ProtocolHTTP,
		completionLimit: ruleset.Unlimited,
		recordTraffic: s.opts.RecordTraffic,
	}
	if method != "" {
		b.matchers = append(b.matchers, matching.Method{Value: method})
	}
	if path != "" {
		b.matchers = append(b.matchers, matching.ExactPath{Value: path})
	}
	return b
}

// Get registers against GET requests. path may be empty to match any path.
func (s *Server) Get(path string) *RuleBuilder { return s.verb(http.MethodGet, path) }

// Post registers against POST requests.
func (s *Server) Post(path string) *RuleBuilder { return s.verb(http.MethodPost, path) }

// Put registers against PUT requests.
func (s *Server) Put(path string) *RuleBuilder { return s.verb(http.MethodPut, path) }

// Delete registers against DELETE requests.
func (s *Server) Delete(path string) *RuleBuilder { return s.verb(http.MethodDelete, path) }

// Patch registers against PATCH requests.
func (s *Server) Patch(path string) *RuleBuilder { return s.verb(http.MethodPatch, path) }

// Head registers against HEAD requests.
func (s *Server) Head(path string) *RuleBuilder { return s.verb(http.MethodHead, path) }

// Options registers against OPTIONS requests. It fails with a ConfigError
// when CORS auto-handling is enabled, since preflight interception would
// otherwise be ambiguous (§4.10).
func (s *Server) Options(path string) (*RuleBuilder, error) {
	if s.opts.CORS {
		return nil, &ConfigError{Msg: "options() registration is unavailable while CORS auto-handling is enabled"}
	}
	return s.verb(http.MethodOptions, path), nil
}

// AnyRequest matches every HTTP request regardless of method or path (§3:
// the verbless registration builds its matcher from Always()).
func (s *Server) AnyRequest() *RuleBuilder {
	return &RuleBuilder{server: s, protocol: ruleset.ProtocolHTTP, completionLimit: ruleset.Unlimited, recordTraffic: s.opts.RecordTraffic}
}

// UnmatchedRequest registers the single fallback rule: it only ever serves a
// request that no ordinary rule claimed (§4.2, §8 invariant 3).
func (s *Server) UnmatchedRequest() *RuleBuilder {
	return &RuleBuilder{server: s, protocol: ruleset.ProtocolHTTP, completionLimit: ruleset.Unlimited, recordTraffic: s.opts.RecordTraffic, fallback: true}
}

// AnyWebSocket matches every WebSocket upgrade request.
func (s *Server) AnyWebSocket() *RuleBuilder {
	return &RuleBuilder{server: s, protocol: ruleset.ProtocolWebSocket, completionLimit: ruleset.Unlimited, recordTraffic: s.opts.RecordTraffic}
}

// Once caps the rule at a single invocation.
func (b *RuleBuilder) Once() *RuleBuilder { b.completionLimit = 1; return b }

// Times caps the rule at n invocations.
func (b *RuleBuilder) Times(n int) *RuleBuilder { b.completionLimit = n; return b }

// RecordTraffic overrides the server-wide default for this rule only.
func (b *RuleBuilder) RecordTraffic(enabled bool) *RuleBuilder {
	b.recordTraffic = enabled
	return b
}

// Matching appends an arbitrary matcher, for criteria the verb helpers don't
// have dedicated sugar for (query, header, cookie, body, ...).
func (b *RuleBuilder) Matching(m matching.Matcher) *RuleBuilder {
	b.matchers = append(b.matchers, m)
	return b
}

// MatchingPath appends a RegexPath matcher compiled from pattern, for the
// "path given as a regex" registration form (§3's recursive matcher variant).
// A pattern that fails to compile is silently dropped, keeping the builder
// chain panic-free; callers who need synchronous feedback should compile the
// pattern themselves and use Matching instead.
func (b *RuleBuilder) MatchingPath(pattern string) *RuleBuilder {
	re, err := matching.NewRegexPath(pattern)
	if err != nil {
		return b
	}
	b.matchers = append(b.matchers, re)
	return b
}

// Header appends a Header matcher for an exact value.
func (b *RuleBuilder) Header(key, value string) *RuleBuilder {
	return b.Matching(matching.Header{Key: key, Value: value})
}

// Query appends a Query matcher requiring every given key/value pair.
func (b *RuleBuilder) Query(values map[string]string) *RuleBuilder {
	return b.Matching(matching.Query{Values: values})
}

func (b *RuleBuilder) build(h *exec.Handler) (*ruleset.Endpoint, error) {
	rule := ruleset.BuildRule(b.protocol, b.matchers, b.completionLimit, h, b.recordTraffic)
	if b.fallback {
		if err := b.server.store.SetFallback(rule); err != nil {
			var ce *ruleset.ConfigError
			if errors.As(err, &ce) {
				return nil, &ConfigError{Msg: ce.Msg}
			}
			return nil, err
		}
		return ruleset.NewEndpoint(b.server.store, rule), nil
	}
	b.server.store.Add(rule)
	return ruleset.NewEndpoint(b.server.store, rule), nil
}

// ThenReply registers a reply handler: status/body/headers written verbatim
// (Content-Length computed if absent).
func (b *RuleBuilder) ThenReply(status int, body string, headers http.Header) (*ruleset.Endpoint, error) {
	return b.build(&exec.Handler{Kind: exec.KindReply, Status: status, Headers: headers, Body: []byte(body)})
}

// ThenStreamReply registers a streaming handler that pumps stream to the
// peer after writing status/headers.
func (b *RuleBuilder) ThenStreamReply(status int, stream io.Reader, headers http.Header) (*ruleset.Endpoint, error) {
	return b.build(&exec.Handler{Kind: exec.KindStreamReply, Status: status, Headers: headers, Stream: stream})
}

// ThenCallback registers a user callback, invoked with the parsed request
// and bounded by timeout (DefaultCallbackTimeout when zero).
func (b *RuleBuilder) ThenCallback(fn exec.CallbackFunc, timeout time.Duration) (*ruleset.Endpoint, error) {
	return b.build(&exec.Handler{Kind: exec.KindCallback, Callback: fn, CallbackTimeout: timeout})
}

// ThenFromFile registers a handler that serves path's contents as the body.
func (b *RuleBuilder) ThenFromFile(status int, path string, headers http.Header) (*ruleset.Endpoint, error) {
	return b.build(&exec.Handler{Kind: exec.KindFile, Status: status, Headers: headers, Path: path})
}

// ThenTimeout registers a handler that holds the connection open without
// writing a response.
func (b *RuleBuilder) ThenTimeout() (*ruleset.Endpoint, error) {
	return b.build(&exec.Handler{Kind: exec.KindTimeout})
}

// ThenCloseConnection registers a handler that closes the socket gracefully.
func (b *RuleBuilder) ThenCloseConnection() (*ruleset.Endpoint, error) {
	return b.build(&exec.Handler{Kind: exec.KindClose})
}

// ThenResetConnection registers a handler that closes the socket with RST.
func (b *RuleBuilder) ThenResetConnection() (*ruleset.Endpoint, error) {
	return b.build(&exec.Handler{Kind: exec.KindReset})
}

// ThenPassThrough registers a handler that forwards the exchange to the
// intended origin, optionally rewriting it per opts. For a WebSocket rule
// this opens an upstream connection and bridges frames bidirectionally
// (§4.7); for an HTTP rule it forwards the request/response exchange (§4.6).
func (b *RuleBuilder) ThenPassThrough(opts *exec.PassthroughOptions) (*ruleset.Endpoint, error) {
	if opts == nil {
		opts = &exec.PassthroughOptions{}
	}
	return b.build(&exec.Handler{Kind: exec.KindPassthrough, Passthrough: opts})
}

// ThenAcceptWebSocket registers a WebSocket rule that accepts the upgrade
// and, if echo is true, echoes every inbound frame back verbatim (§4.7's
// "canned ... accept, echo").
func (b *RuleBuilder) ThenAcceptWebSocket(echo bool) (*ruleset.Endpoint, error) {
	status := http.StatusOK
	if echo {
		status = http.StatusAccepted // repurposed as an "echo" marker; see cannedResponseFor
	}
	return b.build(&exec.Handler{Kind: exec.KindReply, Status: status})
}

// ThenCloseWebSocket registers a WebSocket rule that accepts the upgrade
// and immediately closes it with the given close code (§4.7's "canned
// close").
func (b *RuleBuilder) ThenCloseWebSocket(closeCode int, reason string) (*ruleset.Endpoint, error) {
	return b.build(&exec.Handler{Kind: exec.KindClose, Status: closeCode, Body: []byte(reason)})
}
