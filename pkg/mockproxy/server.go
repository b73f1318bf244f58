// Package mockproxy is the server façade (C10): it wires the rule store
// (pkg/ruleset), handler executor (pkg/exec), passthrough client
// (pkg/passthrough), WebSocket bridge (pkg/wsbridge), HTTP listener
// (pkg/transport), certificate minter (pkg/certauth), event bus
// (pkg/events) and request history (pkg/reqlog) into the single
// programmatic API described by spec.md §6. Grounded on the teacher's
// pkg/engine/server.go for the lifecycle/option pattern and
// pkg/engine/control_api.go for the bulk rule-operation shape.
package mockproxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/getmockd/mockproxy/pkg/certauth"
	"github.com/getmockd/mockproxy/pkg/events"
	"github.com/getmockd/mockproxy/pkg/metrics"
	"github.com/getmockd/mockproxy/pkg/oplog"
	"github.com/getmockd/mockproxy/pkg/passthrough"
	"github.com/getmockd/mockproxy/pkg/reqlog"
	"github.com/getmockd/mockproxy/pkg/ruleset"
	"github.com/getmockd/mockproxy/pkg/transport"
)

// Status is the server's lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

// DrainGrace is how long Stop waits for the serve loop to return after
// cancellation before it closes the listener itself (§5 "grace window of
// 500ms"). Cancellation already closes the listener's servers, and with
// them their open connections, without waiting for in-flight handlers.
const DrainGrace = 500 * time.Millisecond

// Server drives the engine's lifecycle and exposes the registration,
// inspection, and event-subscription surface of spec.md §6.
type Server struct {
	opts Options

	mu     sync.RWMutex
	status Status

	store     *ruleset.Store
	bus       *events.Bus
	history   *reqlog.Store
	log       *slog.Logger
	minter    *certauth.Minter
	passer    *passthrough.Client
	listener  *transport.Listener
	startedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Server from DefaultOptions() plus the given Option setters.
// Construction can fail with a ConfigError (e.g. a malformed CA).
func New(optFns ...Option) (*Server, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var minter *certauth.Minter
	if opts.CA != nil {
		m, err := loadCA(opts.CA)
		if err != nil {
			return nil, err
		}
		minter = m
	}

	metrics.Init()

	log := oplog.ForDebug(opts.Debug)
	s := &Server{
		opts:    opts,
		status:  StatusStopped,
		store:   ruleset.NewStore(),
		bus:     events.NewBus(log),
		history: reqlog.NewStore(0),
		log:     log,
		minter:  minter,
		passer:  passthrough.NewClient(),
	}
	return s, nil
}

// Start binds the configured port(s) and begins serving; the returned
// channel closes once the listener is actually accepting connections
// (spec.md §6's "start(...) → ready").
func (s *Server) Start(ctx context.Context) (<-chan struct{}, error) {
	s.mu.Lock()
	if s.status != StatusStopped {
		s.mu.Unlock()
		return nil, &ConfigError{Msg: fmt.Sprintf("cannot start from status %q", s.status)}
	}
	s.status = StatusStarting
	s.mu.Unlock()

	ln, err := transport.New(transport.Options{
		Port:        s.opts.Port,
		HTTPSPort:   s.opts.HTTPSPort,
		Minter:      s.minter,
		HTTP2:       s.opts.HTTP2,
		MaxBodySize: s.opts.MaxBodySize,
		Bus:         s.bus,
		Handler:     s,
		DialTimeout: time.Duration(s.opts.DialTimeout * float64(time.Second)),
	})
	if err != nil {
		s.mu.Lock()
		s.status = StatusStopped
		s.mu.Unlock()
		return nil, &BindError{Err: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.done = make(chan struct{})
	s.status = StatusRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		if port, err := metrics.PortInfo.WithLabels(fmt.Sprintf("%d", addr.Port), "http"); err == nil {
			port.Set(1)
		}
	}

	ready := make(chan struct{})
	go func() {
		defer close(s.done)
		close(ready)
		if err := ln.Serve(runCtx); err != nil && runCtx.Err() == nil {
			s.log.Error("listener stopped unexpectedly", "err", err)
		}
	}()

	return ready, nil
}

// Stop cancels the serve context, which closes the listener's servers and
// their open connections at once; in-flight handlers are not waited for.
// If the serve loop has not returned within DrainGrace, Stop closes the
// listener itself (§5).
func (s *Server) Stop() <-chan struct{} {
	drained := make(chan struct{})

	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		close(drained)
		return drained
	}
	s.status = StatusStopping
	cancel := s.cancel
	done := s.done
	ln := s.listener
	s.mu.Unlock()

	go func() {
		defer close(drained)
		if cancel != nil {
			cancel()
		}
		select {
		case <-done:
		case <-time.After(DrainGrace):
			if ln != nil {
				_ = ln.Close()
			}
			<-done
		}
		if ln != nil {
			if addr, ok := ln.Addr().(*net.TCPAddr); ok {
				if port, err := metrics.PortInfo.WithLabels(fmt.Sprintf("%d", addr.Port), "http"); err == nil {
					port.Set(0)
				}
			}
		}
		s.mu.Lock()
		s.status = StatusStopped
		s.listener = nil
		s.mu.Unlock()
	}()

	return drained
}

// Reset clears every registered rule, the fallback, and all counters. Live
// connections are left untouched (§4.2).
func (s *Server) Reset() {
	s.store.Reset()
	s.history.Clear()
}

// EnableDebug switches operational logging to verbose mode for the
// remainder of the server's lifetime.
func (s *Server) EnableDebug() {
	s.mu.Lock()
	s.opts.Debug = true
	s.log = oplog.ForDebug(true)
	s.mu.Unlock()
}

// Status returns the server's current lifecycle state.
func (s *Server) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// URL returns the base "http://host:port" the plain listener is reachable
// at. Fails with a ConfigError when the server isn't running (§4.10).
func (s *Server) URL() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusRunning || s.listener == nil || s.listener.Addr() == nil {
		return "", &ConfigError{Msg: "url is unavailable: server is not running"}
	}
	return "http://" + s.listener.Addr().String(), nil
}

// Port returns the bound plain-HTTP port. Fails the same way URL does.
func (s *Server) Port() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusRunning || s.listener == nil || s.listener.Addr() == nil {
		return 0, &ConfigError{Msg: "port is unavailable: server is not running"}
	}
	addr, ok := s.listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0, &ConfigError{Msg: "port is unavailable: unexpected listener address type"}
	}
	return addr.Port, nil
}

// ProxyEnv returns the {HTTP_PROXY, HTTPS_PROXY} environment pair a client
// process can export to route its traffic through this server (§4.10).
func (s *Server) ProxyEnv() (map[string]string, error) {
	url, err := s.URL()
	if err != nil {
		return nil, err
	}
	return map[string]string{"HTTP_PROXY": url, "HTTPS_PROXY": url}, nil
}

// URLFor concatenates the server's base URL and path verbatim, with no
// normalization (§4.10).
func (s *Server) URLFor(path string) (string, error) {
	base, err := s.URL()
	if err != nil {
		return "", err
	}
	return base + path, nil
}

// On subscribes callback to events of the given kind; it runs in its own
// goroutine, draining the bus subscription until the returned unsubscribe
// function is called (§6 event surface).
func (s *Server) On(kind events.Kind, callback func(events.Event)) func() {
	ch, unsubscribe := s.bus.Subscribe(kind)
	go func() {
		for ev := range ch {
			callback(ev)
		}
	}()
	return unsubscribe
}

// AddRequestRules appends rules to the HTTP sequence.
func (s *Server) AddRequestRules(rules ...*ruleset.Rule) []*ruleset.Endpoint {
	out := make([]*ruleset.Endpoint, 0, len(rules))
	for _, r := range rules {
		s.store.Add(r)
		out = append(out, ruleset.NewEndpoint(s.store, r))
	}
	return out
}

// SetRequestRules atomically replaces the HTTP sequence, leaving WS rules
// and the fallback untouched (§4.2, §8 invariant 6).
func (s *Server) SetRequestRules(rules []*ruleset.Rule) []*ruleset.Endpoint {
	s.store.SetRequestRules(rules)
	out := make([]*ruleset.Endpoint, 0, len(rules))
	for _, r := range rules {
		out = append(out, ruleset.NewEndpoint(s.store, r))
	}
	return out
}

// AddWebSocketRules appends rules to the WebSocket sequence.
func (s *Server) AddWebSocketRules(rules ...*ruleset.Rule) []*ruleset.Endpoint {
	out := make([]*ruleset.Endpoint, 0, len(rules))
	for _, r := range rules {
		s.store.Add(r)
		out = append(out, ruleset.NewEndpoint(s.store, r))
	}
	return out
}

// SetWebSocketRules atomically replaces the WebSocket sequence, leaving HTTP
// rules and the fallback untouched.
func (s *Server) SetWebSocketRules(rules []*ruleset.Rule) []*ruleset.Endpoint {
	s.store.SetWebSocketRules(rules)
	out := make([]*ruleset.Endpoint, 0, len(rules))
	for _, r := range rules {
		out = append(out, ruleset.NewEndpoint(s.store, r))
	}
	return out
}

// AddRule is the deprecated single-rule alias for AddRequestRules (§6).
func (s *Server) AddRule(rule *ruleset.Rule) *ruleset.Endpoint {
	return s.AddRequestRules(rule)[0]
}

// AddRules is the deprecated bulk alias for AddRequestRules (§6).
func (s *Server) AddRules(rules ...*ruleset.Rule) []*ruleset.Endpoint {
	return s.AddRequestRules(rules...)
}

// SetRule is the deprecated single-rule alias for SetRequestRules (§6).
func (s *Server) SetRule(rule *ruleset.Rule) *ruleset.Endpoint {
	return s.SetRequestRules([]*ruleset.Rule{rule})[0]
}

// SetRules is the deprecated bulk alias for SetRequestRules (§6).
func (s *Server) SetRules(rules []*ruleset.Rule) []*ruleset.Endpoint {
	return s.SetRequestRules(rules)
}

// allEndpoints returns endpoint handles for every registered rule, HTTP and
// WebSocket, excluding the fallback.
func (s *Server) allEndpoints() []*ruleset.Endpoint {
	snap := s.store.Snapshot()
	out := make([]*ruleset.Endpoint, 0, len(snap.HTTP)+len(snap.WS))
	for _, r := range snap.HTTP {
		out = append(out, ruleset.NewEndpoint(s.store, r))
	}
	for _, r := range snap.WS {
		out = append(out, ruleset.NewEndpoint(s.store, r))
	}
	return out
}

// GetMockedEndpoints returns handles for every rule that has served at
// least one request so far.
func (s *Server) GetMockedEndpoints() []*ruleset.Endpoint {
	var out []*ruleset.Endpoint
	for _, ep := range s.allEndpoints() {
		if ep.InvocationCount() > 0 {
			out = append(out, ep)
		}
	}
	return out
}

// GetPendingEndpoints returns handles for every rule that can still accept
// at least one more request.
func (s *Server) GetPendingEndpoints() []*ruleset.Endpoint {
	var out []*ruleset.Endpoint
	for _, ep := range s.allEndpoints() {
		if ep.IsPending() {
			out = append(out, ep)
		}
	}
	return out
}

// CAPEM returns the configured CA certificate in PEM form, for clients that
// need to add it to their trust store, or nil if https was not configured.
func (s *Server) CAPEM() []byte {
	if s.minter == nil {
		return nil
	}
	return s.minter.CAPEM()
}

// History exposes the recorded request/response log for inspection.
func (s *Server) History() *reqlog.Store {
	return s.history
}

// MetricsHandler serves the match/miss/request counters in Prometheus text
// exposition format, for an operator to mount on their own admin mux (§2
// "optional counters for matches/misses/bytes" — mockproxy does not bind a
// metrics listener of its own).
func (s *Server) MetricsHandler() http.Handler {
	return metrics.DefaultRegistry().Handler()
}
