package ruleset

import (
	"errors"
	"sync"

	"github.com/getmockd/mockproxy/pkg/matching"
)

// ConfigError is returned synchronously from a Store mutation that violates
// a rule-store invariant (§7).
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config error: " + e.Msg }

// Store holds the two ordered rule sequences and the optional fallback
// rule, serializing writes and handing the dispatcher a consistent
// snapshot per incoming request (§4.2).
type Store struct {
	mu       sync.RWMutex
	http     []*Rule
	ws       []*Rule
	fallback *Rule
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{}
}

// Add appends rule to the sequence matching its Protocol.
func (s *Store) Add(rule *Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(rule)
}

func (s *Store) appendLocked(rule *Rule) {
	if rule.Protocol == ProtocolWebSocket {
		s.ws = append(s.ws, rule)
	} else {
		s.http = append(s.http, rule)
	}
}

// SetRequestRules atomically replaces the HTTP sequence; it does not touch
// the WebSocket sequence or the fallback rule (§4.2, §8 invariant 6).
func (s *Store) SetRequestRules(rules []*Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.http = append([]*Rule(nil), rules...)
}

// SetWebSocketRules atomically replaces the WebSocket sequence; it does not
// touch the HTTP sequence or the fallback rule.
func (s *Store) SetWebSocketRules(rules []*Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ws = append([]*Rule(nil), rules...)
}

// SetFallback installs rule as the sole fallback. Fails if a fallback
// already exists, or if rule's matcher is not matching.Always() (§4.2,
// §8 invariant 3).
func (s *Store) SetFallback(rule *Rule) error {
	if !matching.IsAlways(rule.Matcher) {
		return &ConfigError{Msg: "fallback rule's matcher must be \"always\""}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback != nil {
		return &ConfigError{Msg: "a fallback rule is already registered"}
	}
	s.fallback = rule
	return nil
}

// Fallback returns the current fallback rule, or nil.
func (s *Store) Fallback() *Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fallback
}

// Reset clears both sequences, the fallback, and every surviving rule's
// counters — but does not touch live connections (§4.2, §8 invariant 7).
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.http {
		r.resetCounters()
	}
	for _, r := range s.ws {
		r.resetCounters()
	}
	if s.fallback != nil {
		s.fallback.resetCounters()
	}
	s.http = nil
	s.ws = nil
	s.fallback = nil
}

// Snapshot is a consistent, independently-owned read view for one
// dispatcher invocation (§4.2's "one snapshot per incoming request").
type Snapshot struct {
	HTTP     []*Rule
	WS       []*Rule
	Fallback *Rule
}

// Snapshot takes a consistent read view of the store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		HTTP:     append([]*Rule(nil), s.http...),
		WS:       append([]*Rule(nil), s.ws...),
		Fallback: s.fallback,
	}
}

// ByID looks up a rule (HTTP, WS, or fallback) by ID, for the endpoint
// handle's lookup-by-id back-reference pattern (§9).
func (s *Store) ByID(ruleID string) (*Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.http {
		if r.ID == ruleID {
			return r, true
		}
	}
	for _, r := range s.ws {
		if r.ID == ruleID {
			return r, true
		}
	}
	if s.fallback != nil && s.fallback.ID == ruleID {
		return s.fallback, true
	}
	return nil, false
}

// ErrRuleRemoved reports a rule that is no longer in the store (e.g. after
// Reset/SetRequestRules replaced the sequence it was in). Endpoint accessors
// do not return it; they report the values last seen while the rule was
// registered.
var ErrRuleRemoved = errors.New("ruleset: rule no longer registered")
