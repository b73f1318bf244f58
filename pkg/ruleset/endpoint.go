package ruleset

import "sync"

// Endpoint is the stable handle returned by rule registration (§3,
// "Endpoint handle"). It holds only an ID and a back-reference to the
// store — never a live pointer into a sequence — so that Reset or
// SetRequestRules can freely replace the underlying slice without
// invalidating a handle a caller is still holding (§9 "Back references").
//
// Once the rule is removed from the store, the handle falls back to the
// last values observed while it was still live: the frozen* fields below,
// updated on every successful lookup, are what IsPending/InvocationCount/
// SeenRequests report once the rule is gone (§3 Ownership — "the handle's
// counters freeze").
type Endpoint struct {
	id    string
	store *Store

	mu            sync.Mutex
	frozenPending bool
	frozenCount   int64
	frozenSeen    []SeenExchange
}

// NewEndpoint wraps rule as an Endpoint against store.
func NewEndpoint(store *Store, rule *Rule) *Endpoint {
	return &Endpoint{id: rule.ID, store: store}
}

// rule resolves the live rule this handle refers to, or nil if it has been
// removed from the store since registration.
func (e *Endpoint) rule() *Rule {
	r, ok := e.store.ByID(e.id)
	if !ok {
		return nil
	}
	return r
}

// ID returns the rule's opaque ID, stable for the handle's lifetime.
func (e *Endpoint) ID() string { return e.id }

// IsPending reports whether the rule can still accept another request. A
// removed rule's last-known state is frozen: it reports whatever its final
// counters said (§3 Ownership — "the handle's counters freeze").
func (e *Endpoint) IsPending() bool {
	r := e.rule()

	e.mu.Lock()
	defer e.mu.Unlock()
	if r == nil {
		return e.frozenPending
	}
	e.frozenPending = r.IsPending()
	return e.frozenPending
}

// InvocationCount returns how many requests the rule has served.
func (e *Endpoint) InvocationCount() int64 {
	r := e.rule()

	e.mu.Lock()
	defer e.mu.Unlock()
	if r == nil {
		return e.frozenCount
	}
	e.frozenCount = r.InvocationCount()
	return e.frozenCount
}

// SeenRequests returns the rule's recorded exchanges (empty if
// recordTraffic was disabled, or the rule has been removed).
func (e *Endpoint) SeenRequests() []SeenExchange {
	r := e.rule()

	e.mu.Lock()
	defer e.mu.Unlock()
	if r == nil {
		return e.frozenSeen
	}
	e.frozenSeen = r.SeenRequests()
	return e.frozenSeen
}
