// Package ruleset holds the rule store (C2) and dispatcher (C3): the two
// ordered HTTP/WebSocket rule lists, the optional fallback rule, and the
// declaration-order, limit-respecting selection policy that picks which
// rule serves a given request. Grounded on the teacher's internal/storage
// (store shape) and pkg/engine/matcher.go (evaluated-against-request
// selection), but the selection policy itself is a deliberate redesign —
// see §10 REDESIGN FLAGS: the teacher picks the highest-scoring mock across
// the whole set, where this dispatcher picks the first eligible rule in
// declaration order, exactly as §4.3/§8 invariant 1 requires.
package ruleset

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/getmockd/mockproxy/internal/id"
	"github.com/getmockd/mockproxy/pkg/exec"
	"github.com/getmockd/mockproxy/pkg/httpmsg"
	"github.com/getmockd/mockproxy/pkg/matching"
)

// Protocol selects which of the store's two ordered lists a rule belongs to.
type Protocol string

const (
	ProtocolHTTP      Protocol = "http"
	ProtocolWebSocket Protocol = "websocket"
)

// Unlimited marks a rule with no completion limit.
const Unlimited = 0

// SeenExchange is one (request, response) pair recorded against a rule when
// recordTraffic is enabled (§4.3 step 5).
type SeenExchange struct {
	Request    *httpmsg.Request
	StatusCode int
	At         time.Time
}

// Rule is an immutable registration — its matcher, handler, and completion
// limit never change after BuildRule returns it — but it owns mutable
// per-lifetime counters (§3: "invocationCount", "seenRequests").
type Rule struct {
	ID              string
	Protocol        Protocol
	Matcher         matching.Matcher
	CompletionLimit int // Unlimited (0) means no cap
	Handler         *exec.Handler

	invocationCount atomic.Int64

	mu           sync.Mutex
	recordTraffic bool
	seen          []SeenExchange
}

// BuildRule constructs an immutable Rule from its data-model parts, per §9
// ("a single buildRule(matchers[], limit, handler) API suffices"). matchers
// are combined with All semantics when more than one is given; zero
// matchers yields Always().
func BuildRule(protocol Protocol, matchers []matching.Matcher, completionLimit int, handler *exec.Handler, recordTraffic bool) *Rule {
	var m matching.Matcher
	switch len(matchers) {
	case 0:
		m = matching.Always()
	case 1:
		m = matchers[0]
	default:
		m = &matching.All{Children: matchers}
	}
	return &Rule{
		ID:              id.New(),
		Protocol:        protocol,
		Matcher:         m,
		CompletionLimit: completionLimit,
		Handler:         handler,
		recordTraffic:   recordTraffic,
	}
}

// InvocationCount returns how many requests this rule has served so far.
func (r *Rule) InvocationCount() int64 {
	return r.invocationCount.Load()
}

// IsPending reports whether the rule can still accept at least one more
// request, per the glossary's "Completion limit" and the endpoint handle's
// isPending() semantics in §3.
func (r *Rule) IsPending() bool {
	if r.CompletionLimit == Unlimited {
		return true
	}
	return r.invocationCount.Load() < int64(r.CompletionLimit)
}

// tryClaim attempts to atomically consume one slot. Returns true if this
// caller won it — the tie-break described in §4.3 step 3.
func (r *Rule) tryClaim() bool {
	if r.CompletionLimit == Unlimited {
		r.invocationCount.Add(1)
		return true
	}
	for {
		cur := r.invocationCount.Load()
		if cur >= int64(r.CompletionLimit) {
			return false
		}
		if r.invocationCount.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// recordSeen appends an exchange to the rule's seen list, when recordTraffic
// is enabled for it.
func (r *Rule) recordSeen(ex SeenExchange) {
	if !r.recordTraffic {
		return
	}
	r.mu.Lock()
	r.seen = append(r.seen, ex)
	r.mu.Unlock()
}

// SeenRequests returns a snapshot of recorded exchanges. Empty (never nil)
// when recordTraffic is disabled, per §8 invariant 8.
func (r *Rule) SeenRequests() []SeenExchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SeenExchange, len(r.seen))
	copy(out, r.seen)
	return out
}

// resetCounters zeroes the invocation count and seen list, for Store.Reset.
func (r *Rule) resetCounters() {
	r.invocationCount.Store(0)
	r.mu.Lock()
	r.seen = nil
	r.mu.Unlock()
}
