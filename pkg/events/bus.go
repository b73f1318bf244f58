// Package events multiplexes request lifecycle events to registered
// subscribers. Grounded on the teacher's pkg/requestlog.SubscribableStore
// Subscribe() (Subscriber, func()) shape, generalized from "store of
// entries with a side-channel feed" to a pure multiplexer with no storage
// of its own — reqlog.Store is the one that retains history; Bus only
// fans out.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Kind identifies a lifecycle phase. See §2 and §4.8.
type Kind string

const (
	KindRequestInitiated Kind = "request-initiated"
	KindRequest          Kind = "request"
	KindResponse         Kind = "response"
	KindAbort            Kind = "abort"
	KindClientError      Kind = "client-error"
	KindTLSClientError   Kind = "tls-client-error"
)

// Event is the payload delivered to subscribers. Fields not relevant to
// Kind are left zero.
type Event struct {
	Kind        Kind
	RequestID   string
	Method      string
	Path        string
	StatusCode  int
	Err         error
	SNI         string // tls-client-error only
	RemoteAddr  string
}

// softCap is the per-subscriber queue size at which delivery switches to
// oldest-drop, per §4.8.
const softCap = 10000

type subscription struct {
	ch         chan Event
	kind       Kind
	warnedOnce atomic.Bool
}

// Bus is a lossy-on-overflow, per-subscriber-FIFO event multiplexer. Safe
// for concurrent use; Emit never blocks on a slow subscriber.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
	log  *slog.Logger
}

// NewBus returns a Bus. log may be nil (defaults to slog.Default()).
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{subs: make(map[*subscription]struct{}), log: log}
}

// Subscribe registers interest in kind and returns a channel that will
// receive matching events, plus an idempotent unsubscribe function.
// Registration is globally visible before this call returns — subsequent
// Emit calls are guaranteed to consider this subscriber (§4.8).
func (b *Bus) Subscribe(kind Kind) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, softCap), kind: kind}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, unsubscribe
}

// Emit delivers ev to every subscriber of ev.Kind. The send to each
// subscriber's buffered channel never blocks the caller — a full channel
// has its oldest event dropped to make room — so Emit does not suspend the
// request-handling goroutine that calls it. Delivery happens synchronously,
// in call order, so that two Emit calls for the same request (e.g.
// request-initiated then response) are never reordered at a subscriber,
// preserving the per-request ordering guarantee in §4.8/§5.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		if s.kind == ev.Kind {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(s, ev)
	}
}

// deliver sends ev to s.ch. A concurrent unsubscribe can close s.ch between
// Emit's target snapshot and this call, which would otherwise panic on
// send-to-closed-channel; recover turns that race into a dropped event
// instead of taking down the request-handling goroutine (§7).
func (b *Bus) deliver(s *subscription, ev Event) {
	defer func() { _ = recover() }()

	select {
	case s.ch <- ev:
		return
	default:
	}

	// Soft cap hit: drop the oldest queued event to make room.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}

	if s.warnedOnce.CompareAndSwap(false, true) {
		b.log.Warn("event subscriber queue full, dropping oldest event", "kind", ev.Kind)
	}
}
