package reqlog

import "sync"

// Filter restricts a List query.
type Filter struct {
	Protocol      Protocol
	Method        string
	Path          string
	MatchedRuleID string
	StatusCode    int
	HasError      *bool
	Limit         int
	Offset        int
}

func (f *Filter) matches(e *Entry) bool {
	if f == nil {
		return true
	}
	if f.Protocol != "" && e.Protocol != f.Protocol {
		return false
	}
	if f.Method != "" && e.Method != f.Method {
		return false
	}
	if f.Path != "" && e.Path != f.Path {
		return false
	}
	if f.MatchedRuleID != "" && e.MatchedRuleID != f.MatchedRuleID {
		return false
	}
	if f.StatusCode != 0 && e.ResponseStatus != f.StatusCode {
		return false
	}
	if f.HasError != nil && (e.Error != "") != *f.HasError {
		return false
	}
	return true
}

// Subscriber is a channel fed with newly logged entries.
type Subscriber chan *Entry

// Store records and replays entries, with live subscription support —
// grounded on the teacher's requestlog.SubscribableStore shape.
type Store struct {
	mu          sync.RWMutex
	entries     []*Entry
	byID        map[string]*Entry
	maxEntries  int
	subscribers map[chan *Entry]struct{}
}

// NewStore returns a bounded in-memory store; maxEntries <= 0 means
// unbounded for the life of the process.
func NewStore(maxEntries int) *Store {
	return &Store{
		byID:        make(map[string]*Entry),
		maxEntries:  maxEntries,
		subscribers: make(map[chan *Entry]struct{}),
	}
}

// Log appends entry, evicting the oldest entry if over capacity, and fans it
// out to subscribers non-blockingly (a full subscriber channel drops the
// entry rather than stalling the logger).
func (s *Store) Log(entry *Entry) {
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.byID[entry.ID] = entry
	if s.maxEntries > 0 && len(s.entries) > s.maxEntries {
		oldest := s.entries[0]
		s.entries = s.entries[1:]
		delete(s.byID, oldest.ID)
	}
	subs := make([]chan *Entry, 0, len(s.subscribers))
	for ch := range s.subscribers {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Get returns the entry with the given ID, or nil.
func (s *Store) Get(id string) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

// List returns entries matching filter, newest excluded beyond Limit/Offset.
func (s *Store) List(filter *Filter) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	if filter == nil {
		return out
	}
	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else if filter.Offset >= len(out) {
		return nil
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out
}

// Clear removes all entries. It does not disturb subscriptions.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.byID = make(map[string]*Entry)
}

// Count returns the number of stored entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Subscribe registers a live feed of newly logged entries. The returned
// unsubscribe function is idempotent.
func (s *Store) Subscribe() (Subscriber, func()) {
	ch := make(chan *Entry, 256)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}
