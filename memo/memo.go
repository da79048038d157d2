// Package memo caches recent existence verdicts for object store keys.
// Repeated and concurrent playback requests for the same recording would
// otherwise each probe the store; the memo answers from a short-TTL record
// instead. Entries expire lazily on read, and a freshly written object may
// be reported absent for up to the TTL window — callers fall through to a
// real probe in that case, so staleness costs a redundant probe, never a
// wrong response.
package memo

import (
	"sync"
	"time"
)

// DefaultTTL is how long an existence verdict is trusted.
const DefaultTTL = 60 * time.Second

type entry struct {
	exists     bool
	observedAt time.Time
}

// Memo is a TTL-bounded existence cache. Safe for concurrent use.
type Memo struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]entry
	order      []string // insertion order, for eviction when maxEntries is set
	now        func() time.Time
}

// Option configures a Memo.
type Option func(*Memo)

// WithTTL sets how long a verdict is trusted. Zero or negative falls back
// to DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Memo) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithMaxEntries caps the number of memoized keys. The oldest-inserted entry
// is evicted first. Zero means unbounded; TTL expiry alone bounds growth for
// well-behaved key cardinality.
func WithMaxEntries(n int) Option {
	return func(m *Memo) {
		m.maxEntries = n
	}
}

// WithNow sets the time source, for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Memo) {
		m.now = now
	}
}

// New creates a Memo.
func New(opts ...Option) *Memo {
	m := &Memo{
		ttl:     DefaultTTL,
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the memoized verdict for key and whether one is known.
// A verdict older than the TTL is treated as unknown and dropped.
func (m *Memo) Get(key string) (exists, known bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return false, false
	}
	if m.now().Sub(e.observedAt) >= m.ttl {
		delete(m.entries, key)
		return false, false
	}
	return e.exists, true
}

// Set records a fresh verdict for key, replacing any prior one.
func (m *Memo) Set(key string, exists bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Insertion order is only tracked when a cap is configured; an
	// uncapped memo must not accumulate bookkeeping per key.
	if m.maxEntries > 0 {
		if _, ok := m.entries[key]; !ok {
			m.order = append(m.order, key)
		}
	}
	m.entries[key] = entry{exists: exists, observedAt: m.now()}

	if m.maxEntries <= 0 {
		return
	}
	for len(m.entries) > m.maxEntries && len(m.order) > 0 {
		oldest := m.order[0]
		m.order = m.order[1:]
		// The oldest slot may refer to a key already dropped by expiry.
		if _, ok := m.entries[oldest]; ok {
			delete(m.entries, oldest)
		}
	}

	// Lazy expiry deletes entries without touching their order slots.
	// Compact once stale slots dominate so the slice stays proportional
	// to the cap rather than to total key churn.
	if len(m.order) > 2*m.maxEntries {
		live := m.order[:0]
		for _, k := range m.order {
			if _, ok := m.entries[k]; ok {
				live = append(live, k)
			}
		}
		m.order = live
	}
}

// Len returns the number of live entries, counting ones not yet lazily
// expired.
func (m *Memo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
