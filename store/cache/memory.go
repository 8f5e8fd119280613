package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryBackend is a volatile in-process tier with optional LRU eviction.
type MemoryBackend struct {
	name     string
	capacity int
	clock    Clock

	mu      sync.Mutex
	entries map[string]*memoryEntry
	order   *list.List // front is most recently used
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
	element   *list.Element
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithCapacity bounds the number of entries. Zero or negative means unbounded.
func WithCapacity(n int) MemoryOption {
	return func(m *MemoryBackend) {
		m.capacity = n
	}
}

// WithMemoryClock overrides the clock used for expiry.
func WithMemoryClock(clock Clock) MemoryOption {
	return func(m *MemoryBackend) {
		m.clock = clock
	}
}

// NewMemoryBackend creates an empty in-process tier.
func NewMemoryBackend(name string, opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		name:    name,
		clock:   SystemClock,
		entries: make(map[string]*memoryEntry),
		order:   list.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryBackend) Name() string {
	return m.name
}

// Get returns the value for key, dropping it if it has expired.
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if expired(e.expiresAt, m.clock()) {
		m.removeEntry(e)
		return nil, false, nil
	}

	m.order.MoveToFront(e.element)
	return e.value, true, nil
}

// Set stores value under key, replacing any previous value and expiry.
func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiresAt := expiryFor(m.clock(), ttl)
	if e, ok := m.entries[key]; ok {
		e.value = value
		e.expiresAt = expiresAt
		m.order.MoveToFront(e.element)
		return nil
	}

	if m.capacity > 0 {
		for len(m.entries) >= m.capacity {
			m.evictOldest()
		}
	}

	e := &memoryEntry{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	}
	e.element = m.order.PushFront(e)
	m.entries[key] = e
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok {
		m.removeEntry(e)
	}
	return nil
}

// Len returns the number of stored entries, including ones that have expired
// but not yet been read.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryBackend) evictOldest() {
	oldest := m.order.Back()
	if oldest == nil {
		return
	}
	m.removeEntry(oldest.Value.(*memoryEntry))
}

func (m *MemoryBackend) removeEntry(e *memoryEntry) {
	m.order.Remove(e.element)
	delete(m.entries, e.key)
}
