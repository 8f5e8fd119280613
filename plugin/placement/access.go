package placement

import "sync"

// AccessTable counts accesses per key.
type AccessTable struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewAccessTable creates an empty table.
func NewAccessTable() *AccessTable {
	return &AccessTable{counts: make(map[string]int64)}
}

// Touch records one access and returns the new count.
func (t *AccessTable) Touch(key string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[key]++
	return t.counts[key]
}

// Count returns the recorded accesses for key.
func (t *AccessTable) Count(key string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[key]
}

// Reset forgets key.
func (t *AccessTable) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, key)
}

// Merge returns meta with AccessCount raised to the tracked count for key.
func (t *AccessTable) Merge(key string, meta AccessMetadata) AccessMetadata {
	if tracked := t.Count(key); tracked > meta.AccessCount {
		meta.AccessCount = tracked
	}
	return meta
}
