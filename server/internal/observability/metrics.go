package observability

import (
	"sync/atomic"
	"time"
)

// GenerationMetrics tracks how often generation requests were answered from
// cache and how long each kind took.
type GenerationMetrics struct {
	hits   atomic.Int64
	misses atomic.Int64

	cachedNanos   atomic.Int64
	uncachedNanos atomic.Int64
}

// NewGenerationMetrics creates an empty collector.
func NewGenerationMetrics() *GenerationMetrics {
	return &GenerationMetrics{}
}

// RecordGeneration records one request.
func (m *GenerationMetrics) RecordGeneration(d time.Duration, cached bool) {
	if cached {
		m.hits.Add(1)
		m.cachedNanos.Add(int64(d))
		return
	}
	m.misses.Add(1)
	m.uncachedNanos.Add(int64(d))
}

// Reset clears all counters.
func (m *GenerationMetrics) Reset() {
	m.hits.Store(0)
	m.misses.Store(0)
	m.cachedNanos.Store(0)
	m.uncachedNanos.Store(0)
}

// Snapshot returns a point-in-time view.
func (m *GenerationMetrics) Snapshot() GenerationSnapshot {
	hits, misses := m.hits.Load(), m.misses.Load()
	s := GenerationSnapshot{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	if hits > 0 {
		s.AvgCached = time.Duration(m.cachedNanos.Load() / hits)
	}
	if misses > 0 {
		s.AvgUncached = time.Duration(m.uncachedNanos.Load() / misses)
	}
	return s
}

// GenerationSnapshot is a point-in-time view of GenerationMetrics.
type GenerationSnapshot struct {
	Hits        int64         `json:"hits"`
	Misses      int64         `json:"misses"`
	HitRate     float64       `json:"hit_rate"`
	AvgCached   time.Duration `json:"avg_cached_ns"`
	AvgUncached time.Duration `json:"avg_uncached_ns"`
}
