package cache

import "time"

// Metrics receives cache events. Implementations must be safe for concurrent use.
type Metrics interface {
	RecordHit(tier string)
	RecordMiss(tier string)
	RecordPromotion(tier string)
	RecordCompute(d time.Duration, err error)
}

// NoopMetrics discards every event.
type NoopMetrics struct{}

func (NoopMetrics) RecordHit(string)                    {}
func (NoopMetrics) RecordMiss(string)                   {}
func (NoopMetrics) RecordPromotion(string)              {}
func (NoopMetrics) RecordCompute(time.Duration, error) {}
