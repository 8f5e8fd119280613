package cache

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

// Tier is one priority level of a TieredCache. Index 0 is the fastest.
type Tier struct {
	Name    string
	Backend Backend
	TTL     time.Duration
}

// ComputeFunc produces the value for a key on a total miss.
type ComputeFunc func(ctx context.Context, key string) ([]byte, error)

// TieredCache probes an ordered list of backends, promoting hits into the
// faster tiers and fanning computed values out to every tier.
//
// The tier order is fixed at construction.
type TieredCache struct {
	tiers          []Tier
	stats          []tierCounters
	metrics        Metrics
	group          singleflight.Group
	computeTimeout time.Duration

	computes      atomic.Int64
	computeErrors atomic.Int64
}

type tierCounters struct {
	hits       atomic.Int64
	misses     atomic.Int64
	promotions atomic.Int64
}

// Option configures a TieredCache.
type Option func(*TieredCache)

// WithMetrics installs a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(t *TieredCache) {
		if m != nil {
			t.metrics = m
		}
	}
}

// DefaultComputeTimeout bounds a shared compute and its fan-out.
const DefaultComputeTimeout = 5 * time.Minute

// WithComputeTimeout bounds a shared compute and its fan-out. d <= 0 keeps the default.
func WithComputeTimeout(d time.Duration) Option {
	return func(t *TieredCache) {
		if d > 0 {
			t.computeTimeout = d
		}
	}
}

// NewTieredCache creates a cache over tiers, fastest first.
func NewTieredCache(tiers []Tier, opts ...Option) (*TieredCache, error) {
	if len(tiers) == 0 {
		return nil, errors.New("tiered cache requires at least one tier")
	}

	seen := make(map[string]struct{}, len(tiers))
	owned := make([]Tier, len(tiers))
	for i, tier := range tiers {
		if tier.Backend == nil {
			return nil, errors.Errorf("tier %d has no backend", i)
		}
		if tier.Name == "" {
			tier.Name = tier.Backend.Name()
		}
		if _, dup := seen[tier.Name]; dup {
			return nil, errors.Errorf("duplicate tier name %q", tier.Name)
		}
		seen[tier.Name] = struct{}{}
		owned[i] = tier
	}

	tc := &TieredCache{
		tiers:          owned,
		stats:          make([]tierCounters, len(owned)),
		metrics:        NoopMetrics{},
		computeTimeout: DefaultComputeTimeout,
	}
	for _, opt := range opts {
		opt(tc)
	}
	return tc, nil
}

// Get returns the value for key from the first tier that has it.
//
// A hit at index i > 0 is written into every tier above i with that tier's TTL
// before returning. On a total miss with a non-nil compute, the value is computed
// once and written to every tier. Promotion and fan-out write failures are
// returned alongside the value; read and compute failures are returned alone.
func (t *TieredCache) Get(ctx context.Context, key string, compute ComputeFunc) ([]byte, bool, error) {
	for i := range t.tiers {
		tier := &t.tiers[i]
		value, ok, err := tier.Backend.Get(ctx, key)
		if err != nil {
			return nil, false, errors.Wrapf(err, "tier %s", tier.Name)
		}
		if !ok {
			t.stats[i].misses.Add(1)
			t.metrics.RecordMiss(tier.Name)
			continue
		}

		t.stats[i].hits.Add(1)
		t.metrics.RecordHit(tier.Name)
		return value, true, t.promote(ctx, key, value, i)
	}

	if compute == nil {
		return nil, false, nil
	}
	return t.computeAndFill(ctx, key, compute)
}

// promote writes value into tiers [0, hitIndex).
func (t *TieredCache) promote(ctx context.Context, key string, value []byte, hitIndex int) error {
	var errs error
	for j := 0; j < hitIndex; j++ {
		tier := &t.tiers[j]
		if err := tier.Backend.Set(ctx, key, value, tier.TTL); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "promote to tier %s", tier.Name))
			continue
		}
		t.stats[j].promotions.Add(1)
		t.metrics.RecordPromotion(tier.Name)
	}
	if hitIndex > 0 {
		slog.Debug("promoted cache entry",
			slog.String("key", key),
			slog.String("from", t.tiers[hitIndex].Name),
			slog.Int("tiers", hitIndex),
		)
	}
	return errs
}

type computeResult struct {
	value    []byte
	writeErr error
}

// computeAndFill shares one compute per key between concurrent callers. The
// shared work is detached from the first caller's cancellation and bounded by
// computeTimeout; a caller whose ctx ends stops waiting without affecting the rest.
func (t *TieredCache) computeAndFill(ctx context.Context, key string, compute ComputeFunc) ([]byte, bool, error) {
	ch := t.group.DoChan(key, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.computeTimeout)
		defer cancel()

		start := time.Now()
		value, err := compute(shared, key)
		t.metrics.RecordCompute(time.Since(start), err)
		if err != nil {
			t.computeErrors.Add(1)
			return nil, err
		}
		t.computes.Add(1)
		return &computeResult{value: value, writeErr: t.fill(shared, key, value)}, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, errors.Wrapf(ctx.Err(), "compute %s", key)
	case res := <-ch:
		if res.Err != nil {
			return nil, false, errors.Wrapf(res.Err, "compute %s", key)
		}
		r := res.Val.(*computeResult)
		return r.value, true, r.writeErr
	}
}

// Set writes value to every tier with that tier's TTL. Every tier is attempted;
// failures are aggregated.
func (t *TieredCache) Set(ctx context.Context, key string, value []byte) error {
	return t.fill(ctx, key, value)
}

func (t *TieredCache) fill(ctx context.Context, key string, value []byte) error {
	var errs error
	for i := range t.tiers {
		tier := &t.tiers[i]
		if err := tier.Backend.Set(ctx, key, value, tier.TTL); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "set tier %s", tier.Name))
		}
	}
	return errs
}

// Delete removes key from every tier.
func (t *TieredCache) Delete(ctx context.Context, key string) error {
	var errs error
	for i := range t.tiers {
		tier := &t.tiers[i]
		if err := tier.Backend.Delete(ctx, key); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "delete tier %s", tier.Name))
		}
	}
	return errs
}

// Tiers returns the tier names in priority order.
func (t *TieredCache) Tiers() []string {
	names := make([]string, len(t.tiers))
	for i, tier := range t.tiers {
		names[i] = tier.Name
	}
	return names
}

// TierStats is a point-in-time view of one tier's counters.
type TierStats struct {
	Name       string        `json:"name"`
	TTL        time.Duration `json:"ttl"`
	Hits       int64         `json:"hits"`
	Misses     int64         `json:"misses"`
	Promotions int64         `json:"promotions"`
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Tiers         []TierStats `json:"tiers"`
	Computes      int64       `json:"computes"`
	ComputeErrors int64       `json:"compute_errors"`
}

// Stats returns the per-tier counters.
func (t *TieredCache) Stats() Stats {
	s := Stats{
		Tiers:         make([]TierStats, len(t.tiers)),
		Computes:      t.computes.Load(),
		ComputeErrors: t.computeErrors.Load(),
	}
	for i, tier := range t.tiers {
		s.Tiers[i] = TierStats{
			Name:       tier.Name,
			TTL:        tier.TTL,
			Hits:       t.stats[i].hits.Load(),
			Misses:     t.stats[i].misses.Load(),
			Promotions: t.stats[i].promotions.Load(),
		}
	}
	return s
}

// Close closes every backend that holds resources.
func (t *TieredCache) Close() error {
	var errs error
	for _, tier := range t.tiers {
		if c, ok := tier.Backend.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = multierr.Append(errs, errors.Wrapf(err, "close tier %s", tier.Name))
			}
		}
	}
	return errs
}
