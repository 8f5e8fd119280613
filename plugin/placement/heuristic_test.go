package placement

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeTTL(t *testing.T) {
	p := DefaultParams()

	tests := []struct {
		name string
		meta AccessMetadata
		want int
	}{
		{
			name: "neutral factors return base",
			meta: AccessMetadata{Perplexity: 10},
			want: 3600,
		},
		{
			name: "zero perplexity is below floor",
			meta: AccessMetadata{},
			want: 3600,
		},
		{
			name: "access boost",
			meta: AccessMetadata{Perplexity: 10, AccessCount: 10},
			want: 5758,
		},
		{
			name: "perplexity boost",
			meta: AccessMetadata{Perplexity: 60},
			want: 5400,
		},
		{
			name: "combined factors",
			meta: AccessMetadata{Perplexity: 25, AccessCount: 3, TimeVariance: 0.5},
			want: 3344,
		},
		{
			name: "full volatility",
			meta: AccessMetadata{Perplexity: 10, TimeVariance: 1},
			want: 719,
		},
		{
			name: "heavy reuse",
			meta: AccessMetadata{Perplexity: 200, AccessCount: 100},
			want: 22485,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeTTL(tt.meta, p))
		})
	}
}

func TestComputeTTL_VolatilityFloor(t *testing.T) {
	p := DefaultParams()
	ceiling := int(p.BaseTTL * 0.2)

	for _, tv := range []float64{1, 1.5, 10, math.Inf(1)} {
		got := ComputeTTL(AccessMetadata{Perplexity: 10, TimeVariance: tv}, p)
		assert.LessOrEqual(t, got, ceiling, "time_variance=%v", tv)
		assert.Greater(t, got, 0)
	}
}

func TestComputeTTL_AlwaysWithinBounds(t *testing.T) {
	p := DefaultParams()
	p.MinTTL = 30
	p.MaxTTL = 86400

	extremes := []float64{math.Inf(-1), -1e18, -1, 0, 0.5, 1, 1e18, math.Inf(1), math.NaN()}
	counts := []int64{math.MinInt64, -1, 0, 1, math.MaxInt64}

	for _, ppl := range extremes {
		for _, tv := range extremes {
			for _, n := range counts {
				got := ComputeTTL(AccessMetadata{Perplexity: ppl, TimeVariance: tv, AccessCount: n}, p)
				assert.GreaterOrEqual(t, got, p.MinTTL)
				assert.LessOrEqual(t, got, p.MaxTTL)
			}
		}
	}
}

func TestComputeTTL_DegenerateParams(t *testing.T) {
	t.Run("max below min collapses to min", func(t *testing.T) {
		p := DefaultParams()
		p.MinTTL = 100
		p.MaxTTL = 10
		assert.Equal(t, 100, ComputeTTL(AccessMetadata{Perplexity: 10}, p))
	})

	t.Run("negative product clamps to min", func(t *testing.T) {
		p := DefaultParams()
		p.Gamma = 5
		assert.Equal(t, 0, ComputeTTL(AccessMetadata{TimeVariance: 1}, p))
	})

	t.Run("zero scale disables perplexity", func(t *testing.T) {
		p := DefaultParams()
		p.PerplexityScale = 0
		assert.Equal(t, 3600, ComputeTTL(AccessMetadata{Perplexity: 1000}, p))
	})
}

func TestSelectBackend(t *testing.T) {
	off := StaticGuard(false)

	t.Run("long ttl goes warm", func(t *testing.T) {
		assert.Equal(t, TierWarm, SelectBackend(AccessMetadata{Perplexity: 10}, DefaultParams(), off))
	})

	t.Run("short ttl stays hot", func(t *testing.T) {
		p := DefaultParams()
		p.BaseTTL = 40
		assert.Equal(t, TierHot, SelectBackend(AccessMetadata{Perplexity: 10, TimeVariance: 0.99}, p, off))
	})

	t.Run("threshold is exclusive", func(t *testing.T) {
		p := DefaultParams()
		p.BaseTTL = 10
		assert.Equal(t, TierWarm, SelectBackend(AccessMetadata{}, p, off))
	})

	t.Run("remote never chosen when disabled", func(t *testing.T) {
		p := DefaultParams()
		p.MinTTL = p.MaxTTL
		assert.Equal(t, TierWarm, SelectBackend(AccessMetadata{}, p, off))
	})

	t.Run("remote for long lived entries when enabled", func(t *testing.T) {
		p := DefaultParams()
		p.EnableRemote = true
		assert.Equal(t, TierWarm, SelectBackend(AccessMetadata{}, p, off))
		p.BaseTTL = 2 * 24 * 3600
		assert.Equal(t, TierCold, SelectBackend(AccessMetadata{}, p, off))
	})

	t.Run("nil guard is inactive", func(t *testing.T) {
		assert.Equal(t, TierWarm, SelectBackend(AccessMetadata{}, DefaultParams(), nil))
	})
}

func TestSelectBackend_OverrideForcesHot(t *testing.T) {
	p := DefaultParams()
	p.EnableRemote = true
	p.BaseTTL = 1e9

	metas := []AccessMetadata{
		{},
		{Perplexity: 500, AccessCount: 1000},
		{TimeVariance: 1},
		{Perplexity: math.NaN(), AccessCount: -5},
	}
	for _, meta := range metas {
		assert.Equal(t, TierHot, SelectBackend(meta, p, StaticGuard(true)))
	}
}

func TestEnvGuard(t *testing.T) {
	g := NewEnvGuard()

	t.Setenv(DisableOffloadEnv, "1")
	assert.True(t, g.OffloadDisabled())

	t.Setenv(DisableOffloadEnv, "0")
	assert.False(t, g.OffloadDisabled(), "re-read on every call")

	t.Setenv(DisableOffloadEnv, "true")
	assert.False(t, g.OffloadDisabled(), "only \"1\" activates")

	t.Setenv(DisableOffloadEnv, "1")
	assert.Equal(t, TierHot, SelectBackend(AccessMetadata{}, DefaultParams(), EnvGuard{}), "empty Var falls back to the default name")
}

func TestAccessTable(t *testing.T) {
	table := NewAccessTable()
	assert.Equal(t, int64(1), table.Touch("k"))
	assert.Equal(t, int64(2), table.Touch("k"))
	assert.Equal(t, int64(2), table.Count("k"))
	assert.Equal(t, int64(0), table.Count("other"))

	merged := table.Merge("k", AccessMetadata{AccessCount: 1})
	assert.Equal(t, int64(2), merged.AccessCount)
	merged = table.Merge("k", AccessMetadata{AccessCount: 9})
	assert.Equal(t, int64(9), merged.AccessCount, "caller-supplied count wins when larger")

	table.Reset("k")
	assert.Equal(t, int64(0), table.Count("k"))
}

func TestDecide(t *testing.T) {
	d := Decide(AccessMetadata{Perplexity: 10}, DefaultParams(), StaticGuard(false))
	assert.Equal(t, Decision{TTL: 3600, Tier: TierWarm}, d)
	assert.Equal(t, 3600.0, d.TTLDuration().Seconds())

	d = Decide(AccessMetadata{Perplexity: 10}, DefaultParams(), StaticGuard(true))
	assert.Equal(t, Decision{TTL: 3600, Tier: TierHot}, d, "override keeps the computed ttl")
}
