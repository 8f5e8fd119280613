// Package placement turns per-entry access metadata into a TTL and a
// preferred storage tier.
package placement

import (
	"math"
	"time"
)

// Tier identifies a preferred storage location.
type Tier string

const (
	// TierHot is accelerator memory.
	TierHot Tier = "gpu"
	// TierWarm is local disk.
	TierWarm Tier = "disk"
	// TierCold is remote storage. Only selected when Params.EnableRemote is set.
	TierCold Tier = "remote"
)

// Params holds the heuristic coefficients. Every field is a tunable default,
// not a derived constant.
type Params struct {
	BaseTTL float64 // seconds
	MinTTL  int     // seconds
	MaxTTL  int     // seconds

	// Alpha scales the log-smoothed access boost.
	Alpha float64
	// Gamma scales the volatility penalty. Gamma=0.8 floors the factor at 0.2.
	Gamma float64

	PerplexityFloor float64
	PerplexityScale float64

	// HotThresholdSeconds: entries whose TTL is below this stay hot.
	HotThresholdSeconds int

	EnableRemote bool
	// RemoteThresholdSeconds: with remote enabled, entries at or above this go cold.
	RemoteThresholdSeconds int
}

// DefaultParams returns the stock coefficients.
func DefaultParams() Params {
	return Params{
		BaseTTL:                3600,
		MinTTL:                 0,
		MaxTTL:                 7 * 24 * 3600,
		Alpha:                  0.25,
		Gamma:                  0.8,
		PerplexityFloor:        10,
		PerplexityScale:        100,
		HotThresholdSeconds:    10,
		EnableRemote:           false,
		RemoteThresholdSeconds: 24 * 3600,
	}
}

// AccessMetadata describes one entry at decision time.
type AccessMetadata struct {
	Perplexity   float64   `json:"perplexity"`
	AccessCount  int64     `json:"access_count"`
	TimeVariance float64   `json:"time_variance"`
	LastAccessed time.Time `json:"last_accessed,omitempty"`
	Now          time.Time `json:"now,omitempty"`
}

// Decision is the outcome of the heuristic for one entry.
type Decision struct {
	TTL  int  `json:"ttl"`
	Tier Tier `json:"tier"`
}

// TTLDuration returns the decision TTL as a time.Duration.
func (d Decision) TTLDuration() time.Duration {
	return time.Duration(d.TTL) * time.Second
}

// ComputeTTL returns the TTL in seconds for meta:
//
//	base × (1 + α·ln(1+access)) × (1 + max(0, ppl−floor)/scale) × (1 − γ·clamp(tv, 0, 1))
//
// truncated and clamped to [MinTTL, MaxTTL]. Out-of-domain inputs are clamped
// rather than rejected.
func ComputeTTL(meta AccessMetadata, p Params) int {
	minTTL, maxTTL := p.MinTTL, p.MaxTTL
	if maxTTL < minTTL {
		maxTTL = minTTL
	}

	access := float64(meta.AccessCount)
	if access < 0 {
		access = 0
	}
	accessInfluence := 1 + finite(p.Alpha)*math.Log1p(access)

	perplexityFactor := 1.0
	if scale := finite(p.PerplexityScale); scale > 0 {
		perplexityFactor += math.Max(0, finite(meta.Perplexity)-finite(p.PerplexityFloor)) / scale
	}

	volatilityFactor := 1 - finite(p.Gamma)*clamp(finite(meta.TimeVariance), 0, 1)

	ttl := finite(p.BaseTTL) * accessInfluence * perplexityFactor * volatilityFactor
	if math.IsNaN(ttl) {
		return minTTL
	}
	ttl = math.Trunc(ttl)
	if ttl <= float64(minTTL) {
		return minTTL
	}
	if ttl >= float64(maxTTL) {
		return maxTTL
	}
	return int(ttl)
}

// SelectBackend returns the preferred tier for meta. An active guard forces
// TierHot regardless of metadata.
func SelectBackend(meta AccessMetadata, p Params, guard OffloadGuard) Tier {
	return Decide(meta, p, guard).Tier
}

// Decide computes the TTL and tier together.
func Decide(meta AccessMetadata, p Params, guard OffloadGuard) Decision {
	ttl := ComputeTTL(meta, p)
	if guard != nil && guard.OffloadDisabled() {
		return Decision{TTL: ttl, Tier: TierHot}
	}
	if ttl < p.HotThresholdSeconds {
		return Decision{TTL: ttl, Tier: TierHot}
	}
	if p.EnableRemote && ttl >= p.RemoteThresholdSeconds {
		return Decision{TTL: ttl, Tier: TierCold}
	}
	return Decision{TTL: ttl, Tier: TierWarm}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// finite maps NaN to zero. Infinities pass through and are handled by the
// final clamp.
func finite(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
