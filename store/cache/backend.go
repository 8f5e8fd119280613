package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Backend is a single storage tier.
//
// Get returns (nil, false, nil) when the key is absent or its expiry has passed.
// A ttl <= 0 on Set means the entry never expires. Delete is idempotent and no
// backend reports an error for a missing key.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Clock returns the current time. Backends that track expiry themselves
// accept one so tests can move time forward without sleeping.
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time {
	return time.Now()
}

// expiryFor converts a ttl into an absolute deadline. The zero time means no expiry.
func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(deadline, now time.Time) bool {
	return !deadline.IsZero() && !now.Before(deadline)
}

// KeyHash returns the hex sha256 of key. Backends that map keys onto file
// names or object paths use it so arbitrary keys stay path-safe.
func KeyHash(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
