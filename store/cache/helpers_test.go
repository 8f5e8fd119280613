package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingBackend records calls made to the wrapped backend.
type countingBackend struct {
	Backend
	gets    atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
}

func (c *countingBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.gets.Add(1)
	return c.Backend.Get(ctx, key)
}

func (c *countingBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.sets.Add(1)
	return c.Backend.Set(ctx, key, value, ttl)
}

func (c *countingBackend) Delete(ctx context.Context, key string) error {
	c.deletes.Add(1)
	return c.Backend.Delete(ctx, key)
}

// failingBackend fails every operation with err.
type failingBackend struct {
	name   string
	err    error
	closed bool
}

func (f *failingBackend) Name() string { return f.name }

func (f *failingBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, f.err
}

func (f *failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return f.err
}

func (f *failingBackend) Delete(context.Context, string) error {
	return f.err
}

func (f *failingBackend) Close() error {
	f.closed = true
	return nil
}

var errBackendDown = errors.New("backend down")
