package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryTier(name string, ttl time.Duration, clock *fakeClock) (Tier, *countingBackend) {
	b := &countingBackend{Backend: NewMemoryBackend(name, WithMemoryClock(clock.Now))}
	return Tier{Name: name, Backend: b, TTL: ttl}, b
}

func TestNewTieredCache(t *testing.T) {
	t.Run("empty tiers", func(t *testing.T) {
		_, err := NewTieredCache(nil)
		assert.Error(t, err)
	})

	t.Run("nil backend", func(t *testing.T) {
		_, err := NewTieredCache([]Tier{{Name: "hot"}})
		assert.Error(t, err)
	})

	t.Run("duplicate names", func(t *testing.T) {
		_, err := NewTieredCache([]Tier{
			{Name: "hot", Backend: NewMemoryBackend("a")},
			{Name: "hot", Backend: NewMemoryBackend("b")},
		})
		assert.Error(t, err)
	})

	t.Run("name defaults to backend name", func(t *testing.T) {
		tc, err := NewTieredCache([]Tier{{Backend: NewMemoryBackend("gpu")}})
		require.NoError(t, err)
		assert.Equal(t, []string{"gpu"}, tc.Tiers())
	})
}

func TestTieredCache_RoundTripWithoutPromotion(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	hot, hotB := newMemoryTier("hot", time.Minute, clock)
	warm, warmB := newMemoryTier("warm", time.Hour, clock)

	tc, err := NewTieredCache([]Tier{hot, warm})
	require.NoError(t, err)

	require.NoError(t, tc.Set(ctx, "k", []byte("v")))
	assert.Equal(t, int64(1), hotB.sets.Load())
	assert.Equal(t, int64(1), warmB.sets.Load())

	value, ok, err := tc.Get(ctx, "k", nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), value)

	// Served from the first tier: the second is neither read nor rewritten.
	assert.Equal(t, int64(0), warmB.gets.Load())
	assert.Equal(t, int64(1), hotB.sets.Load())
	assert.Equal(t, int64(1), warmB.sets.Load())

	stats := tc.Stats()
	assert.Equal(t, int64(1), stats.Tiers[0].Hits)
	assert.Equal(t, int64(0), stats.Tiers[1].Hits)
	assert.Equal(t, int64(0), stats.Tiers[0].Promotions)
}

func TestTieredCache_Promotion(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	a, aB := newMemoryTier("A", time.Second, clock)
	b, bB := newMemoryTier("B", 100*time.Second, clock)

	tc, err := NewTieredCache([]Tier{a, b})
	require.NoError(t, err)
	require.NoError(t, tc.Set(ctx, "k", []byte("v")))

	clock.Advance(2 * time.Second)

	_, ok, err := aB.Backend.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok, "A entry should have lapsed")

	value, ok, err := tc.Get(ctx, "k", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
	assert.Equal(t, int64(1), bB.gets.Load())
	assert.Equal(t, int64(2), aB.sets.Load(), "A must be repopulated")

	value, ok, err = tc.Get(ctx, "k", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
	assert.Equal(t, int64(1), bB.gets.Load(), "second read must be served by A")

	stats := tc.Stats()
	assert.Equal(t, int64(1), stats.Tiers[0].Hits)
	assert.Equal(t, int64(1), stats.Tiers[0].Misses)
	assert.Equal(t, int64(1), stats.Tiers[0].Promotions)
	assert.Equal(t, int64(1), stats.Tiers[1].Hits)
}

func TestTieredCache_PromotionUsesTargetTierTTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	a, _ := newMemoryTier("A", time.Second, clock)
	b, _ := newMemoryTier("B", 100*time.Second, clock)

	tc, err := NewTieredCache([]Tier{a, b})
	require.NoError(t, err)
	require.NoError(t, b.Backend.Set(ctx, "k", []byte("v"), b.TTL))

	_, ok, err := tc.Get(ctx, "k", nil)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(1500 * time.Millisecond)
	_, ok, err = a.Backend.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "promoted entry must carry A's ttl, not B's")
}

func TestTieredCache_TotalMissFanOut(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	hot, _ := newMemoryTier("hot", 10*time.Second, clock)
	warm, _ := newMemoryTier("warm", time.Minute, clock)
	cold, _ := newMemoryTier("cold", time.Hour, clock)

	tc, err := NewTieredCache([]Tier{hot, warm, cold})
	require.NoError(t, err)

	var calls atomic.Int64
	compute := func(context.Context, string) ([]byte, error) {
		calls.Add(1)
		return []byte("computed"), nil
	}

	value, ok, err := tc.Get(ctx, "k", compute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("computed"), value)
	assert.Equal(t, int64(1), calls.Load())

	for _, tier := range []Tier{hot, warm, cold} {
		got, ok, err := tier.Backend.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok, "tier %s", tier.Name)
		assert.Equal(t, []byte("computed"), got)
	}
	assert.Equal(t, int64(1), tc.Stats().Computes)
}

func TestTieredCache_TotalMissWithoutCompute(t *testing.T) {
	tc, err := NewTieredCache([]Tier{{Name: "hot", Backend: NewMemoryBackend("hot")}})
	require.NoError(t, err)

	value, ok, err := tc.Get(context.Background(), "missing", nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, value)
}

func TestTieredCache_ComputeError(t *testing.T) {
	ctx := context.Background()
	hot := NewMemoryBackend("hot")
	tc, err := NewTieredCache([]Tier{{Name: "hot", Backend: hot, TTL: time.Minute}})
	require.NoError(t, err)

	_, ok, err := tc.Get(ctx, "k", func(context.Context, string) ([]byte, error) {
		return nil, errBackendDown
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errBackendDown)
	assert.False(t, ok)
	assert.Equal(t, 0, hot.Len())
	assert.Equal(t, int64(1), tc.Stats().ComputeErrors)
}

func TestTieredCache_ComputeOnceUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	tc, err := NewTieredCache([]Tier{{Name: "hot", Backend: NewMemoryBackend("hot"), TTL: time.Minute}})
	require.NoError(t, err)

	release := make(chan struct{})
	var calls atomic.Int64
	compute := func(context.Context, string) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("v"), nil
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([][]byte, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value, _, err := tc.Get(ctx, "k", compute)
			assert.NoError(t, err)
			results[i] = value
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, []byte("v"), r)
	}
}

func TestTieredCache_CanceledCallerDoesNotFailOthers(t *testing.T) {
	hot := NewMemoryBackend("hot")
	tc, err := NewTieredCache([]Tier{{Name: "hot", Backend: hot, TTL: time.Minute}})
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context, _ string) ([]byte, error) {
		close(started)
		select {
		case <-release:
			return []byte("v"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := tc.Get(firstCtx, "k", compute)
		firstErr <- err
	}()
	<-started

	second := make(chan []byte, 1)
	go func() {
		value, _, err := tc.Get(context.Background(), "k", compute)
		assert.NoError(t, err)
		second <- value
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	select {
	case value := <-second:
		assert.Equal(t, []byte("v"), value)
	case <-time.After(5 * time.Second):
		t.Fatal("second caller never received the shared value")
	}
	assert.Equal(t, 1, hot.Len())
}

func TestTieredCache_ComputeTimeout(t *testing.T) {
	tc, err := NewTieredCache([]Tier{{Name: "hot", Backend: NewMemoryBackend("hot"), TTL: time.Minute}},
		WithComputeTimeout(20*time.Millisecond))
	require.NoError(t, err)

	_, ok, err := tc.Get(context.Background(), "k", func(ctx context.Context, _ string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTieredCache_SetAggregatesErrors(t *testing.T) {
	ctx := context.Background()
	good := NewMemoryBackend("good")
	tc, err := NewTieredCache([]Tier{
		{Name: "bad1", Backend: &failingBackend{name: "bad1", err: errBackendDown}},
		{Name: "good", Backend: good, TTL: time.Minute},
		{Name: "bad2", Backend: &failingBackend{name: "bad2", err: errBackendDown}},
	})
	require.NoError(t, err)

	err = tc.Set(ctx, "k", []byte("v"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad1")
	assert.Contains(t, err.Error(), "bad2")

	value, ok, err := good.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok, "healthy tier is written despite earlier failure")
	assert.Equal(t, []byte("v"), value)
}

func TestTieredCache_ReadErrorPropagates(t *testing.T) {
	tc, err := NewTieredCache([]Tier{
		{Name: "bad", Backend: &failingBackend{name: "bad", err: errBackendDown}},
		{Name: "good", Backend: NewMemoryBackend("good")},
	})
	require.NoError(t, err)

	_, ok, err := tc.Get(context.Background(), "k", nil)
	assert.ErrorIs(t, err, errBackendDown)
	assert.False(t, ok)
}

func TestTieredCache_PromotionErrorReturnedWithValue(t *testing.T) {
	ctx := context.Background()
	warm := NewMemoryBackend("warm")
	require.NoError(t, warm.Set(ctx, "k", []byte("v"), 0))

	tc, err := NewTieredCache([]Tier{
		{Name: "hot", Backend: &readMissWriteFail{}},
		{Name: "warm", Backend: warm},
	})
	require.NoError(t, err)

	value, ok, err := tc.Get(ctx, "k", nil)
	assert.Error(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), value)
}

func TestTieredCache_Delete(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	hot, _ := newMemoryTier("hot", time.Minute, clock)
	warm, _ := newMemoryTier("warm", time.Hour, clock)

	tc, err := NewTieredCache([]Tier{hot, warm})
	require.NoError(t, err)
	require.NoError(t, tc.Set(ctx, "k", []byte("v")))

	require.NoError(t, tc.Delete(ctx, "k"))
	require.NoError(t, tc.Delete(ctx, "k"), "delete is idempotent")

	_, ok, err := tc.Get(ctx, "k", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTieredCache_Close(t *testing.T) {
	fb := &failingBackend{name: "closer", err: errBackendDown}
	tc, err := NewTieredCache([]Tier{
		{Name: "mem", Backend: NewMemoryBackend("mem")},
		{Name: "closer", Backend: fb},
	})
	require.NoError(t, err)

	require.NoError(t, tc.Close())
	assert.True(t, fb.closed)
}

func TestTieredCache_WeatherPrompt(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	hot, hotB := newMemoryTier("hot", 10*time.Second, clock)
	warm, warmB := newMemoryTier("warm", 60*time.Second, clock)
	cold, coldB := newMemoryTier("cold", 3600*time.Second, clock)

	tc, err := NewTieredCache([]Tier{hot, warm, cold})
	require.NoError(t, err)

	const answer = "Sunny, 22C with a light breeze."
	value, ok, err := tc.Get(ctx, "weather-prompt", func(context.Context, string) ([]byte, error) {
		return []byte(answer), nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, answer, string(value))
	for _, b := range []*countingBackend{hotB, warmB, coldB} {
		assert.Equal(t, int64(1), b.sets.Load())
	}

	clock.Advance(11 * time.Second)

	value, ok, err = tc.Get(ctx, "weather-prompt", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, answer, string(value))

	stats := tc.Stats()
	assert.Equal(t, int64(2), stats.Tiers[0].Misses, "hot lapsed")
	assert.Equal(t, int64(1), stats.Tiers[1].Hits, "served from warm")
	assert.Equal(t, int64(1), coldB.gets.Load(), "cold only probed on the initial miss")
	assert.Equal(t, int64(2), hotB.sets.Load(), "hot repopulated")

	got, ok, err := hot.Backend.Get(ctx, "weather-prompt")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, answer, string(got))
}

// readMissWriteFail reports every key absent and refuses writes.
type readMissWriteFail struct{}

func (readMissWriteFail) Name() string { return "hot" }

func (readMissWriteFail) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}

func (readMissWriteFail) Set(context.Context, string, []byte, time.Duration) error {
	return errBackendDown
}

func (readMissWriteFail) Delete(context.Context, string) error { return nil }
