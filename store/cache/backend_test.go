package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backendContract exercises the behavior every Backend shares. advance moves
// the backend's notion of time forward.
func backendContract(t *testing.T, b Backend, advance func(time.Duration)) {
	ctx := context.Background()

	t.Run("absent key", func(t *testing.T) {
		value, ok, err := b.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, value)
	})

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, b.Set(ctx, "k1", []byte("v1"), time.Minute))
		value, ok, err := b.Get(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("v1"), value)
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, b.Set(ctx, "k2", []byte("old"), time.Minute))
		require.NoError(t, b.Set(ctx, "k2", []byte("new"), time.Minute))
		value, ok, err := b.Get(ctx, "k2")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("new"), value)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, b.Set(ctx, "k3", []byte("v"), time.Minute))
		require.NoError(t, b.Delete(ctx, "k3"))
		require.NoError(t, b.Delete(ctx, "k3"))
		_, ok, err := b.Get(ctx, "k3")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("lazy expiry", func(t *testing.T) {
		require.NoError(t, b.Set(ctx, "short", []byte("v"), 2*time.Second))
		require.NoError(t, b.Set(ctx, "forever", []byte("v"), 0))

		advance(3 * time.Second)

		_, ok, err := b.Get(ctx, "short")
		require.NoError(t, err)
		assert.False(t, ok, "expired entry must read as absent")

		_, ok, err = b.Get(ctx, "forever")
		require.NoError(t, err)
		assert.True(t, ok, "ttl <= 0 never expires")
	})
}

func TestMemoryBackend(t *testing.T) {
	clock := newFakeClock()
	b := NewMemoryBackend("hot", WithMemoryClock(clock.Now))
	backendContract(t, b, clock.Advance)
}

func TestMemoryBackend_ExpiredEntryIsDropped(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := NewMemoryBackend("hot", WithMemoryClock(clock.Now))

	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Second))
	assert.Equal(t, 1, b.Len())

	clock.Advance(time.Second)
	_, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, b.Len())
}

func TestMemoryBackend_Capacity(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend("hot", WithCapacity(2))

	require.NoError(t, b.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, b.Set(ctx, "b", []byte("2"), 0))

	// Touch a so b becomes least recently used.
	_, _, _ = b.Get(ctx, "a")
	require.NoError(t, b.Set(ctx, "c", []byte("3"), 0))

	assert.Equal(t, 2, b.Len())
	_, ok, _ := b.Get(ctx, "b")
	assert.False(t, ok)
	_, ok, _ = b.Get(ctx, "a")
	assert.True(t, ok)
	_, ok, _ = b.Get(ctx, "c")
	assert.True(t, ok)
}

func TestDiskBackend(t *testing.T) {
	clock := newFakeClock()
	b, err := NewDiskBackend("disk", t.TempDir(), clock.Now)
	require.NoError(t, err)
	backendContract(t, b, clock.Advance)
}

func TestDiskBackend_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := NewDiskBackend("disk", dir, nil)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "../../etc/passwd", []byte("payload"), time.Hour))

	second, err := NewDiskBackend("disk", dir, nil)
	require.NoError(t, err)
	value, ok, err := second.Get(ctx, "../../etc/passwd")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("payload"), value)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, KeyHash("../../etc/passwd"), entries[0].Name())
}

func TestDiskBackend_ExpiredFileRemoved(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	dir := t.TempDir()
	b, err := NewDiskBackend("disk", dir, clock.Now)
	require.NoError(t, err)

	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Second))
	clock.Advance(2 * time.Second)

	_, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	_, statErr := os.Stat(filepath.Join(dir, KeyHash("k")))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDiskBackend_RequiresDirectory(t *testing.T) {
	_, err := NewDiskBackend("disk", "", nil)
	assert.Error(t, err)
}

func TestSQLiteBackend(t *testing.T) {
	clock := newFakeClock()
	b, err := NewSQLiteBackend("sqlite", filepath.Join(t.TempDir(), "kv.db"), clock.Now)
	require.NoError(t, err)
	defer b.Close()
	backendContract(t, b, clock.Advance)
}

func TestSQLiteBackend_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	first, err := NewSQLiteBackend("sqlite", path, nil)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "k", []byte("v"), time.Hour))
	require.NoError(t, first.Close())

	second, err := NewSQLiteBackend("sqlite", path, nil)
	require.NoError(t, err)
	defer second.Close()

	value, ok, err := second.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), value)
}

func TestRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBackendWithClient("remote", client, "test")
	defer b.Close()

	backendContract(t, b, mr.FastForward)
}

func TestRedisBackend_Namespace(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBackendWithClient("remote", client, "kvtier")
	defer b.Close()

	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Minute))
	assert.True(t, mr.Exists("kvtier:k"))
	assert.Equal(t, time.Minute, mr.TTL("kvtier:k"))
}

func TestNewRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()

	b, err := NewRedisBackend("remote", cfg)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, "remote", b.Name())
}

func TestRedisConfigFromEnv(t *testing.T) {
	t.Setenv("KVTIER_REDIS_ADDR", "redis:6380")
	t.Setenv("KVTIER_REDIS_DB", "3")
	t.Setenv("KVTIER_REDIS_NAMESPACE", "lm")

	cfg := RedisConfigFromEnv()
	assert.Equal(t, "redis:6380", cfg.Addr)
	assert.Equal(t, 3, cfg.DB)
	assert.Equal(t, "lm", cfg.Namespace)
}
