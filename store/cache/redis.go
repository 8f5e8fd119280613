package cache

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the Redis connection configuration.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	Namespace    string
	PoolSize     int
	MinIdleConns int
}

// DefaultRedisConfig returns the default Redis configuration.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		Namespace:    "kvtier",
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// RedisConfigFromEnv creates Redis config from environment variables.
// Environment variables:
//   - KVTIER_REDIS_ADDR: Redis address (default: localhost:6379)
//   - KVTIER_REDIS_PASSWORD: Redis password (default: "")
//   - KVTIER_REDIS_DB: Redis DB number (default: 0)
//   - KVTIER_REDIS_NAMESPACE: Key namespace (default: "kvtier")
func RedisConfigFromEnv() *RedisConfig {
	config := DefaultRedisConfig()

	if addr := os.Getenv("KVTIER_REDIS_ADDR"); addr != "" {
		config.Addr = addr
	}
	if password := os.Getenv("KVTIER_REDIS_PASSWORD"); password != "" {
		config.Password = password
	}
	if db := os.Getenv("KVTIER_REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			config.DB = n
		}
	}
	if ns := os.Getenv("KVTIER_REDIS_NAMESPACE"); ns != "" {
		config.Namespace = ns
	}

	return config
}

// RedisBackend is a remote tier. Expiry is delegated to Redis key TTLs.
type RedisBackend struct {
	name      string
	client    redis.UniversalClient
	namespace string
}

// NewRedisBackend dials Redis and verifies the connection.
func NewRedisBackend(name string, config *RedisConfig) (*RedisBackend, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	slog.Info("Redis tier connected", "tier", name, "addr", config.Addr)

	return NewRedisBackendWithClient(name, client, config.Namespace), nil
}

// NewRedisBackendWithClient wraps an existing client.
func NewRedisBackendWithClient(name string, client redis.UniversalClient, namespace string) *RedisBackend {
	return &RedisBackend{
		name:      name,
		client:    client,
		namespace: namespace,
	}
}

func (r *RedisBackend) Name() string {
	return r.name
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.fullKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "failed to get %s", key)
	}
	return data, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.fullKey(key), value, ttl).Err(); err != nil {
		return errors.Wrapf(err, "failed to set %s", key)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.fullKey(key)).Err(); err != nil {
		return errors.Wrapf(err, "failed to delete %s", key)
	}
	return nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func (r *RedisBackend) fullKey(key string) string {
	if r.namespace == "" {
		return key
	}
	return r.namespace + ":" + key
}
