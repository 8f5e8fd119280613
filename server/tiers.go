package server

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/hrygo/kvtier/internal/profile"
	"github.com/hrygo/kvtier/store/cache"
)

// BuildTiers opens one backend per configured tier, in priority order. On
// failure every backend opened so far is closed.
func BuildTiers(ctx context.Context, p *profile.Profile) ([]cache.Tier, error) {
	tiers := make([]cache.Tier, 0, len(p.Tiers))
	for _, tc := range p.Tiers {
		backend, err := openBackend(ctx, p, tc)
		if err != nil {
			closeTiers(tiers)
			return nil, errors.Wrapf(err, "tier %s", tc.Name)
		}
		tiers = append(tiers, cache.Tier{Name: tc.Name, Backend: backend, TTL: tc.TTL})
	}
	return tiers, nil
}

func openBackend(ctx context.Context, p *profile.Profile, tc profile.TierConfig) (cache.Backend, error) {
	switch tc.Driver {
	case profile.DriverMemory:
		return cache.NewMemoryBackend(tc.Name, cache.WithCapacity(tc.Capacity)), nil
	case profile.DriverDisk:
		return cache.NewDiskBackend(tc.Name, tc.Path, nil)
	case profile.DriverSQLite:
		return cache.NewSQLiteBackend(tc.Name, tc.Path, nil)
	case profile.DriverRedis:
		cfg := cache.DefaultRedisConfig()
		cfg.Addr = p.Redis.Addr
		cfg.Password = p.Redis.Password
		cfg.DB = p.Redis.DB
		cfg.Namespace = p.Redis.Namespace + ":" + tc.Name
		if p.Redis.PoolSize > 0 {
			cfg.PoolSize = p.Redis.PoolSize
		}
		return cache.NewRedisBackend(tc.Name, cfg)
	case profile.DriverS3:
		return cache.NewS3Backend(ctx, tc.Name, &cache.S3Config{
			Bucket:       p.S3.Bucket,
			Prefix:       p.S3.Prefix + tc.Name,
			Region:       p.S3.Region,
			Endpoint:     p.S3.Endpoint,
			StorageClass: p.S3.StorageClass,
		})
	default:
		return nil, errors.Errorf("unsupported driver %q", tc.Driver)
	}
}

func closeTiers(tiers []cache.Tier) {
	for _, t := range tiers {
		if c, ok := t.Backend.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
