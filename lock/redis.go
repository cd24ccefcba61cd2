package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// REDIS - Distributed keyed locks
// =============================================================================

// RedisConfig configures the distributed locker.
type RedisConfig struct {
	Prefix     string        // key prefix, e.g. "fifo:sku:"
	TTL        time.Duration // lock lease; must outlive one mutation transaction
	MinBackoff time.Duration
	MaxBackoff time.Duration
	MaxRetries int
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Prefix:     "fifo:sku:",
		TTL:        10 * time.Second,
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 250 * time.Millisecond,
		MaxRetries: 20,
	}
}

type Redis struct {
	client *redislock.Client
	cfg    RedisConfig
	logger *zap.Logger
}

func NewRedis(rdb redis.UniversalClient, cfg RedisConfig, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: redislock.New(rdb), cfg: cfg, logger: logger}
}

// Lock obtains one redis lock per key in sorted order. If any key cannot be
// obtained, the keys already held are released and ErrNotObtained is
// returned.
func (r *Redis) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = Normalize(keys)
	held := make([]*redislock.Lock, 0, len(keys))
	opts := &redislock.Options{
		RetryStrategy: redislock.LimitRetry(
			redislock.ExponentialBackoff(r.cfg.MinBackoff, r.cfg.MaxBackoff),
			r.cfg.MaxRetries,
		),
	}

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			// A fresh context: the caller's may already be cancelled.
			if err := held[i].Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				r.logger.Warn("failed to release redis lock", zap.String("key", held[i].Key()), zap.Error(err))
			}
		}
	}

	for _, k := range keys {
		l, err := r.client.Obtain(ctx, r.cfg.Prefix+k, r.cfg.TTL, opts)
		if err != nil {
			release()
			if errors.Is(err, redislock.ErrNotObtained) {
				return nil, fmt.Errorf("%s: %w", k, ErrNotObtained)
			}
			return nil, fmt.Errorf("obtain lock %s: %w", k, err)
		}
		held = append(held, l)
	}
	return release, nil
}
