package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "recovery:lock:"

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// RedisConfig tunes RedisLocker. Zero values fall back to defaults.
type RedisConfig struct {
	TTL        time.Duration
	RetryDelay time.Duration
	RetryCount int
}

// RedisLocker is a SET NX PX mutex. Each acquisition carries a random token
// so only its owner can release it.
type RedisLocker struct {
	client redis.UniversalClient
	cfg    RedisConfig
}

func NewRedisLocker(client redis.UniversalClient, cfg RedisConfig) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 50 * time.Millisecond
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 100
	}
	return &RedisLocker{client: client, cfg: cfg}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	k := keyPrefix + key
	token := uuid.NewString()

	for i := 0; i < l.cfg.RetryCount; i++ {
		ok, err := l.client.SetNX(ctx, k, token, l.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("set lock %s: %w", key, err)
		}
		if ok {
			return func(ctx context.Context) error {
				res, err := unlockScript.Run(ctx, l.client, []string{k}, token).Int64()
				if err != nil {
					return fmt.Errorf("release lock %s: %w", key, err)
				}
				if res == 0 {
					return ErrNotHeld
				}
				return nil
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.cfg.RetryDelay):
		}
	}
	return nil, ErrNotAcquired
}
