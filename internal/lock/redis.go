package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig configures the Redis locker.
type RedisConfig struct {
	URL       string
	Prefix    string
	TTL       time.Duration
	RetryWait time.Duration
}

// RedisLocker serializes holders across processes sharing one Redis.
type RedisLocker struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	retryWait time.Duration
}

// NewRedisLocker parses cfg.URL and returns a locker.
func NewRedisLocker(cfg RedisConfig) (*RedisLocker, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisLockerWithClient(redis.NewClient(opts), cfg), nil
}

// NewRedisLockerWithClient wraps an existing client.
func NewRedisLockerWithClient(client redis.UniversalClient, cfg RedisConfig) *RedisLocker {
	l := &RedisLocker{
		client:    client,
		prefix:    cfg.Prefix,
		ttl:       cfg.TTL,
		retryWait: cfg.RetryWait,
	}
	if l.prefix == "" {
		l.prefix = "vouch:lock:"
	}
	if l.ttl <= 0 {
		l.ttl = 2 * time.Minute
	}
	if l.retryWait <= 0 {
		l.retryWait = 50 * time.Millisecond
	}
	return l
}

// Lock polls SET NX until the key is acquired or ctx is done.
// The lock expires after the configured TTL if the holder never releases it.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Join(ErrLockTimeout, ctx.Err())
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retryWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(ErrLockTimeout, ctx.Err())
		case <-timer.C:
		}
	}

	return func() {
		// Release with a fresh context so a canceled request still frees the lock
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err()
	}, nil
}

// Ping checks the Redis connection.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
