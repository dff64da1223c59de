package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "flowtree:lock:"
	defaultTTL         = 30 * time.Second
	defaultRetry       = 25 * time.Millisecond
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every process talking to the same Redis. Each
// key is a SET NX PX entry holding a random token; release only deletes keys
// still holding that token.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// RedisOption customizes a Redis locker.
type RedisOption func(*Redis)

// WithTTL bounds how long a crashed holder can block a tree.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		r.ttl = ttl
	}
}

// WithRetryInterval sets the polling interval while a key is held elsewhere.
func WithRetryInterval(interval time.Duration) RedisOption {
	return func(r *Redis) {
		r.retry = interval
	}
}

// WithPrefix namespaces the lock keys.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// NewRedis creates a Redis-backed locker.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: defaultRedisPrefix,
		ttl:    defaultTTL,
		retry:  defaultRetry,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Acquire polls until every key is held or ctx ends.
func (r *Redis) Acquire(ctx context.Context, keys ...string) (Release, error) {
	token := uuid.NewString()
	keys = normalize(keys)
	held := make([]string, 0, len(keys))

	for _, key := range keys {
		err := r.acquireOne(ctx, r.prefix+key, token)
		if err != nil {
			r.releaseAll(context.WithoutCancel(ctx), held, token)

			return nil, err
		}

		held = append(held, r.prefix+key)
	}

	return func(ctx context.Context) error {
		return r.releaseAll(ctx, held, token)
	}, nil
}

func (r *Redis) acquireOne(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, err)
		}

		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Redis) releaseAll(ctx context.Context, keys []string, token string) error {
	var errs []error

	for i := len(keys) - 1; i >= 0; i-- {
		err := releaseScript.Run(ctx, r.client, []string{keys[i]}, token).Err()
		if err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", keys[i], err))
		}
	}

	return errors.Join(errs...)
}
