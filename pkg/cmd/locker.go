package cmd

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dukex/flowtree/pkg/lock"
)

// NewLocker returns a Redis backed tree locker when redisURL is set, so
// several API replicas serialize on the same trees. Without it locks are
// process local. The returned func closes the Redis client.
func NewLocker(redisURL string) (lock.Locker, func() error, error) {
	if redisURL == "" {
		return lock.NewLocal(), func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	return lock.NewRedis(client), client.Close, nil
}
