package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedup backs the debounce window with Redis so several process
// instances sharing a detector converge on the same window, via SETNX with
// a TTL equal to the window -- the same acquire-or-refuse pattern used for
// distributed locks.
type RedisDedup struct {
	client *redis.Client
	prefix string
}

// NewRedisDedup connects to addr and verifies the connection with a PING.
func NewRedisDedup(addr, password string) (*RedisDedup, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisDedup{client: client, prefix: "dedup:"}, nil
}

func (r *RedisDedup) Seen(ctx context.Context, key string, window time.Duration) (bool, error) {
	fullKey := r.prefix + key
	ok, err := r.client.SetNX(ctx, fullKey, time.Now().Format(time.RFC3339), window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set dedup key: %w", err)
	}
	if ok {
		return false, nil
	}
	// Key already present: the event is dropped and its window is left as is.
	return true, nil
}

func (r *RedisDedup) Close() error {
	return r.client.Close()
}
