package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only when it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lease only when it still belongs to the caller.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisConfig configures a Redis backed locker.
type RedisConfig struct {
	// Prefix namespaces every lock key, e.g. "teamcloud:lock:".
	Prefix string

	// TTL is the lease duration. Held leases are refreshed at a third of it.
	TTL time.Duration

	// RetryInterval is how often a blocked Acquire polls for the lease.
	RetryInterval time.Duration
}

// Redis is a Locker holding leases in Redis.
type Redis struct {
	rdb    *redis.Client
	config RedisConfig

	mu      sync.Mutex
	refresh map[string]context.CancelFunc
}

// NewRedis creates a locker that stores leases through rdb.
func NewRedis(rdb *redis.Client, cfg RedisConfig) (*Redis, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "teamcloud:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}
	return &Redis{
		rdb:     rdb,
		config:  cfg,
		refresh: make(map[string]context.CancelFunc),
	}, nil
}

// Acquire implements Locker.
func (r *Redis) Acquire(ctx context.Context, key, owner string) error {
	redisKey := r.config.Prefix + key

	ticker := time.NewTicker(r.config.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := r.rdb.SetNX(ctx, redisKey, owner, r.config.TTL).Result()
		if err != nil {
			return fmt.Errorf("failed to acquire lease %s: %w", key, err)
		}
		if ok {
			r.startRefresh(redisKey, owner)
			return nil
		}

		current, err := r.rdb.Get(ctx, redisKey).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			return fmt.Errorf("failed to read lease %s: %w", key, err)
		case current == owner:
			if err := refreshScript.Run(ctx, r.rdb, []string{redisKey}, owner, r.config.TTL.Milliseconds()).Err(); err != nil {
				return fmt.Errorf("failed to refresh lease %s: %w", key, err)
			}
			r.startRefresh(redisKey, owner)
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release implements Locker.
func (r *Redis) Release(ctx context.Context, key, owner string) error {
	redisKey := r.config.Prefix + key
	r.stopRefresh(redisKey)

	deleted, err := releaseScript.Run(ctx, r.rdb, []string{redisKey}, owner).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	if deleted == 0 {
		current, err := r.rdb.Get(ctx, redisKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read lease %s: %w", key, err)
		}
		if current != owner {
			return ErrNotOwner
		}
	}
	return nil
}

// Close stops all lease refresh loops. Leases expire on their own.
func (r *Redis) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, cancel := range r.refresh {
		cancel()
		delete(r.refresh, k)
	}
}

func (r *Redis) startRefresh(redisKey, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.refresh[redisKey]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.refresh[redisKey] = cancel

	go func() {
		ticker := time.NewTicker(r.config.TTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := refreshScript.Run(ctx, r.rdb, []string{redisKey}, owner, r.config.TTL.Milliseconds()).Int64()
				if err != nil || n == 0 {
					r.stopRefresh(redisKey)
					return
				}
			}
		}
	}()
}

func (r *Redis) stopRefresh(redisKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.refresh[redisKey]; ok {
		cancel()
		delete(r.refresh, redisKey)
	}
}
