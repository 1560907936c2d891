package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis fans notifications out to every node subscribed to the same Redis
// channel namespace. Local subscribers are served by an embedded Local.
type Redis struct {
	rdb    *redis.Client
	prefix string
	local  *Local
	logger zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedis subscribes to prefix* and starts relaying messages to local
// subscribers. Call Close to stop relaying.
func NewRedis(ctx context.Context, rdb *redis.Client, prefix string, logger zerolog.Logger) (*Redis, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = "teamcloud:events:"
	}

	subCtx, cancel := context.WithCancel(ctx)
	pubsub := rdb.PSubscribe(subCtx, prefix+"*")

	// Wait for the subscription to be confirmed so that no notification
	// published after NewRedis returns is missed.
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s*: %w", prefix, err)
	}

	r := &Redis{
		rdb:    rdb,
		prefix: prefix,
		local:  NewLocal(),
		logger: logger.With().Str("component", "notify").Logger(),
		cancel: cancel,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				topic := strings.TrimPrefix(msg.Channel, r.prefix)
				if err := r.local.Notify(subCtx, topic); err != nil {
					r.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to relay notification")
				}
			}
		}
	}()

	return r, nil
}

// Notify implements Notifier.
func (r *Redis) Notify(ctx context.Context, topic string) error {
	if err := r.rdb.Publish(ctx, r.prefix+topic, "").Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Subscribe implements Notifier.
func (r *Redis) Subscribe(topic string) (<-chan struct{}, func()) {
	return r.local.Subscribe(topic)
}

// Close stops relaying notifications.
func (r *Redis) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}
