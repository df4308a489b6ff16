// Package pubsub is C11: a thin wrapper over Redis pub/sub used to fan out
// cross-instance invalidation and state hints. It backs C1's
// providerCacheInvalidation broadcast and C2's cross-instance HALF_OPEN
// refresh hints, and additionally folds QPS-derived "degraded" telemetry
// (the teacher's QPSCounter idea) into an informational channel that C2's
// healthSnapshot can read — none of this drives a breaker transition on its
// own, only the durable store does (spec §4.2, §C11).
package pubsub

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Message is one delivered pub/sub payload, already JSON-decoded into a
// generic map so subscribers can pull out whatever fields their channel's
// convention defines (kind, provider_id, ...).
type Message struct {
	Channel string
	Payload map[string]any
}

// Bus publishes and subscribes to Redis channels on behalf of the proxy's
// invalidation and health-hint machinery.
type Bus struct {
	redis  *redis.Client
	logger *zap.Logger
}

// New builds a Bus over an existing Redis client (see
// internal/cache.Manager.Client).
func New(redisClient *redis.Client, logger *zap.Logger) *Bus {
	return &Bus{redis: redisClient, logger: logger.With(zap.String("component", "pubsub"))}
}

// Publish marshals message to JSON and publishes it on channel. message is
// typically a map[string]any; publish errors are logged, not returned, since
// invalidation is a hint, not a correctness requirement (the TTL cache it
// backs expires on its own).
func (b *Bus) Publish(ctx context.Context, channel string, message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	if err := b.redis.Publish(ctx, channel, data).Err(); err != nil {
		b.logger.Warn("pubsub publish failed", zap.String("channel", channel), zap.Error(err))
		return err
	}
	return nil
}

// Subscribe returns a channel of decoded Messages for the given Redis
// channel. The returned channel is closed when ctx is cancelled; callers
// should range over it in their own goroutine.
func (b *Bus) Subscribe(ctx context.Context, channel string) <-chan Message {
	sub := b.redis.Subscribe(ctx, channel)
	out := make(chan Message, 32)

	go func() {
		defer close(out)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var payload map[string]any
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					b.logger.Warn("pubsub message decode failed", zap.String("channel", channel), zap.Error(err))
					continue
				}
				select {
				case out <- Message{Channel: channel, Payload: payload}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
