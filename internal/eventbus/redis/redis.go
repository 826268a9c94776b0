// Package redis is a redis/go-redis/v9-backed EventBus collaborator (spec
// §6.4): publishes engine lifecycle events to a topic-named Redis pub/sub
// channel. Publish never fails an engine operation -- a broker error is
// logged and dropped, matching the collaborator's loss-tolerant contract --
// but each call waits for Redis's reply, so an unreachable broker delays
// the caller until the client's timeout.
package redis

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/knhk/engine/internal/logging"
)

// Bus publishes to Redis pub/sub channels prefixed "knhk:".
type Bus struct {
	client *redis.Client
	log    *logging.Logger
}

func New(addr string, log *logging.Logger) *Bus {
	return &Bus{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		log:    log,
	}
}

func (b *Bus) Close() error {
	return b.client.Close()
}

// Publish fires the payload at "knhk:<topic>" without waiting for
// subscribers; a publish error is logged, never propagated.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) {
	if err := b.client.Publish(ctx, "knhk:"+topic, payload).Err(); err != nil {
		b.log.Warn("event bus publish failed", "topic", topic, "error", err)
	}
}
