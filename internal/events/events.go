// Package events re-homes O-tero's three coordination topics
// (cache.invalidate, cache.refresh, cache.warm.completed) off
// encore.dev/pubsub onto Redis pub/sub — this framework's remote
// cache backend already requires a Redis connection, so cross-replica
// fan-out rides the same connection rather than pulling in a second
// broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Topic names, unchanged in spirit from O-tero's pkg/pubsub.Topic*
// constants.
const (
	TopicCacheInvalidate    = "cache.invalidate"
	TopicCacheRefresh       = "cache.refresh"
	TopicCacheWarmCompleted = "cache.warm.completed"
)

// InvalidationEvent is published on TopicCacheInvalidate when one
// replica's write should be observed (or discarded) by its peers —
// adapted from O-tero's InvalidationEvent onto this framework's
// cache-key shape (no pattern matching on the client path, only exact
// keys, per spec.md's "thin key->value store" non-goal).
type InvalidationEvent struct {
	AdapterName string    `json:"adapterName"`
	Keys        []string  `json:"keys"`
	TriggeredAt time.Time `json:"triggeredAt"`
	RequestID   string    `json:"requestId"`
}

// RefreshEvent is published on TopicCacheRefresh to ask every replica
// to re-register a set of params with the subscription set (e.g. an
// operator-triggered warm-up).
type RefreshEvent struct {
	AdapterName string           `json:"adapterName"`
	Endpoint    string           `json:"endpoint"`
	Params      []map[string]any `json:"params"`
	TriggeredAt time.Time        `json:"triggeredAt"`
}

// WarmCompletedEvent is published on TopicCacheWarmCompleted after a
// background tick finishes, for monitoring consumers.
type WarmCompletedEvent struct {
	AdapterName string        `json:"adapterName"`
	Endpoint    string        `json:"endpoint"`
	Transport   string        `json:"transport"`
	Success     bool          `json:"success"`
	Duration    time.Duration `json:"duration"`
}

// Bus is a thin publish/subscribe facade over a shared Redis client.
type Bus struct {
	client redis.UniversalClient
}

// NewBus wraps client for pub/sub use. The same client used by the
// remote cache and subscription set may be reused here.
func NewBus(client redis.UniversalClient) *Bus {
	return &Bus{client: client}
}

// Publish JSON-encodes payload and publishes it to topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal %s payload: %w", topic, err)
	}
	return b.client.Publish(ctx, topic, data).Err()
}

// Handler is called with the raw JSON payload of each message
// received on a subscribed topic; callers unmarshal into the concrete
// event type for that topic.
type Handler func(ctx context.Context, payload []byte)

// Subscribe blocks, dispatching messages on topic to handler until
// ctx is cancelled. Intended to run in its own goroutine.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	sub := b.client.Subscribe(ctx, topic)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler(ctx, []byte(msg.Payload))
		}
	}
}
