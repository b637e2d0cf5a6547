// Redis-backed EventBus for cross-process event distribution.
//
// The acquirer, terminal and authorizer run as separate processes. With
// RedisEventBus, a transaction.timeout published by the acquirer reaches a
// dashboard attached to any of them.

package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("fabric: event bus closed")

// RedisPubSubClient is the slice of a Redis client the bus needs.
// infra.RedisAdapter satisfies it.
type RedisPubSubClient interface {
	Publish(ctx context.Context, channel string, message []byte) error
	// Subscribe delivers every message on channel to handler until the
	// returned func is called.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisEventBus routes every event through a Redis channel named
// <prefix><event type>, so local handlers see events from all processes,
// their own included.
type RedisEventBus struct {
	client   RedisPubSubClient
	prefix   string
	handlers *handlerSet

	mu       sync.Mutex
	channels map[EventType]func()
	closed   bool
}

func NewRedisEventBus(client RedisPubSubClient, channelPrefix string) *RedisEventBus {
	if channelPrefix == "" {
		channelPrefix = "isosim:events:"
	}
	return &RedisEventBus{
		client:   client,
		prefix:   channelPrefix,
		handlers: newHandlerSet(),
		channels: make(map[EventType]func()),
	}
}

func (b *RedisEventBus) channel(t EventType) string {
	return b.prefix + string(t)
}

// Publish sends the event to Redis. When Redis rejects it the event still
// reaches this process's handlers.
func (b *RedisEventBus) Publish(ctx context.Context, event *Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	stampEvent(event)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("fabric: encode %s event: %w", event.Type, err)
	}

	if err := b.client.Publish(ctx, b.channel(event.Type), data); err != nil {
		slog.Warn("[RedisEventBus] Redis publish failed, delivering locally",
			"type", event.Type, "error", err)
		b.handlers.dispatch(ctx, "[RedisEventBus]", event)
	}
	return nil
}

// Subscribe adds a local handler. The first handler for a type opens the
// Redis subscription for it; if that fails the handler only sees events
// that fall back to local delivery.
func (b *RedisEventBus) Subscribe(eventType EventType, handler EventHandler) func() {
	id, first := b.handlers.add(eventType, handler)
	if first {
		b.listen(eventType)
	}
	return func() { b.handlers.remove(eventType, id) }
}

func (b *RedisEventBus) listen(eventType EventType) {
	unsub, err := b.client.Subscribe(context.Background(), b.channel(eventType), func(data []byte) {
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			slog.Warn("[RedisEventBus] Dropping undecodable event",
				"channel", b.channel(eventType), "error", err)
			return
		}
		b.handlers.dispatch(context.Background(), "[RedisEventBus]", &event)
	})
	if err != nil {
		slog.Warn("[RedisEventBus] Redis subscribe failed, local delivery only",
			"type", eventType, "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.channels[eventType]; dup || b.closed {
		unsub()
		return
	}
	b.channels[eventType] = unsub
}

// Close cancels every Redis subscription and drops all handlers.
func (b *RedisEventBus) Close() error {
	b.mu.Lock()
	b.closed = true
	channels := b.channels
	b.channels = make(map[EventType]func())
	b.mu.Unlock()

	for _, unsub := range channels {
		unsub()
	}
	b.handlers.reset()
	slog.Info("[RedisEventBus] Closed", "channels", len(channels))
	return nil
}
