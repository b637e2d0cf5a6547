package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// PubSub is the Redis surface the broker needs. infra.RedisAdapter
// implements it.
type PubSub interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisBroker maps topics onto Redis Pub/Sub channels. Redis Pub/Sub has no
// persistence: messages published while no consumer is subscribed are lost.
type RedisBroker struct {
	client PubSub
	prefix string

	mu     sync.Mutex
	unsubs []func()
	closed bool
}

// NewRedisBroker creates a broker whose channels are prefix+topic. An empty
// prefix defaults to "isosim:bridge:".
func NewRedisBroker(client PubSub, prefix string) *RedisBroker {
	if prefix == "" {
		prefix = "isosim:bridge:"
	}
	return &RedisBroker{client: client, prefix: prefix}
}

func (b *RedisBroker) channel(topic string) string {
	return b.prefix + topic
}

// Publish sends data on the topic's channel.
func (b *RedisBroker) Publish(ctx context.Context, topic string, data []byte) error {
	if err := b.client.Publish(ctx, b.channel(topic), data); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe listens on the topic's channel.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string, handler Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	b.mu.Unlock()

	unsub, err := b.client.Subscribe(ctx, b.channel(topic), func(data []byte) {
		handler(ctx, data)
	})
	if err != nil {
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	var once sync.Once
	stop := func() { once.Do(unsub) }

	b.mu.Lock()
	b.unsubs = append(b.unsubs, stop)
	b.mu.Unlock()

	slog.Info("[Bridge] Subscribed", "topic", topic, "channel", b.channel(topic))
	return stop, nil
}

// Close cancels every subscription made through this broker. The Redis
// client itself is owned by the caller.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.closed = true
	b.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	return nil
}
