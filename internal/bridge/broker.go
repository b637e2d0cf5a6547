// Package bridge carries raw ISO 8583 messages between the terminal and the
// authorization service over a message queue.
//
// Two topics are used: authorization requests flow from terminals to the
// authorizer on TopicRequests, and its responses come back on
// TopicResponses. The core never depends on the queue; publishing is
// fire-and-forget and consumers receive the raw wire text.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Queue topics.
const (
	TopicRequests  = "iso8583-requests"
	TopicResponses = "iso8583-responses"
)

// ErrBrokerClosed is returned by operations on a closed broker.
var ErrBrokerClosed = errors.New("bridge: broker closed")

// Handler receives one message from a topic.
type Handler func(ctx context.Context, data []byte)

// Broker is a topic-based message queue.
type Broker interface {
	// Publish sends data to every subscriber of topic.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe delivers topic messages to handler until the returned
	// function is called.
	Subscribe(ctx context.Context, topic string, handler Handler) (unsubscribe func(), err error)

	// Close releases the broker.
	Close() error
}

// ============================================================================
// LOCAL BROKER (in-process)
// ============================================================================

const localQueueSize = 256

// LocalBroker is an in-process broker. Each subscription owns a queue drained
// by its own goroutine, so delivery order per subscriber matches publish
// order and a slow subscriber does not block others until its queue fills.
type LocalBroker struct {
	mu     sync.RWMutex
	subs   map[string][]*localSub
	nextID atomic.Int64
	closed bool
}

type localSub struct {
	id      int64
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
	handler Handler
}

func (s *localSub) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewLocalBroker creates an empty in-process broker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[string][]*localSub)}
}

// Publish enqueues data for every subscriber of topic. It blocks while a
// subscriber's queue is full, or until ctx ends.
func (b *LocalBroker) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	subs := append([]*localSub(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.queue <- data:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe starts a delivery goroutine for handler.
func (b *LocalBroker) Subscribe(ctx context.Context, topic string, handler Handler) (func(), error) {
	s := &localSub{
		id:      b.nextID.Add(1),
		queue:   make(chan []byte, localQueueSize),
		done:    make(chan struct{}),
		handler: handler,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case data := <-s.queue:
				s.handler(ctx, data)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		b.remove(topic, s.id)
		s.stop()
	}, nil
}

// SubscriberCount returns the number of live subscriptions on topic.
func (b *LocalBroker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close stops every subscription.
func (b *LocalBroker) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string][]*localSub)
	b.closed = true
	b.mu.Unlock()

	for _, list := range subs {
		for _, s := range list {
			s.stop()
		}
	}
	slog.Debug("[Bridge] Local broker closed")
	return nil
}

func (b *LocalBroker) remove(topic string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[topic]
	for i, s := range list {
		if s.id == id {
			b.subs[topic] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}
