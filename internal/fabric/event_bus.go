// Event Bus
//
// Domain events let the acquirer's HTTP stream, persistence, and metrics
// observe terminal and transaction lifecycle changes without the core
// knowing about any of them.

package fabric

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType classifies event categories.
type EventType string

const (
	EventTerminalConnected    EventType = "terminal.connected"
	EventTerminalDisconnected EventType = "terminal.disconnected"
	EventTransactionBroadcast EventType = "transaction.broadcast"
	EventTransactionApproved  EventType = "transaction.approved"
	EventTransactionTimeout   EventType = "transaction.timeout"
	EventTransactionFailed    EventType = "transaction.failed"
)

// AllEventTypes lists every event type, for subscribers that want them all.
var AllEventTypes = []EventType{
	EventTerminalConnected,
	EventTerminalDisconnected,
	EventTransactionBroadcast,
	EventTransactionApproved,
	EventTransactionTimeout,
	EventTransactionFailed,
}

// Event is one domain event.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventHandler reacts to one event. Errors are logged by the bus.
type EventHandler func(ctx context.Context, event *Event) error

// EventBus carries domain events from the acquirer core to observers.
// Handlers run asynchronously and in no particular order.
type EventBus interface {
	Publish(ctx context.Context, event *Event) error
	// Subscribe adds handler for eventType. Calling the returned func
	// removes it again.
	Subscribe(eventType EventType, handler EventHandler) (unsubscribe func())
	Close() error
}

// stampEvent fills in the ID and timestamp when the publisher left them out.
func stampEvent(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
}

// handlerSet holds the in-process handlers of one bus, keyed by event type.
type handlerSet struct {
	mu     sync.RWMutex
	byType map[EventType]map[int64]EventHandler
	seq    atomic.Int64
}

func newHandlerSet() *handlerSet {
	return &handlerSet{byType: make(map[EventType]map[int64]EventHandler)}
}

// add registers h and reports whether it is the first handler for t.
func (s *handlerSet) add(t EventType, h EventHandler) (id int64, first bool) {
	id = s.seq.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	hs, ok := s.byType[t]
	if !ok {
		hs = make(map[int64]EventHandler)
		s.byType[t] = hs
	}
	hs[id] = h
	return id, !ok
}

func (s *handlerSet) remove(t EventType, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byType[t], id)
}

func (s *handlerSet) count(t EventType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byType[t])
}

func (s *handlerSet) reset() {
	s.mu.Lock()
	s.byType = make(map[EventType]map[int64]EventHandler)
	s.mu.Unlock()
}

// dispatch runs every handler for the event's type on its own goroutine.
// A failing handler is logged under the caller's component tag.
func (s *handlerSet) dispatch(ctx context.Context, tag string, event *Event) {
	s.mu.RLock()
	targets := make([]EventHandler, 0, len(s.byType[event.Type]))
	for _, h := range s.byType[event.Type] {
		targets = append(targets, h)
	}
	s.mu.RUnlock()

	for _, h := range targets {
		go func(h EventHandler) {
			if err := h(ctx, event); err != nil {
				slog.Warn(tag+" Handler error", "type", event.Type, "id", event.ID, "error", err)
			}
		}(h)
	}
}

// ============================================================================
// IN-PROCESS BUS
// ============================================================================

// LocalEventBus keeps events inside one process. The acquirer uses it unless
// acquirer.use_redis is set.
type LocalEventBus struct {
	handlers *handlerSet
	closed   atomic.Bool
}

func NewLocalEventBus() *LocalEventBus {
	return &LocalEventBus{handlers: newHandlerSet()}
}

// Publish stamps the event and hands it to the handlers for its type. It
// never blocks on a handler. Publishing on a closed bus is a no-op.
func (b *LocalEventBus) Publish(ctx context.Context, event *Event) error {
	if b.closed.Load() {
		return nil
	}
	stampEvent(event)
	b.handlers.dispatch(ctx, "[EventBus]", event)
	return nil
}

func (b *LocalEventBus) Subscribe(eventType EventType, handler EventHandler) func() {
	id, _ := b.handlers.add(eventType, handler)
	return func() { b.handlers.remove(eventType, id) }
}

// Close drops every handler; later publishes are ignored.
func (b *LocalEventBus) Close() error {
	b.closed.Store(true)
	b.handlers.reset()
	return nil
}

// SubscriberCount returns the number of handlers for eventType.
func (b *LocalEventBus) SubscriberCount(eventType EventType) int {
	return b.handlers.count(eventType)
}
