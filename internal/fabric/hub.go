// Package fabric holds the acquirer's connection registry (the Hub), the
// domain event bus, and the websocket event stream.
package fabric

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/isosim/internal/protocol"
)

// HubID identifies one acquirer instance.
type HubID string

// TerminalID is the connection identity of a terminal: its remote address.
type TerminalID string

// ============================================================================
// TERMINAL REGISTRATION
// ============================================================================

// Terminal is one live inbound connection.
type Terminal struct {
	ID          TerminalID
	ConnectedAt time.Time
	Channel     *protocol.Channel

	LastSeen     atomic.Value // time.Time
	MessageCount atomic.Int64
}

// Touch records inbound traffic.
func (t *Terminal) Touch() {
	t.LastSeen.Store(time.Now())
	t.MessageCount.Add(1)
}

// TerminalInfo is a read-only view of a Terminal.
type TerminalInfo struct {
	ID           TerminalID `json:"id"`
	ConnectedAt  time.Time  `json:"connected_at"`
	LastSeen     time.Time  `json:"last_seen"`
	MessageCount int64      `json:"message_count"`
	FramesOut    int64      `json:"frames_out"`
	BytesIn      int64      `json:"bytes_in"`
	BytesOut     int64      `json:"bytes_out"`
}

// Info snapshots the terminal's counters.
func (t *Terminal) Info() TerminalInfo {
	lastSeen, _ := t.LastSeen.Load().(time.Time)
	return TerminalInfo{
		ID:           t.ID,
		ConnectedAt:  t.ConnectedAt,
		LastSeen:     lastSeen,
		MessageCount: t.MessageCount.Load(),
		FramesOut:    t.Channel.FramesOut.Load(),
		BytesIn:      t.Channel.BytesIn.Load(),
		BytesOut:     t.Channel.BytesOut.Load(),
	}
}

// ============================================================================
// HUB IMPLEMENTATION
// ============================================================================

// Hub is the registry of live terminal connections for one acquirer. Each
// acquirer owns its own Hub; there is no process-wide instance.
//
// The lock guards the map only. Broadcast copies the terminal list and
// writes outside the lock, one goroutine per terminal.
type Hub struct {
	ID HubID

	mu        sync.RWMutex
	terminals map[TerminalID]*Terminal

	store    *RedisTerminalStore
	eventBus EventBus

	metrics *HubMetrics
}

// HubMetrics tracks registry activity.
type HubMetrics struct {
	TerminalsConnected atomic.Int32
	Broadcasts         atomic.Int64
	Deliveries         atomic.Int64
	DeliveryFailures   atomic.Int64
}

// BroadcastResult reports which terminals a broadcast reached.
type BroadcastResult struct {
	Delivered []TerminalID
	Skipped   []TerminalID
	Failed    []TerminalID
}

// NewHub creates an empty registry.
func NewHub(id HubID) *Hub {
	return &Hub{
		ID:        id,
		terminals: make(map[TerminalID]*Terminal),
		metrics:   &HubMetrics{},
	}
}

// SetStore mirrors registrations into Redis so other instances can list them.
func (h *Hub) SetStore(s *RedisTerminalStore) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.store = s
}

// SetEventBus publishes connect/disconnect events to bus.
func (h *Hub) SetEventBus(bus EventBus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.eventBus = bus
}

// Register adds a connection keyed by its remote address. A stale entry for
// the same address is replaced.
func (h *Hub) Register(ch *protocol.Channel) *Terminal {
	t := &Terminal{
		ID:          TerminalID(ch.RemoteAddr()),
		ConnectedAt: time.Now(),
		Channel:     ch,
	}
	t.LastSeen.Store(t.ConnectedAt)

	h.mu.Lock()
	if _, exists := h.terminals[t.ID]; !exists {
		h.metrics.TerminalsConnected.Add(1)
	}
	h.terminals[t.ID] = t
	store, bus := h.store, h.eventBus
	h.mu.Unlock()

	slog.Info("[Hub] Terminal connected", "hub", h.ID, "terminal", t.ID)

	if store != nil {
		if err := store.SaveTerminal(context.Background(), h.ID, t.Info()); err != nil {
			slog.Warn("[Hub] Failed to persist terminal", "hub", h.ID, "terminal", t.ID, "error", err)
		}
	}
	h.emit(bus, EventTerminalConnected, t.ID)
	return t
}

// Unregister removes a terminal. Only the exact Terminal registered under id
// is removed, so a late unregister cannot evict a newer connection from the
// same address.
func (h *Hub) Unregister(t *Terminal) error {
	h.mu.Lock()
	current, exists := h.terminals[t.ID]
	if !exists || current != t {
		h.mu.Unlock()
		return fmt.Errorf("terminal %s not registered", t.ID)
	}
	delete(h.terminals, t.ID)
	h.metrics.TerminalsConnected.Add(-1)
	store, bus := h.store, h.eventBus
	h.mu.Unlock()

	slog.Info("[Hub] Terminal disconnected", "hub", h.ID, "terminal", t.ID)

	if store != nil {
		if err := store.DeleteTerminal(context.Background(), h.ID, t.ID); err != nil {
			slog.Warn("[Hub] Failed to remove terminal from store", "hub", h.ID, "terminal", t.ID, "error", err)
		}
	}
	h.emit(bus, EventTerminalDisconnected, t.ID)
	return nil
}

// Get returns the terminal registered under id.
func (h *Hub) Get(id TerminalID) (*Terminal, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.terminals[id]
	return t, ok
}

// Len returns the number of registered terminals.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.terminals)
}

// Terminals returns a point-in-time copy of the registry.
func (h *Hub) Terminals() []*Terminal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Terminal, 0, len(h.terminals))
	for _, t := range h.terminals {
		out = append(out, t)
	}
	return out
}

// ============================================================================
// BROADCAST
// ============================================================================

// Broadcast writes payload to every terminal in a snapshot of the registry.
// Writes run concurrently, so a stalled peer costs at most its own write
// timeout and never delays the others. Inactive terminals are skipped; a
// failed write is logged and the terminal is dropped. Result lists follow
// snapshot order.
func (h *Hub) Broadcast(payload string) BroadcastResult {
	h.metrics.Broadcasts.Add(1)

	terminals := h.Terminals()
	errs := make([]error, len(terminals))
	active := make([]bool, len(terminals))

	var wg sync.WaitGroup
	for i, t := range terminals {
		if !t.Channel.Active() {
			continue
		}
		active[i] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = t.Channel.SendString(payload)
		}()
	}
	wg.Wait()

	var result BroadcastResult
	for i, t := range terminals {
		switch {
		case !active[i]:
			slog.Debug("[Hub] Skipping inactive terminal", "hub", h.ID, "terminal", t.ID)
			result.Skipped = append(result.Skipped, t.ID)
		case errs[i] != nil:
			slog.Warn("[Hub] Broadcast failed", "hub", h.ID, "terminal", t.ID, "error", errs[i])
			h.metrics.DeliveryFailures.Add(1)
			result.Failed = append(result.Failed, t.ID)
			_ = h.Unregister(t)
		default:
			h.metrics.Deliveries.Add(1)
			result.Delivered = append(result.Delivered, t.ID)
		}
	}
	return result
}

// Close closes every registered connection. Connection goroutines observe the
// close and unregister themselves.
func (h *Hub) Close() {
	for _, t := range h.Terminals() {
		_ = t.Channel.Close()
	}
}

// GetMetrics returns the live counters.
func (h *Hub) GetMetrics() *HubMetrics {
	return h.metrics
}

func (h *Hub) emit(bus EventBus, eventType EventType, id TerminalID) {
	if bus == nil {
		return
	}
	event := &Event{
		Type:    eventType,
		Source:  string(h.ID),
		Payload: map[string]interface{}{"terminal_id": string(id)},
	}
	if err := bus.Publish(context.Background(), event); err != nil {
		slog.Warn("[Hub] Failed to publish event", "hub", h.ID, "type", eventType, "error", err)
	}
}
