package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/isosim/internal/bridge"
	"github.com/ocx/isosim/internal/iso8583"
	"github.com/ocx/isosim/internal/protocol"
	"github.com/ocx/isosim/internal/validation"
)

var (
	ErrConnectionNotFound = errors.New("terminal: connection not found")
	ErrAlreadyConnected   = errors.New("terminal: already connected")
	ErrNotConnected       = errors.New("terminal: connection not active")
	ErrInvalidMessage     = errors.New("terminal: invalid message")
)

// QueuedResponse is the response text reported when a request was handed to
// the authorization queue instead of the acquirer.
const QueuedResponse = "Sent to authorization service"

// PublishTimeout bounds forwarding one acquirer broadcast to the request
// queue.
const PublishTimeout = 5 * time.Second

// Publisher hands wire text to the message queue. *bridge.Bridge
// implements it.
type Publisher interface {
	Publish(ctx context.Context, topic, raw string, connected bool)
}

// Config controls the manager.
type Config struct {
	ResponseTimeout time.Duration
	DialTimeout     time.Duration
	EchoInterval    time.Duration
	// AuthorizationEnabled routes authorization requests, and unsolicited
	// broadcasts from the acquirer, through the request queue.
	AuthorizationEnabled bool
	TerminalID           string
	MerchantID           string
}

// ConnectionInfo describes one configured acquirer connection.
type ConnectionInfo struct {
	ID        string    `json:"connectionId"`
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Connected bool      `json:"connected"`
	CreatedAt time.Time `json:"createdAt"`
}

// Address returns host:port.
func (c ConnectionInfo) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Exchange is one request and what came back.
type Exchange struct {
	Request  string `json:"request"`
	Response string `json:"response"`
	Result   Result `json:"result"`
}

type connection struct {
	info    ConnectionInfo
	session *protocol.Session
}

func (c *connection) snapshot() ConnectionInfo {
	info := c.info
	info.Connected = c.session != nil && c.session.Connected()
	return info
}

// Manager owns the terminal's acquirer connections.
type Manager struct {
	cfg       Config
	validator *validation.Validator
	publisher Publisher
	gen       *Generator

	mu    sync.RWMutex
	conns map[string]*connection

	onUnsolicited func(connID string, payload string)
}

// NewManager creates a manager. publisher may be nil when authorization
// routing is disabled.
func NewManager(cfg Config, v *validation.Validator, publisher Publisher) *Manager {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = protocol.DefaultResponseTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.EchoInterval <= 0 {
		cfg.EchoInterval = 30 * time.Second
	}
	if cfg.TerminalID == "" {
		cfg.TerminalID = "TERM0001"
	}
	if cfg.MerchantID == "" {
		cfg.MerchantID = "MERCHANT0000001"
	}
	return &Manager{
		cfg:       cfg,
		validator: v,
		publisher: publisher,
		gen:       NewGenerator(cfg.TerminalID, cfg.MerchantID),
		conns:     make(map[string]*connection),
	}
}

// Generator returns the manager's request generator.
func (m *Manager) Generator() *Generator {
	return m.gen
}

// OnUnsolicited registers a callback for frames the acquirer pushes outside
// a request. It runs on the connection's read goroutine.
func (m *Manager) OnUnsolicited(fn func(connID string, payload string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUnsolicited = fn
}

// ============================================================================
// Connection CRUD
// ============================================================================

// Add registers a connection without dialing it.
func (m *Manager) Add(name, host string, port int) ConnectionInfo {
	c := &connection{info: ConnectionInfo{
		ID:        uuid.New().String(),
		Name:      name,
		Host:      host,
		Port:      port,
		CreatedAt: time.Now(),
	}}
	m.mu.Lock()
	m.conns[c.info.ID] = c
	m.mu.Unlock()
	return c.snapshot()
}

// Remove disconnects and forgets a connection.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	if c.session != nil {
		c.session.Close()
	}
	return nil
}

// List returns every connection, oldest first.
func (m *Manager) List() []ConnectionInfo {
	m.mu.RLock()
	out := make([]ConnectionInfo, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns one connection.
func (m *Manager) Get(id string) (ConnectionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	if !ok {
		return ConnectionInfo{}, fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	return c.snapshot(), nil
}

// ============================================================================
// Connect / Disconnect
// ============================================================================

// Connect dials the acquirer for id and starts its session.
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.mu.RLock()
	c, ok := m.conns[id]
	busy := ok && c.session != nil && c.session.Connected()
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	if busy {
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, id)
	}

	d := net.Dialer{Timeout: m.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.info.Address())
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.info.Address(), err)
	}
	session := protocol.NewSession(protocol.NewChannel(conn), func(payload []byte) {
		m.handleUnsolicited(id, payload)
	})

	m.mu.Lock()
	if current, ok := m.conns[id]; !ok || current != c {
		m.mu.Unlock()
		session.Close()
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	if c.session != nil && c.session.Connected() {
		m.mu.Unlock()
		session.Close()
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, id)
	}
	c.session = session
	m.mu.Unlock()

	slog.Info("[Terminal] Connected", "connection", id, "addr", c.info.Address())
	return nil
}

// Disconnect closes id's session. Disconnecting an idle connection is not
// an error.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	var session *protocol.Session
	if ok {
		session = c.session
		c.session = nil
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	if session != nil {
		session.Close()
		slog.Info("[Terminal] Disconnected", "connection", id)
	}
	return nil
}

// Close disconnects every connection.
func (m *Manager) Close() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_ = m.Disconnect(id)
	}
}

func (m *Manager) activeSession(id string) (*protocol.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	if c.session == nil || !c.session.Connected() {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	return c.session, nil
}

// ============================================================================
// Exchanges
// ============================================================================

// SendEcho sends a network echo on id and waits for the reply.
func (m *Manager) SendEcho(ctx context.Context, id string) (Exchange, error) {
	return m.exchange(ctx, id, m.gen.EchoRequest().String())
}

// SendAuthorization sends a generated authorization request for amount
// minor units.
func (m *Manager) SendAuthorization(ctx context.Context, id string, amount int64) (Exchange, error) {
	return m.SendMessage(ctx, id, m.gen.AuthorizationRequest(amount).String())
}

// SendMessage validates raw and sends it. With authorization routing
// enabled, authorization requests go to the request queue and the call
// returns at once; everything else waits for the acquirer's reply.
func (m *Manager) SendMessage(ctx context.Context, id, raw string) (Exchange, error) {
	msg := iso8583.Parse(raw)
	if result := m.validator.Validate(msg); !result.Valid {
		return Exchange{Request: raw}, fmt.Errorf("%w: %s", ErrInvalidMessage, strings.Join(result.Errors, ", "))
	}

	if m.routesToQueue(msg) {
		if _, err := m.Get(id); err != nil {
			return Exchange{Request: raw}, err
		}
		m.publisher.Publish(ctx, bridge.TopicRequests, raw, m.isConnected(id))
		slog.Info("[Terminal] Queued for authorization", "connection", id, "rrn", msg.Get(iso8583.FieldRRN))
		return Exchange{
			Request:  raw,
			Response: QueuedResponse,
			Result:   Result{Outcome: OutcomeUnknown, Text: QueuedResponse},
		}, nil
	}
	return m.exchange(ctx, id, raw)
}

func (m *Manager) routesToQueue(msg *iso8583.Message) bool {
	return m.cfg.AuthorizationEnabled && m.publisher != nil && msg.MTI == iso8583.MTIAuthorizationRequest
}

func (m *Manager) isConnected(id string) bool {
	info, err := m.Get(id)
	return err == nil && info.Connected
}

func (m *Manager) exchange(ctx context.Context, id, raw string) (Exchange, error) {
	ex := Exchange{Request: raw}
	session, err := m.activeSession(id)
	if err != nil {
		return ex, err
	}

	slog.Debug("[Terminal] Sending", "connection", id, "message", raw)
	resp, err := session.SendAndAwait(ctx, []byte(raw), m.cfg.ResponseTimeout)
	ex.Result = Classify(resp, err)
	if err != nil {
		slog.Warn("[Terminal] Exchange failed", "connection", id, "outcome", ex.Result.Outcome, "error", err)
		return ex, err
	}
	ex.Response = string(resp)
	slog.Info("[Terminal] Exchange complete", "connection", id, "outcome", ex.Result.Outcome)
	return ex, nil
}

// handleUnsolicited runs on the session's dispatch goroutine, never on its
// reader, so a slow queue cannot delay responses.
func (m *Manager) handleUnsolicited(id string, payload []byte) {
	raw := string(payload)
	msg := iso8583.Parse(raw)

	m.mu.RLock()
	cb := m.onUnsolicited
	m.mu.RUnlock()
	if cb != nil {
		cb(id, raw)
	}

	if m.routesToQueue(msg) {
		ctx, cancel := context.WithTimeout(context.Background(), PublishTimeout)
		defer cancel()
		m.publisher.Publish(ctx, bridge.TopicRequests, raw, true)
		slog.Info("[Terminal] Forwarded broadcast for authorization", "connection", id, "rrn", msg.Get(iso8583.FieldRRN))
		return
	}
	slog.Info("[Terminal] Unsolicited message", "connection", id, "mti", msg.MTI)
}

// ============================================================================
// Auto echo
// ============================================================================

// RunAutoEcho sends an echo on every connected, idle connection each
// interval until ctx ends.
func (m *Manager) RunAutoEcho(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.EchoInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.echoAll(ctx)
		}
	}
}

func (m *Manager) echoAll(ctx context.Context) {
	for _, info := range m.List() {
		if !info.Connected {
			continue
		}
		session, err := m.activeSession(info.ID)
		if err != nil || session.Pending() {
			continue
		}
		ex, err := m.SendEcho(ctx, info.ID)
		if err != nil {
			slog.Warn("[Terminal] Auto echo failed", "connection", info.ID, "outcome", ex.Result.Outcome)
			continue
		}
		slog.Debug("[Terminal] Auto echo ok", "connection", info.ID)
	}
}
