package protocol

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultResponseTimeout bounds SendAndAwait when no timeout is given.
const DefaultResponseTimeout = 10 * time.Second

// UnsolicitedQueueSize is how many unsolicited frames may wait for the
// handler. Frames beyond it are dropped so the reader never stalls.
const UnsolicitedQueueSize = 64

var (
	// ErrResponseTimeout means no frame arrived before the deadline.
	ErrResponseTimeout = errors.New("protocol: response timeout")

	// ErrDisconnected means the session closed while a request was waiting.
	ErrDisconnected = errors.New("protocol: disconnected while awaiting response")

	// ErrRequestInFlight is returned when SendAndAwait is called while an
	// earlier request on the same session is still waiting. Requests are
	// never queued.
	ErrRequestInFlight = errors.New("protocol: request already in flight on this connection")
)

// SessionState is the lifecycle of a client session.
type SessionState string

const (
	SessionStateActive SessionState = "ACTIVE"
	SessionStateClosed SessionState = "CLOSED"
)

// UnsolicitedHandler receives frames that arrive while no request is
// waiting, e.g. broadcasts pushed by the acquirer. It runs on its own
// goroutine, one frame at a time, in arrival order.
type UnsolicitedHandler func(payload []byte)

type reply struct {
	payload []byte
	err     error
}

// ============================================================================
// SESSION
// ============================================================================

// Session is the client side of one framed connection. It owns the only
// reader goroutine for the channel and a single typed slot that pairs the
// outstanding request with the next inbound frame.
//
// The protocol is half-duplex from the session's point of view: the next
// frame after a request is its response, with no content matching.
type Session struct {
	ID        string
	CreatedAt time.Time

	channel     *Channel
	unsolicited UnsolicitedHandler
	inbox       chan []byte

	mu      sync.Mutex
	pending chan reply
	state   SessionState
	cause   error

	closed chan struct{}
}

// NewSession starts the read loop over ch. handler may be nil.
func NewSession(ch *Channel, handler UnsolicitedHandler) *Session {
	s := &Session{
		ID:          uuid.New().String(),
		CreatedAt:   time.Now(),
		channel:     ch,
		unsolicited: handler,
		state:       SessionStateActive,
		closed:      make(chan struct{}),
	}
	if handler != nil {
		s.inbox = make(chan []byte, UnsolicitedQueueSize)
		go s.dispatchLoop()
	}
	go s.readLoop()
	return s
}

// SendAndAwait writes request and blocks until the next inbound frame, the
// timeout, ctx cancellation, or a disconnect. The slot is always cleared
// before returning.
func (s *Session) SendAndAwait(ctx context.Context, request []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}

	slot := make(chan reply, 1)

	s.mu.Lock()
	if s.state == SessionStateClosed {
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	if s.pending != nil {
		s.mu.Unlock()
		return nil, ErrRequestInFlight
	}
	s.pending = slot
	s.mu.Unlock()

	if err := s.channel.Send(request); err != nil {
		s.clearSlot(slot)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-slot:
		return r.payload, r.err
	case <-timer.C:
		s.clearSlot(slot)
		return nil, ErrResponseTimeout
	case <-ctx.Done():
		s.clearSlot(slot)
		return nil, ctx.Err()
	}
}

// Send writes a frame without waiting for a response.
func (s *Session) Send(payload []byte) error {
	return s.channel.Send(payload)
}

// Pending reports whether a request is waiting.
func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// State returns the session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the session can still send.
func (s *Session) Connected() bool {
	return s.State() == SessionStateActive
}

// Err is the reason the session closed, nil while active.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Closed is closed once the read loop has exited.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// Channel returns the underlying framed channel.
func (s *Session) Channel() *Channel {
	return s.channel
}

// Close disconnects and cancels any waiting request with ErrDisconnected.
func (s *Session) Close() error {
	err := s.channel.Close()
	<-s.closed
	return err
}

func (s *Session) clearSlot(slot chan reply) {
	s.mu.Lock()
	if s.pending == slot {
		s.pending = nil
	}
	s.mu.Unlock()
}

func (s *Session) readLoop() {
	defer close(s.closed)
	if s.inbox != nil {
		defer close(s.inbox)
	}

	for {
		payload, err := s.channel.Receive()
		if err != nil {
			s.terminate(err)
			return
		}

		s.mu.Lock()
		slot := s.pending
		s.pending = nil
		s.mu.Unlock()

		if slot != nil {
			slot <- reply{payload: payload}
			continue
		}
		if s.inbox == nil {
			slog.Debug("[Session] Dropping unsolicited frame", "session", s.ID, "bytes", len(payload))
			continue
		}
		select {
		case s.inbox <- payload:
		default:
			slog.Warn("[Session] Unsolicited queue full, dropping frame", "session", s.ID, "bytes", len(payload))
		}
	}
}

// dispatchLoop hands queued unsolicited frames to the handler until the
// read loop exits.
func (s *Session) dispatchLoop() {
	for payload := range s.inbox {
		s.unsolicited(payload)
	}
}

func (s *Session) terminate(cause error) {
	s.mu.Lock()
	s.state = SessionStateClosed
	s.cause = cause
	slot := s.pending
	s.pending = nil
	s.mu.Unlock()

	if slot != nil {
		slot <- reply{err: ErrDisconnected}
	}

	if IsDisconnect(cause) {
		slog.Info("[Session] Connection closed", "session", s.ID, "remote", s.channel.RemoteAddr())
	} else {
		slog.Warn("[Session] Read failed", "session", s.ID, "error", cause)
	}
}
