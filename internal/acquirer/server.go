package acquirer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ocx/isosim/internal/correlation"
	"github.com/ocx/isosim/internal/fabric"
	"github.com/ocx/isosim/internal/iso8583"
	"github.com/ocx/isosim/internal/protocol"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("acquirer: server closed")

// TrafficObserver receives connection and frame accounting.
type TrafficObserver interface {
	TerminalConnected()
	TerminalDisconnected()
	FrameIn()
	FrameOut()
	BroadcastSent()
}

type nopTraffic struct{}

func (nopTraffic) TerminalConnected() {}
func (nopTraffic) TerminalDisconnected() {}
func (nopTraffic) FrameIn() {}
func (nopTraffic) FrameOut() {}
func (nopTraffic) BroadcastSent() {}

// DefaultWriteTimeout bounds each frame write when Config leaves it unset.
const DefaultWriteTimeout = 5 * time.Second

// Config holds listener settings.
type Config struct {
	Addr string
	// WriteTimeout bounds each frame written to a terminal. Zero means
	// DefaultWriteTimeout; writes are never unbounded.
	WriteTimeout time.Duration
}

// Server accepts terminal connections, runs one goroutine per connection,
// and answers every request through the Processor.
type Server struct {
	cfg       Config
	hub       *fabric.Hub
	timer     *correlation.Timer
	processor *Processor
	traffic   TrafficObserver
	eventBus  fabric.EventBus

	mu       sync.Mutex
	listener net.Listener
	closing  bool

	conns sync.WaitGroup
}

// NewServer wires a server around its registry, timer and processor.
// traffic may be nil.
func NewServer(cfg Config, hub *fabric.Hub, timer *correlation.Timer, processor *Processor, traffic TrafficObserver) *Server {
	if traffic == nil {
		traffic = nopTraffic{}
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Server{
		cfg:       cfg,
		hub:       hub,
		timer:     timer,
		processor: processor,
		traffic:   traffic,
	}
}

// SetEventBus publishes transaction.broadcast events to bus.
func (s *Server) SetEventBus(bus fabric.EventBus) {
	s.eventBus = bus
}

// Hub returns the server's connection registry.
func (s *Server) Hub() *fabric.Hub {
	return s.hub
}

// ListenAndServe listens on cfg.Addr and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	slog.Info("[Acquirer] Listening", "addr", ln.Addr().String())

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				slog.Warn("[Acquirer] Accept failed, retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			conn.Close()
			return ErrServerClosed
		}
		s.conns.Add(1)
		s.mu.Unlock()

		go s.handleConn(conn)
	}
}

// Addr returns the listening address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Broadcast sends payload to every connected terminal. An authorization
// request with an RRN starts its response timer first; if no terminal
// receives it the timer is failed at once instead of waiting for expiry.
func (s *Server) Broadcast(payload string) {
	msg := iso8583.Parse(payload)
	rrn, tracked := msg.Field(iso8583.FieldRRN)
	tracked = tracked && msg.MTI == iso8583.MTIAuthorizationRequest

	if tracked {
		s.timer.StartTimer(rrn)
	}

	result := s.hub.Broadcast(payload)
	s.traffic.BroadcastSent()
	for range result.Delivered {
		s.traffic.FrameOut()
	}

	slog.Info("[Acquirer] Broadcast",
		"mti", msg.MTI, "rrn", rrn,
		"delivered", len(result.Delivered), "skipped", len(result.Skipped), "failed", len(result.Failed))

	if tracked && len(result.Delivered) == 0 {
		s.timer.Fail(rrn, "no terminal received the request")
	}

	if s.eventBus != nil {
		_ = s.eventBus.Publish(context.Background(), &fabric.Event{
			Type:   fabric.EventTransactionBroadcast,
			Source: string(s.hub.ID),
			Payload: map[string]interface{}{
				"mti":       msg.MTI,
				"rrn":       rrn,
				"delivered": len(result.Delivered),
			},
		})
	}
}

// Shutdown stops accepting, closes every terminal connection and waits for
// the connection goroutines to exit or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	s.hub.Close()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("[Acquirer] All terminal connections closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.conns.Done()

	ch := protocol.NewChannel(conn, protocol.WithWriteTimeout(s.cfg.WriteTimeout))
	term := s.hub.Register(ch)
	s.traffic.TerminalConnected()

	defer func() {
		ch.Close()
		_ = s.hub.Unregister(term)
		s.traffic.TerminalDisconnected()
	}()

	// Shutdown may have swept the hub before this terminal registered.
	if s.isClosing() {
		return
	}

	for {
		payload, err := ch.Receive()
		if err != nil {
			if protocol.IsDisconnect(err) {
				slog.Info("[Acquirer] Terminal disconnected", "terminal", term.ID)
			} else {
				slog.Warn("[Acquirer] Read failed", "terminal", term.ID, "error", err)
			}
			return
		}
		term.Touch()
		s.traffic.FrameIn()

		req := iso8583.Parse(string(payload))
		slog.Debug("[Acquirer] Received", "terminal", term.ID, "mti", req.MTI)

		resp, ok := s.processor.Process(req)
		if !ok {
			continue
		}
		if err := ch.SendString(resp.String()); err != nil {
			slog.Warn("[Acquirer] Reply failed", "terminal", term.ID, "error", err)
			return
		}
		s.traffic.FrameOut()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}
