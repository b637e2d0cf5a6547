package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ocx/isosim/internal/bridge"
	"github.com/ocx/isosim/internal/protocol"
)

// Forwarder relays authorization responses from the response queue to the
// acquirer. Each response goes out on its own short-lived connection: dial,
// one frame, close.
type Forwarder struct {
	bridge      *bridge.Bridge
	addr        string
	dialTimeout time.Duration
}

// NewForwarder creates a forwarder to the acquirer at addr.
func NewForwarder(b *bridge.Bridge, addr string, dialTimeout time.Duration) *Forwarder {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Forwarder{bridge: b, addr: addr, dialTimeout: dialTimeout}
}

// Forward sends raw to the acquirer.
func (f *Forwarder) Forward(raw string) error {
	ch, err := protocol.Dial(f.addr, f.dialTimeout, protocol.WithWriteTimeout(f.dialTimeout))
	if err != nil {
		return fmt.Errorf("forward to %s: %w", f.addr, err)
	}
	defer ch.Close()
	if err := ch.SendString(raw); err != nil {
		return fmt.Errorf("forward to %s: %w", f.addr, err)
	}
	return nil
}

// Run consumes the response topic until ctx ends.
func (f *Forwarder) Run(ctx context.Context) error {
	stop, err := f.bridge.Consume(ctx, bridge.TopicResponses, func(_ context.Context, raw string) {
		if err := f.Forward(raw); err != nil {
			slog.Warn("[Forwarder] Delivery failed", "error", err)
			return
		}
		slog.Info("[Forwarder] Response delivered", "addr", f.addr)
	})
	if err != nil {
		return err
	}
	defer stop()

	slog.Info("[Forwarder] Consuming", "topic", bridge.TopicResponses, "acquirer", f.addr)
	<-ctx.Done()
	return nil
}
