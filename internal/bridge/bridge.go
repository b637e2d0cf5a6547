package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/isosim/internal/iso8583"
)

// Envelope is the JSON document published for each message.
type Envelope struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	RawMessage  string    `json:"rawMessage"`
	MTI         string    `json:"mti"`
	Connected   bool      `json:"connected"`
	PublishedAt time.Time `json:"publishedAt"`
}

// NewEnvelope wraps raw. The key is the message's retrieval reference
// number, or the envelope id when the message has none.
func NewEnvelope(raw string, connected bool) Envelope {
	msg := iso8583.Parse(raw)
	env := Envelope{
		ID:          uuid.New().String(),
		RawMessage:  raw,
		MTI:         msg.MTI,
		Connected:   connected,
		PublishedAt: time.Now().UTC(),
	}
	env.Key = msg.Get(iso8583.FieldRRN)
	if env.Key == "" {
		env.Key = env.ID
	}
	return env
}

// DecodePayload extracts the wire text from a queue payload, which is either
// an Envelope document or the bare wire string.
func DecodePayload(data []byte) (string, error) {
	text := strings.TrimSpace(string(data))
	if !strings.HasPrefix(text, "{") {
		return text, nil
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	return env.RawMessage, nil
}

// Bridge publishes and consumes ISO 8583 wire text through a Broker.
type Bridge struct {
	broker Broker
}

// New creates a bridge over broker.
func New(broker Broker) *Bridge {
	return &Bridge{broker: broker}
}

// Publish sends raw to topic inside an Envelope. Failures are logged and
// never reach the caller.
func (b *Bridge) Publish(ctx context.Context, topic, raw string, connected bool) {
	env := NewEnvelope(raw, connected)
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("[Bridge] Marshal failed", "topic", topic, "error", err)
		return
	}
	if err := b.broker.Publish(ctx, topic, data); err != nil {
		slog.Warn("[Bridge] Publish failed", "topic", topic, "key", env.Key, "error", err)
		return
	}
	slog.Debug("[Bridge] Published", "topic", topic, "key", env.Key, "mti", env.MTI)
}

// Consume hands the wire text of every topic message to handle. Messages
// are not validated here.
func (b *Bridge) Consume(ctx context.Context, topic string, handle func(ctx context.Context, raw string)) (func(), error) {
	return b.broker.Subscribe(ctx, topic, func(ctx context.Context, data []byte) {
		raw, err := DecodePayload(data)
		if err != nil {
			slog.Warn("[Bridge] Dropping undecodable message", "topic", topic, "error", err)
			return
		}
		handle(ctx, raw)
	})
}

// Close closes the broker.
func (b *Bridge) Close() error {
	return b.broker.Close()
}
