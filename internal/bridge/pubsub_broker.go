package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// PubSubConfig selects a Google Cloud Pub/Sub project. When EmulatorHost is
// set the client talks plaintext to the emulator without credentials.
type PubSubConfig struct {
	ProjectID string
	// SubscriptionPrefix names the subscriptions this process creates, one
	// per topic. Processes sharing a prefix share the work; distinct
	// prefixes each see every message.
	SubscriptionPrefix string
	EmulatorHost       string
}

// PubSubBroker is a durable broker on Google Cloud Pub/Sub. Topics and
// subscriptions are created on first use.
type PubSubBroker struct {
	client *pubsub.Client
	cfg    PubSubConfig

	mu      sync.Mutex
	topics  map[string]*pubsub.Topic
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// NewPubSubBroker connects to Pub/Sub. Extra client options are appended
// after the emulator options.
func NewPubSubBroker(ctx context.Context, cfg PubSubConfig, opts ...option.ClientOption) (*PubSubBroker, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("bridge: pubsub project id required")
	}
	if cfg.SubscriptionPrefix == "" {
		cfg.SubscriptionPrefix = "isosim"
	}

	var clientOpts []option.ClientOption
	if cfg.EmulatorHost != "" {
		clientOpts = append(clientOpts,
			option.WithEndpoint(cfg.EmulatorHost),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	clientOpts = append(clientOpts, opts...)

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	b := &PubSubBroker{
		client: client,
		cfg:    cfg,
		topics: make(map[string]*pubsub.Topic),
	}
	slog.Info("[PubSub] Connected", "project", cfg.ProjectID)
	return b, nil
}

// topic returns the handle for id, creating the topic when missing.
func (b *PubSubBroker) topic(ctx context.Context, id string) (*pubsub.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[id]; ok {
		return t, nil
	}

	t := b.client.Topic(id)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("topic.Exists %s: %w", id, err)
	}
	if !exists {
		t, err = b.client.CreateTopic(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("CreateTopic %s: %w", id, err)
		}
		slog.Info("[PubSub] Created topic", "topic", id)
	}
	b.topics[id] = t
	return t, nil
}

// Publish sends data to topic and waits for the server acknowledgement.
func (b *PubSubBroker) Publish(ctx context.Context, topic string, data []byte) error {
	t, err := b.topic(ctx, topic)
	if err != nil {
		return err
	}
	result := t.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"source": b.cfg.SubscriptionPrefix},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("pubsub publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe receives from the subscription "<prefix>-<topic>" until the
// returned function is called. Messages are acknowledged after handler
// returns.
func (b *PubSubBroker) Subscribe(ctx context.Context, topic string, handler Handler) (func(), error) {
	t, err := b.topic(ctx, topic)
	if err != nil {
		return nil, err
	}

	subID := b.cfg.SubscriptionPrefix + "-" + topic
	sub := b.client.Subscription(subID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscription.Exists %s: %w", subID, err)
	}
	if !exists {
		sub, err = b.client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{
			Topic:       t,
			AckDeadline: 20 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("CreateSubscription %s: %w", subID, err)
		}
		slog.Info("[PubSub] Created subscription", "subscription", subID)
	}

	recvCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := sub.Receive(recvCtx, func(mctx context.Context, m *pubsub.Message) {
			handler(mctx, m.Data)
			m.Ack()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("[PubSub] Receive stopped", "subscription", subID, "error", err)
		}
	}()

	return cancel, nil
}

// Close stops receivers, flushes topics and closes the client.
func (b *PubSubBroker) Close() error {
	b.mu.Lock()
	cancels := b.cancels
	b.cancels = nil
	topics := b.topics
	b.topics = make(map[string]*pubsub.Topic)
	b.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	b.wg.Wait()
	for _, t := range topics {
		t.Stop()
	}
	return b.client.Close()
}
