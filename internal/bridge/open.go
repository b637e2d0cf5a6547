package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/ocx/isosim/internal/config"
	"github.com/ocx/isosim/internal/infra"
)

// Open builds the broker cfg selects. The returned broker owns any client
// it created and releases it on Close.
func Open(ctx context.Context, cfg config.BridgeConfig) (Broker, error) {
	switch cfg.Broker {
	case "", config.BrokerLocal:
		return NewLocalBroker(), nil

	case config.BrokerRedis:
		client, err := infra.NewRedisAdapter(ctx, infra.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, err
		}
		return &ownedBroker{Broker: NewRedisBroker(client, ""), client: client}, nil

	case config.BrokerPubSub:
		return NewPubSubBroker(ctx, PubSubConfig{
			ProjectID:          cfg.PubSub.ProjectID,
			SubscriptionPrefix: cfg.PubSub.SubscriptionPrefix,
			EmulatorHost:       cfg.PubSub.EmulatorHost,
		})

	default:
		return nil, fmt.Errorf("bridge: unknown broker %q", cfg.Broker)
	}
}

type ownedBroker struct {
	Broker
	client interface{ Close() error }
}

func (b *ownedBroker) Close() error {
	return errors.Join(b.Broker.Close(), b.client.Close())
}
