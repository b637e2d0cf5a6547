// Redis-backed terminal directory.
//
// Each acquirer instance keeps its live connections in its own Hub. The
// RedisTerminalStore mirrors those registrations so an operator can list
// the terminals attached to every instance from any one of them.

package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// RedisClient is the key/set subset of Redis the store needs. The infra
// package adapts go-redis to it.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// RedisTerminalStore persists terminal registrations per hub.
type RedisTerminalStore struct {
	client      RedisClient
	keyPrefix   string
	terminalTTL time.Duration
}

// NewRedisTerminalStore creates a store. Entries expire after ttl unless the
// terminal is registered again.
func NewRedisTerminalStore(client RedisClient, keyPrefix string, ttl time.Duration) *RedisTerminalStore {
	if keyPrefix == "" {
		keyPrefix = "isosim:hub:"
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &RedisTerminalStore{
		client:      client,
		keyPrefix:   keyPrefix,
		terminalTTL: ttl,
	}
}

func (rs *RedisTerminalStore) terminalKey(hub HubID, id TerminalID) string {
	return rs.keyPrefix + string(hub) + ":terminal:" + string(id)
}

func (rs *RedisTerminalStore) indexKey(hub HubID) string {
	return rs.keyPrefix + string(hub) + ":terminals"
}

// SaveTerminal stores info and adds it to the hub's index.
func (rs *RedisTerminalStore) SaveTerminal(ctx context.Context, hub HubID, info TerminalInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal terminal: %w", err)
	}
	if err := rs.client.Set(ctx, rs.terminalKey(hub, info.ID), data, rs.terminalTTL); err != nil {
		return fmt.Errorf("redis SET terminal: %w", err)
	}
	if err := rs.client.SAdd(ctx, rs.indexKey(hub), string(info.ID)); err != nil {
		return fmt.Errorf("redis SADD terminals: %w", err)
	}
	return nil
}

// DeleteTerminal removes a terminal and its index entry.
func (rs *RedisTerminalStore) DeleteTerminal(ctx context.Context, hub HubID, id TerminalID) error {
	if err := rs.client.Del(ctx, rs.terminalKey(hub, id)); err != nil {
		return fmt.Errorf("redis DEL terminal: %w", err)
	}
	if err := rs.client.SRem(ctx, rs.indexKey(hub), string(id)); err != nil {
		return fmt.Errorf("redis SREM terminals: %w", err)
	}
	return nil
}

// ListTerminals returns every stored terminal for hub. Index entries whose
// record has expired are pruned.
func (rs *RedisTerminalStore) ListTerminals(ctx context.Context, hub HubID) ([]TerminalInfo, error) {
	ids, err := rs.client.SMembers(ctx, rs.indexKey(hub))
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS terminals: %w", err)
	}

	out := make([]TerminalInfo, 0, len(ids))
	for _, id := range ids {
		data, err := rs.client.Get(ctx, rs.terminalKey(hub, TerminalID(id)))
		if err != nil {
			slog.Warn("[RedisTerminalStore] Pruning stale terminal", "terminal", id, "error", err)
			_ = rs.client.SRem(ctx, rs.indexKey(hub), id)
			continue
		}
		var info TerminalInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, fmt.Errorf("unmarshal terminal %s: %w", id, err)
		}
		out = append(out, info)
	}
	return out, nil
}
