package fabric

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis is an in-memory stand-in for both Redis client interfaces.
type fakeRedis struct {
	mu         sync.Mutex
	kv         map[string][]byte
	sets       map[string]map[string]bool
	subs       map[string][]func([]byte)
	publishErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		kv:   map[string][]byte{},
		sets: map[string]map[string]bool{},
		subs: map[string][]func([]byte){},
	}
}

func (f *fakeRedis) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[key] = value
	return nil
}

func (f *fakeRedis) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.kv[key]
	if !ok {
		return nil, errors.New("key not found: " + key)
	}
	return v, nil
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.kv, k)
	}
	return nil
}

func (f *fakeRedis) SAdd(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = map[string]bool{}
	}
	for _, m := range members {
		f.sets[key][m] = true
	}
	return nil
}

func (f *fakeRedis) SRem(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range members {
		delete(f.sets[key], m)
	}
	return nil
}

func (f *fakeRedis) SMembers(_ context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message []byte) error {
	f.mu.Lock()
	if f.publishErr != nil {
		f.mu.Unlock()
		return f.publishErr
	}
	handlers := append([]func([]byte){}, f.subs[channel]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(message)
	}
	return nil
}

func (f *fakeRedis) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[channel] = append(f.subs[channel], handler)
	return func() {}, nil
}

func collect(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
		return nil
	}
}

func TestLocalEventBus_PublishSubscribe(t *testing.T) {
	bus := NewLocalEventBus()
	got := make(chan *Event, 1)

	unsub := bus.Subscribe(EventTransactionApproved, func(_ context.Context, e *Event) error {
		got <- e
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), &Event{
		Type:    EventTransactionApproved,
		Payload: map[string]interface{}{"rrn": "123456789012"},
	}))

	e := collect(t, got)
	assert.Equal(t, "123456789012", e.Payload["rrn"])
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())

	unsub()
	assert.Zero(t, bus.SubscriberCount(EventTransactionApproved))

	require.NoError(t, bus.Close())
	assert.NoError(t, bus.Publish(context.Background(), &Event{Type: EventTransactionApproved}))
}

func TestRedisEventBus_RoundTripsThroughRedis(t *testing.T) {
	redis := newFakeRedis()
	bus := NewRedisEventBus(redis, "")
	got := make(chan *Event, 1)

	bus.Subscribe(EventTransactionTimeout, func(_ context.Context, e *Event) error {
		got <- e
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), &Event{
		Type:    EventTransactionTimeout,
		Source:  "acquirer-1",
		Payload: map[string]interface{}{"rrn": "000000000001"},
	}))

	e := collect(t, got)
	assert.Equal(t, EventTransactionTimeout, e.Type)
	assert.Equal(t, "acquirer-1", e.Source)
	assert.Contains(t, redis.subs, "isosim:events:transaction.timeout")
}

func TestRedisEventBus_FallsBackToLocal(t *testing.T) {
	redis := newFakeRedis()
	redis.publishErr = errors.New("connection refused")
	bus := NewRedisEventBus(redis, "test:")
	got := make(chan *Event, 1)

	bus.Subscribe(EventTransactionFailed, func(_ context.Context, e *Event) error {
		got <- e
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), &Event{Type: EventTransactionFailed}))
	assert.Equal(t, EventTransactionFailed, collect(t, got).Type)

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), &Event{Type: EventTransactionFailed}), ErrBusClosed)
}

func TestRedisTerminalStore(t *testing.T) {
	redis := newFakeRedis()
	store := NewRedisTerminalStore(redis, "", 0)
	ctx := context.Background()

	info := TerminalInfo{ID: "10.0.0.1:5000", ConnectedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, store.SaveTerminal(ctx, "hub-a", info))
	require.NoError(t, store.SaveTerminal(ctx, "hub-a", TerminalInfo{ID: "10.0.0.2:5000"}))

	list, err := store.ListTerminals(ctx, "hub-a")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, store.DeleteTerminal(ctx, "hub-a", "10.0.0.2:5000"))
	list, err = store.ListTerminals(ctx, "hub-a")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, info.ConnectedAt.Equal(list[0].ConnectedAt))

	// A record that expired leaves a dangling index entry which is pruned.
	require.NoError(t, redis.Del(ctx, "isosim:hub:hub-a:terminal:10.0.0.1:5000"))
	list, err = store.ListTerminals(ctx, "hub-a")
	require.NoError(t, err)
	assert.Empty(t, list)
	members, _ := redis.SMembers(ctx, "isosim:hub:hub-a:terminals")
	assert.Empty(t, members)
}

func TestEventStream_PushesEvents(t *testing.T) {
	bus := NewLocalEventBus()
	stream := NewEventStream(bus)
	srv := httptest.NewServer(stream)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return stream.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), &Event{
		Type:    EventTerminalConnected,
		Payload: map[string]interface{}{"terminal_id": "127.0.0.1:4000"},
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, EventTerminalConnected, e.Type)
	assert.Equal(t, "127.0.0.1:4000", e.Payload["terminal_id"])
}
