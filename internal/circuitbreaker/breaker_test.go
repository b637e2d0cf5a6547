package circuitbreaker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("acquirer down")

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(trip uint32) (*Breaker, *clock) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(Config{
		Name:          "rpc",
		ProbeRequests: 2,
		OpenTimeout:   5 * time.Second,
		ReadyToTrip:   func(c Counts) bool { return c.ConsecutiveFailures >= trip },
	})
	b.now = clk.now
	b.newGeneration(clk.now())
	return b, clk
}

func fail(context.Context) error    { return errDown }
func succeed(context.Context) error { return nil }

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Do(ctx, fail), errDown)
	}
	assert.Equal(t, StateClosed, b.State())

	require.NoError(t, b.Do(ctx, succeed))
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(ctx, fail), errDown)
	}
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, clk := newTestBreaker(1)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	clk.advance(6 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Do(ctx, succeed))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Do(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(1)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	clk.advance(6 * time.Second)

	assert.ErrorIs(t, b.Do(ctx, fail), errDown)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	b, clk := newTestBreaker(1)
	_ = b.Do(context.Background(), fail)
	clk.advance(6 * time.Second)

	// Two probes are admitted while both are outstanding; a third is not.
	g1, err := b.before()
	require.NoError(t, err)
	_, err = b.before()
	require.NoError(t, err)
	_, err = b.before()
	assert.ErrorIs(t, err, ErrTooManyRequests)
	b.after(g1, true)
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	b, _ := newTestBreaker(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Counts().Requests)
}

func TestBreaker_PanicCountsAsFailure(t *testing.T) {
	b, _ := newTestBreaker(1)
	assert.Panics(t, func() {
		_ = b.Do(context.Background(), func(context.Context) error { panic("boom") })
	})
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_IntervalClearsCounts(t *testing.T) {
	b, clk := newTestBreaker(10)
	b.cfg.Interval = time.Minute
	b.newGeneration(clk.now())

	_ = b.Do(context.Background(), fail)
	assert.Equal(t, uint32(1), b.Counts().TotalFailures)

	clk.advance(2 * time.Minute)
	assert.Zero(t, b.Counts().TotalFailures)
}

func TestBreaker_StatsJSON(t *testing.T) {
	b, _ := newTestBreaker(1)
	_ = b.Do(context.Background(), fail)

	data, err := json.Marshal(b.Stats())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"OPEN"`)
	assert.Contains(t, string(data), `"name":"rpc"`)
	assert.Contains(t, b.String(), "state=OPEN")
}

func TestNew_AppliesDefaults(t *testing.T) {
	b := New(Config{Name: "x"})
	assert.Equal(t, uint32(1), b.cfg.ProbeRequests)
	assert.Equal(t, 10*time.Second, b.cfg.OpenTimeout)
	assert.NotNil(t, b.cfg.ReadyToTrip)
	assert.Equal(t, "x", b.Name())
}
