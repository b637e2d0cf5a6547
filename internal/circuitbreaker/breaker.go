// Package circuitbreaker stops the simulator from hammering an acquirer
// whose RPC intake keeps failing.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds breaker settings.
type Config struct {
	Name string

	// ProbeRequests are admitted while half-open; that many consecutive
	// successes close the breaker again.
	ProbeRequests uint32

	// Interval clears closed-state counts periodically. Zero never clears.
	Interval time.Duration

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration

	// ReadyToTrip decides, after each closed-state failure, whether to open.
	ReadyToTrip func(c Counts) bool
}

// DefaultConfig trips after five consecutive failures and probes again
// after ten seconds.
func DefaultConfig(name string) Config {
	return Config{
		Name:          name,
		ProbeRequests: 1,
		Interval:      time.Minute,
		OpenTimeout:   10 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	}
}

// ============================================================================
// COUNTS
// ============================================================================

// Counts tallies requests within the current generation.
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"totalSuccesses"`
	TotalFailures        uint32 `json:"totalFailures"`
	ConsecutiveSuccesses uint32 `json:"consecutiveSuccesses"`
	ConsecutiveFailures  uint32 `json:"consecutiveFailures"`
}

func (c *Counts) success() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) failure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// Breaker is a three-state circuit breaker.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a closed breaker. Zero fields of cfg take DefaultConfig values.
func New(cfg Config) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.ProbeRequests == 0 {
		cfg.ProbeRequests = def.ProbeRequests
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = def.ReadyToTrip
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	b.newGeneration(b.now())
	return b
}

// Name returns the configured name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.current(b.now())
	return state
}

// Counts returns the current generation's counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current(b.now())
	return b.counts
}

// Do runs fn when the breaker admits it and records the result. Context
// cancellation is not counted as a failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	generation, err := b.before()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.after(generation, false)
			panic(r)
		}
	}()

	err = fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		b.release(generation)
		return err
	}
	b.after(generation, err == nil)
	return err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, generation := b.current(b.now())
	switch {
	case state == StateOpen:
		return generation, ErrCircuitOpen
	case state == StateHalfOpen && b.counts.Requests >= b.cfg.ProbeRequests:
		return generation, ErrTooManyRequests
	}
	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) after(generation uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, current := b.current(now)
	if generation != current {
		return
	}

	if ok {
		b.counts.success()
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.ProbeRequests {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.failure()
	switch state {
	case StateClosed:
		if b.cfg.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// release returns an admitted slot without recording an outcome.
func (b *Breaker) release(generation uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, current := b.current(b.now()); current == generation && b.counts.Requests > 0 {
		b.counts.Requests--
	}
}

func (b *Breaker) current(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)
	slog.Info("[CircuitBreaker] State change", "name", b.cfg.Name, "from", prev.String(), "to", state.String())
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}

	b.expiry = time.Time{}
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.OpenTimeout)
	}
}

// Stats is a point-in-time view for status endpoints.
type Stats struct {
	Name   string `json:"name"`
	State  State  `json:"state"`
	Counts Counts `json:"counts"`
}

// Stats returns the breaker's current state and counts.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.current(b.now())
	return Stats{Name: b.cfg.Name, State: state, Counts: b.counts}
}

func (b *Breaker) String() string {
	s := b.Stats()
	return fmt.Sprintf("Breaker[%s: state=%s, requests=%d, failures=%d]",
		s.Name, s.State, s.Counts.Requests, s.Counts.TotalFailures)
}
