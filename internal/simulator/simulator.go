// Package simulator drives synthetic authorization traffic into the
// acquirer's RPC intake: one request at a time on a schedule, or sustained
// and bursty load for capacity testing.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ocx/isosim/internal/circuitbreaker"
	"github.com/ocx/isosim/internal/iso8583"
	"github.com/ocx/isosim/internal/rpc"
	"github.com/ocx/isosim/internal/terminal"
)

// Mode selects what Run does.
type Mode string

const (
	ModeScheduled Mode = "SCHEDULED"
	ModeLoadTest  Mode = "LOAD_TEST"
	ModeSpike     Mode = "SPIKE"
	ModeManual    Mode = "MANUAL"
)

// Identity of the simulated terminal in generated requests.
const (
	TerminalID = "SIM001"
	MerchantID = "SIMULATOR000001"
)

var (
	ErrNotManual   = errors.New("simulator: switch to MANUAL mode first")
	ErrTestRunning = errors.New("simulator: a test is already running")
	ErrRejected    = errors.New("simulator: transaction rejected")
)

// Sender submits a wire message to the intake. *rpc.Client implements it.
type Sender interface {
	SendTransaction(ctx context.Context, message, clientID string) (*rpc.TransactionResponse, error)
}

// ============================================================================
// CONFIGURATION
// ============================================================================

type ScheduledConfig struct {
	Interval   time.Duration `json:"interval"`
	MaxRetries int           `json:"maxRetries"`
	RetryDelay time.Duration `json:"retryDelay"`
}

type LoadTestConfig struct {
	TPS            int           `json:"tps"`
	Duration       time.Duration `json:"duration"`
	RampUp         time.Duration `json:"rampUp"`
	MaxConcurrency int           `json:"maxConcurrency"`
}

type SpikeConfig struct {
	NormalTPS     int           `json:"normalTps"`
	SpikeTPS      int           `json:"spikeTps"`
	SpikeDuration time.Duration `json:"spikeDuration"`
	Between       time.Duration `json:"intervalBetweenSpikes"`
}

// Config is the simulator's behaviour.
type Config struct {
	Enabled        bool            `json:"enabled"`
	Mode           Mode            `json:"mode"`
	RequestTimeout time.Duration   `json:"requestTimeout"`
	Scheduled      ScheduledConfig `json:"scheduled"`
	LoadTest       LoadTestConfig  `json:"loadTest"`
	Spike          SpikeConfig     `json:"spike"`
}

// DefaultConfig sends one transaction every 15 seconds.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Mode:           ModeScheduled,
		RequestTimeout: 5 * time.Second,
		Scheduled: ScheduledConfig{
			Interval:   15 * time.Second,
			MaxRetries: 3,
			RetryDelay: 2 * time.Second,
		},
		LoadTest: LoadTestConfig{
			TPS:            10,
			Duration:       60 * time.Second,
			RampUp:         10 * time.Second,
			MaxConcurrency: 100,
		},
		Spike: SpikeConfig{
			NormalTPS:     5,
			SpikeTPS:      100,
			SpikeDuration: 30 * time.Second,
			Between:       300 * time.Second,
		},
	}
}

// ============================================================================
// SIMULATOR
// ============================================================================

// Status is a snapshot for the control plane.
type Status struct {
	Enabled   bool                 `json:"enabled"`
	Mode      Mode                 `json:"mode"`
	Running   string               `json:"running,omitempty"`
	Message   string               `json:"message"`
	Sent      int64                `json:"sent"`
	Succeeded int64                `json:"succeeded"`
	Failed    int64                `json:"failed"`
	Rejected  int64                `json:"rejected"`
	Breaker   circuitbreaker.Stats `json:"breaker"`
}

// Simulator generates 0200 requests and submits them through a breaker.
type Simulator struct {
	cfg     Config
	sender  Sender
	breaker *circuitbreaker.Breaker
	gen     *terminal.Generator
	now     func() time.Time

	sent      atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	mu      sync.Mutex
	running string
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a simulator. A nil breaker gets the default breaker settings.
func New(cfg Config, sender Sender, breaker *circuitbreaker.Breaker) *Simulator {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.Scheduled.MaxRetries <= 0 {
		cfg.Scheduled.MaxRetries = 1
	}
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.DefaultConfig("simulator-rpc"))
	}
	return &Simulator{
		cfg:     cfg,
		sender:  sender,
		breaker: breaker,
		gen:     terminal.NewGenerator(TerminalID, MerchantID),
		now:     time.Now,
	}
}

// Config returns the active configuration.
func (s *Simulator) Config() Config {
	return s.cfg
}

// Send generates one random authorization and submits it. A response with
// success=false is returned together with ErrRejected.
func (s *Simulator) Send(ctx context.Context) (*rpc.TransactionResponse, error) {
	return s.SendMessage(ctx, s.gen.RandomAuthorizationRequest())
}

// SendMessage submits msg once through the breaker.
func (s *Simulator) SendMessage(ctx context.Context, msg *iso8583.Message) (*rpc.TransactionResponse, error) {
	wire := iso8583.Serialize(msg)
	clientID := fmt.Sprintf("simulator-%d", s.now().UnixMilli())

	var resp *rpc.TransactionResponse
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
		var err error
		resp, err = s.sender.SendTransaction(callCtx, wire, clientID)
		if err != nil && ctx.Err() != nil {
			// Report the caller's cancellation so the breaker ignores it.
			return ctx.Err()
		}
		return err
	})

	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		s.rejected.Add(1)
		slog.Warn("[Simulator] Request not attempted", "reason", err)
		return nil, err
	case err != nil && ctx.Err() != nil:
		return nil, err
	case err != nil:
		s.sent.Add(1)
		s.failed.Add(1)
		slog.Warn("[Simulator] RPC error", "stan", msg.Get(iso8583.FieldSTAN), "error", err)
		return nil, err
	}

	s.sent.Add(1)
	if !resp.Success {
		s.failed.Add(1)
		slog.Warn("[Simulator] Transaction failed", "stan", msg.Get(iso8583.FieldSTAN), "message", resp.Message)
		return resp, fmt.Errorf("%w: %s", ErrRejected, resp.Message)
	}
	s.succeeded.Add(1)
	slog.Debug("[Simulator] Transaction sent", "stan", msg.Get(iso8583.FieldSTAN), "rrn", msg.Get(iso8583.FieldRRN))
	return resp, nil
}

// SendWithRetry retries transport failures up to Scheduled.MaxRetries
// attempts, pausing RetryDelay between them. A rejection is not retried.
func (s *Simulator) SendWithRetry(ctx context.Context) error {
	attempts := s.cfg.Scheduled.MaxRetries
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		_, err = s.Send(ctx)
		if err == nil || errors.Is(err, ErrRejected) {
			return err
		}
		slog.Warn("[Simulator] Attempt failed", "attempt", attempt, "of", attempts, "error", err)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.Scheduled.RetryDelay):
		}
	}
	return fmt.Errorf("simulator: giving up after %d attempts: %w", attempts, err)
}

// Run drives traffic according to the configured mode until ctx ends.
// MANUAL and a disabled simulator only wait.
func (s *Simulator) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		slog.Info("[Simulator] Disabled")
		<-ctx.Done()
		return nil
	}

	slog.Info("[Simulator] Running", "mode", s.cfg.Mode)
	switch s.cfg.Mode {
	case ModeScheduled:
		s.runScheduled(ctx)
	case ModeLoadTest:
		s.runLoad(ctx, s.cfg.LoadTest)
		<-ctx.Done()
	case ModeSpike:
		s.runSpikes(ctx)
	case ModeManual:
		<-ctx.Done()
	default:
		return fmt.Errorf("simulator: unknown mode %q", s.cfg.Mode)
	}
	s.Stop()
	return nil
}

func (s *Simulator) runScheduled(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Scheduled.Interval)
	defer ticker.Stop()
	for {
		if err := s.SendWithRetry(ctx); err != nil && ctx.Err() == nil {
			slog.Error("[Simulator] Scheduled send failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runSpikes alternates a normal phase and a spike phase until ctx ends.
func (s *Simulator) runSpikes(ctx context.Context) {
	sp := s.cfg.Spike
	for ctx.Err() == nil {
		s.drive(ctx, sp.NormalTPS, 0, sp.Between, s.cfg.LoadTest.MaxConcurrency)
		if ctx.Err() != nil {
			return
		}
		slog.Info("[Simulator] Spike", "tps", sp.SpikeTPS, "duration", sp.SpikeDuration)
		s.drive(ctx, sp.SpikeTPS, 0, sp.SpikeDuration, s.cfg.LoadTest.MaxConcurrency)
	}
}

func (s *Simulator) runLoad(ctx context.Context, lt LoadTestConfig) {
	slog.Info("[Simulator] Load test", "tps", lt.TPS, "duration", lt.Duration, "rampUp", lt.RampUp)
	s.drive(ctx, lt.TPS, lt.RampUp, lt.Duration, lt.MaxConcurrency)
	slog.Info("[Simulator] Load test finished", "sent", s.sent.Load(), "failed", s.failed.Load())
}

// drive issues requests at tps for duration, ramping linearly from one
// request per second over rampUp. At most maxConcurrent requests are in
// flight. In-flight requests finish before drive returns.
func (s *Simulator) drive(ctx context.Context, tps int, rampUp, duration time.Duration, maxConcurrent int) {
	if tps <= 0 || duration <= 0 {
		return
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	phaseCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	start := s.now()
	limiter := rate.NewLimiter(rampLimit(tps, rampUp, 0), 1)
	sem := semaphore.NewWeighted(int64(maxConcurrent))

	for {
		if rampUp > 0 {
			limiter.SetLimit(rampLimit(tps, rampUp, s.now().Sub(start)))
		}
		if err := limiter.Wait(phaseCtx); err != nil {
			break
		}
		if err := sem.Acquire(phaseCtx, 1); err != nil {
			break
		}
		go func() {
			defer sem.Release(1)
			_, _ = s.Send(ctx)
		}()
	}

	_ = sem.Acquire(context.Background(), int64(maxConcurrent))
}

func rampLimit(tps int, rampUp, elapsed time.Duration) rate.Limit {
	if rampUp <= 0 || elapsed >= rampUp {
		return rate.Limit(tps)
	}
	lim := float64(tps) * float64(elapsed) / float64(rampUp)
	if lim < 1 {
		lim = 1
	}
	return rate.Limit(lim)
}

// ============================================================================
// ON-DEMAND TESTS
// ============================================================================

// StartLoadTest runs one load test in the background. Only allowed in
// MANUAL mode.
func (s *Simulator) StartLoadTest(ctx context.Context) error {
	return s.start(ctx, string(ModeLoadTest), func(ctx context.Context) {
		s.runLoad(ctx, s.cfg.LoadTest)
	})
}

// StartSpikeTest runs a single spike phase in the background. Only allowed
// in MANUAL mode.
func (s *Simulator) StartSpikeTest(ctx context.Context) error {
	sp := s.cfg.Spike
	return s.start(ctx, string(ModeSpike), func(ctx context.Context) {
		slog.Info("[Simulator] Spike test", "tps", sp.SpikeTPS, "duration", sp.SpikeDuration)
		s.drive(ctx, sp.SpikeTPS, 0, sp.SpikeDuration, s.cfg.LoadTest.MaxConcurrency)
	})
}

func (s *Simulator) start(ctx context.Context, name string, fn func(context.Context)) error {
	if s.cfg.Mode != ModeManual {
		return ErrNotManual
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running != "" {
		return ErrTestRunning
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.running, s.cancel, s.done = name, cancel, done

	go func() {
		defer close(done)
		defer cancel()
		fn(runCtx)

		s.mu.Lock()
		if s.done == done {
			s.running, s.cancel, s.done = "", nil, nil
		}
		s.mu.Unlock()
	}()
	return nil
}

// Stop cancels a running on-demand test and waits for it to drain.
// It reports whether a test was running.
func (s *Simulator) Stop() bool {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.running, s.cancel, s.done = "", nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-done
	slog.Info("[Simulator] Test stopped")
	return true
}

// Status returns counters and breaker state.
func (s *Simulator) Status() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	msg := "Simulator is disabled"
	if s.cfg.Enabled {
		msg = "Simulator is enabled"
	}
	return Status{
		Enabled:   s.cfg.Enabled,
		Mode:      s.cfg.Mode,
		Running:   running,
		Message:   msg,
		Sent:      s.sent.Load(),
		Succeeded: s.succeeded.Load(),
		Failed:    s.failed.Load(),
		Rejected:  s.rejected.Load(),
		Breaker:   s.breaker.Stats(),
	}
}
