// Command simulator submits synthetic authorizations to the acquirer's RPC
// intake on a schedule or as load and spike tests.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ocx/isosim/internal/api"
	"github.com/ocx/isosim/internal/circuitbreaker"
	"github.com/ocx/isosim/internal/config"
	"github.com/ocx/isosim/internal/rpc"
	"github.com/ocx/isosim/internal/simulator"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	config.SetupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("[Simulator] Exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	client, err := rpc.Dial(cfg.RPC.Target)
	if err != nil {
		return err
	}
	defer client.Close()

	sc := cfg.Simulator
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:        "simulator-rpc",
		OpenTimeout: sc.BreakerOpenTimeout,
		ReadyToTrip: func(c circuitbreaker.Counts) bool {
			return c.ConsecutiveFailures >= sc.BreakerFailures
		},
	})
	sim := simulator.New(simulatorConfig(sc), client, breaker)

	router := api.NewRouter()
	(&api.SimulatorAPI{Simulator: sim, Limiter: api.NewRateLimiter(5, 10)}).Register(router)

	slog.Info("[Simulator] Target", "rpc", cfg.RPC.Target, "mode", sc.Mode)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sim.Run(gctx) })
	g.Go(func() error {
		return api.ListenAndServe(gctx, fmt.Sprintf(":%d", cfg.HTTP.Port), router)
	})
	return g.Wait()
}

func simulatorConfig(sc config.SimulatorConfig) simulator.Config {
	return simulator.Config{
		Enabled:        sc.Enabled,
		Mode:           simulator.Mode(sc.Mode),
		RequestTimeout: sc.RequestTimeout,
		Scheduled: simulator.ScheduledConfig{
			Interval:   sc.Scheduled.Interval,
			MaxRetries: sc.Scheduled.MaxRetries,
			RetryDelay: sc.Scheduled.RetryDelay,
		},
		LoadTest: simulator.LoadTestConfig{
			TPS:            sc.LoadTest.TPS,
			Duration:       sc.LoadTest.Duration,
			RampUp:         sc.LoadTest.RampUp,
			MaxConcurrency: sc.LoadTest.MaxConcurrency,
		},
		Spike: simulator.SpikeConfig{
			NormalTPS:     sc.Spike.NormalTPS,
			SpikeTPS:      sc.Spike.SpikeTPS,
			SpikeDuration: sc.Spike.SpikeDuration,
			Between:       sc.Spike.Between,
		},
	}
}
