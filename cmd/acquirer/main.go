// Command acquirer runs the acquirer: the framed TCP server terminals
// connect to, the gRPC transaction intake and the HTTP control plane.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ocx/isosim/internal/acquirer"
	"github.com/ocx/isosim/internal/api"
	"github.com/ocx/isosim/internal/config"
	"github.com/ocx/isosim/internal/correlation"
	"github.com/ocx/isosim/internal/database"
	"github.com/ocx/isosim/internal/fabric"
	"github.com/ocx/isosim/internal/infra"
	"github.com/ocx/isosim/internal/monitoring"
	"github.com/ocx/isosim/internal/rpc"
	"github.com/ocx/isosim/internal/validation"
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
		slog.Error("[Acquirer] Exited", "error", err)
		os.Exit(1)
	}
	slog.Info("[Acquirer] Stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	rules, err := validation.RulesFromPath(cfg.Rules.Path)
	if err != nil {
		return err
	}
	validator := validation.NewValidator(rules)
	metrics := monitoring.NewMetrics()
	hub := fabric.NewHub(fabric.HubID(cfg.Acquirer.HubID))

	var (
		bus       fabric.EventBus = fabric.NewLocalEventBus()
		directory *fabric.RedisTerminalStore
	)
	if cfg.Acquirer.UseRedis {
		rc, err := infra.NewRedisAdapter(ctx, infra.RedisOptions{
			Addr:     cfg.Bridge.Redis.Addr,
			Password: cfg.Bridge.Redis.Password,
			DB:       cfg.Bridge.Redis.DB,
			PoolSize: cfg.Bridge.Redis.PoolSize,
		})
		if err != nil {
			return err
		}
		defer rc.Close()
		bus = fabric.NewRedisEventBus(rc, "")
		directory = fabric.NewRedisTerminalStore(rc, "", cfg.Acquirer.TerminalTTL)
		hub.SetStore(directory)
	}
	defer bus.Close()
	hub.SetEventBus(bus)

	recorders := []correlation.Recorder{metrics, acquirer.NewEventRecorder(bus, cfg.Acquirer.HubID)}
	var store database.Store
	switch cfg.Database.URL {
	case "":
	case config.DatabaseMemory:
		store = database.NewMemoryStore()
	default:
		pg, err := database.OpenPostgres(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		store = pg
	}
	if store != nil {
		recorders = append(recorders, database.NewStatusRecorder(store))
	}

	timer := correlation.NewTimer(cfg.Transaction.ResponseWindow, correlation.Recorders(recorders...))
	defer timer.Stop()

	processor := acquirer.NewProcessor(validator, timer, metrics)
	server := acquirer.NewServer(acquirer.Config{
		Addr:         cfg.AcquirerAddr(),
		WriteTimeout: cfg.Acquirer.WriteTimeout,
	}, hub, timer, processor, metrics)
	server.SetEventBus(bus)

	grpcServer := rpc.NewServer(rpc.NewIntakeServer(validator, server, store))

	router := api.NewRouter()
	(&api.AcquirerAPI{
		Hub:       hub,
		Timer:     timer,
		Metrics:   metrics,
		Store:     store,
		Stream:    fabric.NewEventStream(bus),
		Directory: directory,
	}).Register(router)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := server.ListenAndServe()
		if errors.Is(err, acquirer.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.RPC.Port))
		if err != nil {
			return fmt.Errorf("rpc listen: %w", err)
		}
		slog.Info("[Acquirer] RPC intake listening", "addr", lis.Addr().String())
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		return api.ListenAndServe(gctx, fmt.Sprintf(":%d", cfg.HTTP.Port), router)
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("[Acquirer] Shutting down")
		grpcServer.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
