// Command authorizer approves queued authorization requests. It needs a
// broker shared with the terminals: redis or pubsub.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ocx/isosim/internal/api"
	"github.com/ocx/isosim/internal/authorize"
	"github.com/ocx/isosim/internal/bridge"
	"github.com/ocx/isosim/internal/config"
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
		slog.Error("[Authorizer] Exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.Bridge.Broker == config.BrokerLocal {
		return errors.New("authorizer: bridge.broker must be redis or pubsub")
	}

	broker, err := bridge.Open(ctx, cfg.Bridge)
	if err != nil {
		return err
	}
	br := bridge.New(broker)
	defer br.Close()

	svc := authorize.NewService(br)

	router := api.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "healthy",
			"service": "authorizer",
			"broker":  cfg.Bridge.Broker,
			"stats":   svc.Stats(),
		})
	}).Methods(http.MethodGet)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error {
		return api.ListenAndServe(gctx, fmt.Sprintf(":%d", cfg.HTTP.Port), router)
	})
	return g.Wait()
}
