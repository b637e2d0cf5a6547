// Command terminal runs a point-of-sale terminal against the acquirer,
// either as an interactive console or behind the HTTP control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ocx/isosim/internal/api"
	"github.com/ocx/isosim/internal/authorize"
	"github.com/ocx/isosim/internal/bridge"
	"github.com/ocx/isosim/internal/config"
	"github.com/ocx/isosim/internal/terminal"
	"github.com/ocx/isosim/internal/validation"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	httpMode := flag.Bool("http", false, "serve the HTTP API instead of the interactive console")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	config.SetupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *httpMode); err != nil {
		slog.Error("[Terminal] Exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, httpMode bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rules, err := validation.RulesFromPath(cfg.Rules.Path)
	if err != nil {
		return err
	}
	tc := cfg.Terminal

	var (
		br        *bridge.Bridge
		publisher terminal.Publisher
	)
	if tc.AuthorizationEnabled {
		broker, err := bridge.Open(ctx, cfg.Bridge)
		if err != nil {
			return err
		}
		br = bridge.New(broker)
		defer br.Close()
		publisher = br
	}

	manager := terminal.NewManager(terminal.Config{
		ResponseTimeout:      tc.ResponseTimeout,
		DialTimeout:          tc.DialTimeout,
		EchoInterval:         tc.EchoInterval,
		AuthorizationEnabled: tc.AuthorizationEnabled,
		TerminalID:           tc.TerminalID,
		MerchantID:           tc.MerchantID,
	}, validation.NewValidator(rules), publisher)
	defer manager.Close()

	g, gctx := errgroup.WithContext(ctx)

	if br != nil {
		addr := net.JoinHostPort(tc.AcquirerHost, strconv.Itoa(tc.AcquirerPort))
		fwd := terminal.NewForwarder(br, addr, tc.DialTimeout)
		g.Go(func() error { return fwd.Run(gctx) })

		// An in-process broker has no other consumer, so the authorizer
		// runs here.
		if cfg.Bridge.Broker == config.BrokerLocal {
			svc := authorize.NewService(br)
			g.Go(func() error { return svc.Run(gctx) })
		}
	}

	if tc.AutoEcho {
		g.Go(func() error {
			manager.RunAutoEcho(gctx)
			return nil
		})
	}

	if httpMode {
		manager.Add("default", tc.AcquirerHost, tc.AcquirerPort)
		router := api.NewRouter()
		(&api.TerminalAPI{Manager: manager}).Register(router)
		g.Go(func() error {
			return api.ListenAndServe(gctx, fmt.Sprintf(":%d", cfg.HTTP.Port), router)
		})
	} else {
		console := terminal.NewConsole(manager, tc.AcquirerHost, tc.AcquirerPort, os.Stdin, os.Stdout)
		g.Go(func() error {
			defer cancel()
			return console.Run(gctx)
		})
	}

	return g.Wait()
}
