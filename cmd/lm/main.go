package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fscoto/lm/internal/config"
	"github.com/fscoto/lm/internal/credstore"
	"github.com/fscoto/lm/internal/dispatch"
	"github.com/fscoto/lm/internal/engine"
	"github.com/fscoto/lm/internal/hasher"
	"github.com/fscoto/lm/internal/logging"
	"github.com/fscoto/lm/internal/mail"
	"github.com/fscoto/lm/internal/metrics"
	"github.com/fscoto/lm/internal/numnick"
	"github.com/fscoto/lm/internal/scheduler"
	"github.com/fscoto/lm/internal/token"
)

func main() {
	if runAsHasherChild() {
		return
	}

	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)
	subsystems := logging.NewSubsystems(logger)

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	execPath, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error resolving executable path: %v\n", err)
		os.Exit(1)
	}
	hasherWorker, err := hasher.Spawn(execPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error spawning hasher subprocess: %v\n", err)
		os.Exit(1)
	}

	store, err := credstore.Open(cfg.Database.Path, hasherWorker, subsystems.SQL, collector)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening credential store: %v\n", err)
		hasherWorker.Close()
		os.Exit(1)
	}

	tokens := token.NewCodec()
	mailer := mail.New(cfg, collector)

	conn, err := net.Dial("tcp", cfg.Uplink.AddrPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error dialing uplink %s: %v\n", cfg.Uplink.AddrPort, err)
		store.Close()
		hasherWorker.Close()
		os.Exit(1)
	}

	table := numnick.New()
	eng, err := engine.New(conn, cfg, table, subsystems.Network, collector)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building protocol engine: %v\n", err)
		conn.Close()
		store.Close()
		hasherWorker.Close()
		os.Exit(1)
	}

	disp := dispatch.New(cfg, store, tokens, mailer, eng, eng.Table(), subsystems.Audit, collector)
	eng.SetDispatcher(disp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics server started", "address", cfg.Metrics.Address, "path", cfg.Metrics.Path)
	}

	logger.Info("starting lm", "server", cfg.Server.Name, "uplink", cfg.Uplink.AddrPort)

	sched := scheduler.New(conn, eng, store, hasherWorker, subsystems.Internal)
	if err := sched.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("lm stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("lm stopped")
}
