// Package main provides the entry point for the fleet engine daemon.
package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/narvanalabs/fleet-engine/internal/api"
	"github.com/narvanalabs/fleet-engine/internal/engine"
	"github.com/narvanalabs/fleet-engine/internal/meta"
	"github.com/narvanalabs/fleet-engine/internal/metrics"
	"github.com/narvanalabs/fleet-engine/internal/shutdown"
	"github.com/narvanalabs/fleet-engine/internal/store"
	"github.com/narvanalabs/fleet-engine/internal/store/badger"
	"github.com/narvanalabs/fleet-engine/pkg/config"
	"github.com/narvanalabs/fleet-engine/pkg/logger"
)

// version is set at build time using ldflags.
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogFormat != "text")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Error("data directory unusable", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	identity, err := meta.EngineIdentity(cfg.DataDir, meta.MachineSerialPaths, log.WithComponent("meta").Logger)
	if err != nil {
		log.Error("no engine identity", "error", err)
		os.Exit(1)
	}
	base := log.Logger
	log = log.WithEngineID(identity.EngineID)

	db, err := badger.Open(filepath.Join(cfg.DataDir, "replica"), log.WithComponent("store").Logger)
	if err != nil {
		log.Error("failed to open replica database", "error", err)
		os.Exit(1)
	}

	st, err := store.New(identity.EngineID, store.WithPersister(db), store.WithLogger(log.WithComponent("store").Logger))
	if err != nil {
		log.Error("failed to load replica", "error", err)
		db.Close()
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	eng, err := engine.New(engine.Options{
		Config:       cfg,
		Version:      version,
		Store:        st,
		Metrics:      m,
		Logger:       base,
		WatchDevices: true,
	})
	if err != nil {
		log.Error("failed to build engine", "error", err)
		db.Close()
		os.Exit(1)
	}

	api.Version = version
	server := api.NewServer(cfg.ListenAddr, eng, m, db, log.WithComponent("api").Logger)

	// fatal ends the process through the same shutdown path as a signal.
	fatal, stop := context.WithCancel(context.Background())
	defer stop()

	engineCtx, stopEngine := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := eng.Run(engineCtx); err != nil {
			log.Error("engine failed", "error", err)
			stop()
		}
	}()

	go func() {
		if err := server.Start(context.Background()); err != nil {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.WithComponent("shutdown").Logger),
	)
	coordinator.Register(shutdown.NewCloserComponent("replica-db", db))
	coordinator.Register(shutdown.NewFuncComponent("engine", func(ctx context.Context) error {
		stopEngine()
		select {
		case <-engineDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	coordinator.Register(shutdown.NewHTTPServerComponent("api", server.HTTPServer()))

	log.Info("engine starting",
		slog.String("version", version),
		slog.String("listen_addr", cfg.ListenAddr),
		slog.Any("networks", cfg.Networks),
	)

	coordinator.WaitForSignal(fatal)
	log.Info("engine stopped")
	os.Exit(coordinator.ExitCode())
}
