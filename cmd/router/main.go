// Package main is the router's entry point: it loads configuration,
// wires the Session Registry, Request Broker, and HTTP server together,
// and coordinates graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/relayhub/router/internal/api"
	"github.com/relayhub/router/internal/broker"
	"github.com/relayhub/router/internal/metrics"
	"github.com/relayhub/router/internal/session"
	"github.com/relayhub/router/internal/shutdown"
	"github.com/relayhub/router/pkg/config"
	"github.com/relayhub/router/pkg/logger"
)

// sweepInterval is how often the broker drops terminal pending-request
// entries older than its retention window.
const sweepInterval = 1 * time.Minute

// pendingRetention bounds how long a terminal request stays queryable via
// GET /datasets/status/{id} before the broker reclaims its memory.
const pendingRetention = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(slog.LevelInfo, cfg.LogFormat == "json")

	m, err := metrics.NewCollector(nil)
	if err != nil {
		log.Error("failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	var b *broker.Broker
	registry := session.NewRegistry(cfg.KeepaliveInterval, func(nodeID string, reason session.EvictReason) {
		b.EvictNode(nodeID, reason)
	}, log)
	b = broker.New(registry, cfg.MaxBufferedBytes, cfg.StreamQueueDepth, cfg.MaxChunkSize, m, log)

	registry.StartHeartbeat()

	sweepStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepStop:
				return
			case <-ticker.C:
				if removed := b.Sweep(pendingRetention); removed > 0 {
					log.Debug("swept terminal pending requests", "removed", removed)
				}
			}
		}
	}()

	server := api.NewServer(cfg, registry, b, m, log)

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log),
	)
	coordinator.Register(shutdown.NewFuncComponent("http_server", func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}))
	coordinator.Register(shutdown.NewFuncComponent("broker", func(ctx context.Context) error {
		b.Shutdown()
		return nil
	}))
	coordinator.Register(shutdown.NewWorkerComponent("session_registry", registry))
	coordinator.Register(shutdown.NewFuncComponent("sweep_loop", func(ctx context.Context) error {
		close(sweepStop)
		return nil
	}))

	go coordinator.WaitForSignal()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		coordinator.Wait()
		cancel()
	}()

	log.Info("router starting", "addr", cfg.ListenAddr)
	if err := server.Start(ctx); err != nil {
		log.Error("server error", "error", err)
		coordinator.Shutdown()
		coordinator.Wait()
		// A Start failure here is a fatal runtime error (e.g. the
		// listener died after accepting connections), distinct from
		// both a clean shutdown and a timed-out drain, so it always
		// exits 2 regardless of how the drain itself went.
		os.Exit(2)
	}

	coordinator.Wait()
	os.Exit(coordinator.ExitCode())
}
