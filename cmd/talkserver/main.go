// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hoccer/hoccer-talk-spike-sub005/config"
	"github.com/hoccer/hoccer-talk-spike-sub005/delivery"
	"github.com/hoccer/hoccer-talk-spike-sub005/push"
	"github.com/hoccer/hoccer-talk-spike-sub005/ratelimit"
	"github.com/hoccer/hoccer-talk-spike-sub005/server/health"
	"github.com/hoccer/hoccer-talk-spike-sub005/server/otel"
	"github.com/hoccer/hoccer-talk-spike-sub005/server/websocket"
	"github.com/hoccer/hoccer-talk-spike-sub005/storage"
	"github.com/hoccer/hoccer-talk-spike-sub005/storage/badger"
	"github.com/hoccer/hoccer-talk-spike-sub005/storage/memory"
	"github.com/hoccer/hoccer-talk-spike-sub005/talk"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("config_load_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger, closeLog := newLogger(cfg.Log)
	slog.SetDefault(logger)

	err = run(cfg, logger)
	closeLog()
	if err != nil {
		logger.Error("talk_server_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) (*slog.Logger, func()) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = io.MultiWriter(os.Stdout, rotated)
		closeFn = func() { _ = rotated.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closeFn
}

func openStore(cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Type {
	case "memory":
		logger.Info("storage_opened", slog.String("type", "memory"))
		return memory.New(), nil
	case "badger":
		store, err := badger.New(badger.Config{
			Dir:        cfg.BadgerDir,
			SyncWrites: cfg.SyncWrites,
			GCInterval: cfg.GCInterval,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger storage: %w", err)
		}
		logger.Info("storage_opened", slog.String("type", "badger"), slog.String("dir", cfg.BadgerDir))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("talk_server_starting",
		slog.String("server_id", cfg.Server.ID),
		slog.String("ws_addr", cfg.Server.WSAddr),
		slog.String("storage", cfg.Storage.Type),
		slog.Bool("push_enabled", cfg.Push.Enabled),
		slog.Bool("ratelimit_enabled", cfg.RateLimit.Enabled))

	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg.Server)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if serr := shutdown(ctx); serr != nil {
				logger.Warn("otel_shutdown_failed", slog.String("error", serr.Error()))
			}
		}()
	}
	metrics, err := otel.NewMetrics(nil)
	if err != nil {
		return err
	}

	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		return err
	}

	limiter := ratelimit.NewManager(cfg.RateLimit)
	registry := talk.NewRegistry()

	var (
		gateway   push.Gateway
		pushStats health.PushStats
	)
	if cfg.Push.Enabled {
		notifier, err := push.NewNotifier(cfg.Push, cfg.Server.ID, push.NewHTTPSender(), limiter, logger)
		if err != nil {
			store.Close()
			return err
		}
		gateway, pushStats = notifier, notifier
	} else {
		gateway = push.NewNopGateway(logger)
	}

	agent := delivery.NewAgent(cfg.Delivery.Engine(), store, registry, gateway, logger, metrics, otel.Tracer())

	talkCfg := talk.Config{RPC: cfg.RPC.Correlator(), PingInterval: cfg.RPC.PingInterval}
	srv := talk.NewServer(talkCfg, store, registry, agent, limiter, logger)
	srv.Dispatcher().AddRecorder(metrics)

	wsServer := websocket.New(websocket.Config{
		Address:         cfg.Server.WSAddr,
		Path:            cfg.Server.WSPath,
		AllowedOrigins:  cfg.Server.WSAllowedOrigins,
		MaxMessageSize:  cfg.Server.MaxMessageSize,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, srv, limiter, metrics, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := wsServer.Listen(ctx); err != nil {
			serverErr <- fmt.Errorf("websocket server: %w", err)
		}
	}()

	var healthServer *health.Server
	if cfg.Server.HealthEnabled {
		healthServer = health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, cfg.Server.ID, registry, srv.Dispatcher().Stats(), pushStats, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- fmt.Errorf("health server: %w", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		srv.Keepalive(ctx)
	}()

	logger.Info("talk_server_started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("talk_server_signal_received", slog.String("signal", sig.String()))
	case runErr = <-serverErr:
	}

	if healthServer != nil {
		healthServer.SetDraining()
	}
	cancel()
	wg.Wait()

	// Connections first so no handler schedules into a closed agent.
	closeErr := srv.Close()
	agent.Close()
	limiter.Stop()

	err = errors.Join(runErr, closeErr, gateway.Close(), store.Close())
	logger.Info("talk_server_stopped")
	return err
}
