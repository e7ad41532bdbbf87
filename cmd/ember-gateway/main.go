// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Ember-gateway is the real-time edge of the Ember chat platform. It
// terminates client WebSocket connections, authenticates sessions
// against the shared Redis, resolves memberships through the platform
// directory over NATS, and fans domain events from the event bus out
// to the sessions permitted to see them.
//
// The gateway is stateless with respect to chat history: it holds only
// live session state, and a restart means clients reconnect and
// resync. Cross-node state (presence records, session markers, scope
// sequence counters) lives in Redis.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/emberchat/ember/bridge"
	"github.com/emberchat/ember/config"
	"github.com/emberchat/ember/connection"
	"github.com/emberchat/ember/directory"
	"github.com/emberchat/ember/lib/version"
	"github.com/emberchat/ember/metrics"
	"github.com/emberchat/ember/permission"
	"github.com/emberchat/ember/presence"
	"github.com/emberchat/ember/protocol"
	"github.com/emberchat/ember/registry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to ember.yaml (default: EMBER_CONFIG)")
	pflag.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("ember-gateway %s\n", version.Info())
		return nil
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating configuration: %w", err)
	}
	timeouts, err := cfg.Session.Timeouts()
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	logger.Info("starting ember-gateway",
		"version", version.Info(),
		"node", cfg.Node,
		"environment", cfg.Environment,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared store: presence records, session markers, scope sequence
	// counters, and session tokens.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.Addr,
		Password: cfg.Store.Password,
		DB:       cfg.Store.DB,
	})
	defer redisClient.Close()
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		return fmt.Errorf("connecting to store at %s: %w", cfg.Store.Addr, err)
	}

	natsConn, err := nats.Connect(cfg.Broker.URL,
		nats.Name("ember-gateway/"+cfg.Node),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("connecting to broker at %s: %w", cfg.Broker.URL, err)
	}
	defer natsConn.Close()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	gauges := metrics.New(promRegistry)

	evaluator, err := permission.NewEvaluator(cfg.Session.PermissionCacheSize, logger)
	if err != nil {
		return fmt.Errorf("creating permission evaluator: %w", err)
	}
	sessions := registry.New()
	dir := directory.NewNATSDirectory(natsConn)

	bus := bridge.New(bridge.Config{
		Broker:    bridge.NewNATSBroker(natsConn),
		Registry:  sessions,
		Evaluator: evaluator,
		Snapshots: dir,
		Logger:    logger,
		OnDelivered: func(kind protocol.EventKind) {
			gauges.Delivered.WithLabelValues(string(kind)).Inc()
		},
		OnStale: func() {
			gauges.Dropped.WithLabelValues("stale").Inc()
		},
		OnResubscribed: func(int) {
			gauges.BrokerResubscribes.Inc()
		},
	})

	store := presence.NewRedisStore(redisClient)
	tracker := presence.New(presence.Config{
		Store:             store,
		Publish:           bus.Publish,
		Node:              cfg.Node,
		HeartbeatInterval: timeouts.Heartbeat,
		DebounceWindow:    timeouts.Debounce,
		Logger:            logger,
	})

	manager := connection.NewManager(connection.Config{
		Authenticator:     directory.NewRedisAuthenticator(redisClient),
		Directory:         dir,
		Registry:          sessions,
		Evaluator:         evaluator,
		Bus:               bus,
		Presence:          tracker,
		Seq:               store,
		HandshakeTimeout:  timeouts.Handshake,
		HeartbeatInterval: timeouts.Heartbeat,
		QueueCapacity:     cfg.Session.QueueCapacity,
		MaxFrameBytes:     cfg.Session.MaxFrameBytes,
		Logger:            logger,
		Metrics:           gauges,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", manager)
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"node":     cfg.Node,
			"sessions": manager.SessionCount(),
		})
	})
	server := &http.Server{
		Addr:              cfg.Listen.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := bus.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("bridge: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		if err := tracker.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("presence tracker: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		logger.Info("listening", "addr", cfg.Listen.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("session drain incomplete", "error", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", "error", err)
		}
		// Drain lets in-flight broker messages finish before the
		// connection closes.
		if err := natsConn.Drain(); err != nil {
			logger.Warn("broker drain failed", "error", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("ember-gateway stopped")
	return nil
}
