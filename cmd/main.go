// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/workscale/amqp"
	"github.com/absmach/workscale/autoscaler"
	"github.com/absmach/workscale/config"
	"github.com/absmach/workscale/executor"
	"github.com/absmach/workscale/health"
	"github.com/absmach/workscale/notifier"
	"github.com/absmach/workscale/otel"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting worker autoscaler", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"scaler_id", cfg.ScalerID,
		"queues", cfg.Broker.Queues,
		"poll_interval", cfg.Monitor.PollInterval,
		"scale_up_threshold", cfg.Monitor.ScaleUpThreshold,
		"scale_down_threshold", cfg.Monitor.ScaleDownThreshold,
		"min_workers", cfg.Monitor.MinWorkers,
		"max_workers", cfg.Monitor.MaxWorkers,
		"executor_mode", cfg.Executor.Mode,
		"log_level", cfg.Log.Level)

	opts := amqp.NewOptions().
		SetURL(cfg.Broker.URL).
		SetDialTimeout(cfg.Broker.DialTimeout).
		SetHeartbeat(cfg.Broker.Heartbeat).
		SetDurable(cfg.Broker.Durable)

	reader, err := amqp.NewReader(opts)
	if err != nil {
		slog.Error("Failed to create broker reader", "error", err)
		os.Exit(1)
	}

	var exec executor.Executor
	switch cfg.Executor.Mode {
	case config.ModeCommand:
		cmdExec, err := executor.NewCommand(
			cfg.Executor.ScaleCommand,
			cfg.Executor.CountCommand,
			cfg.Executor.CommandTimeout,
			logger,
		)
		if err != nil {
			slog.Error("Failed to create command executor", "error", err)
			os.Exit(1)
		}
		exec = cmdExec
		slog.Info("Using command executor")
	default:
		exec = executor.NewSimulated(cfg.Monitor.MinWorkers)
		slog.Info("Using simulated executor, scaling is not applied")
	}

	if cfg.Executor.Breaker.Enabled {
		exec = executor.NewBreaker(
			exec,
			uint32(cfg.Executor.Breaker.FailureThreshold),
			cfg.Executor.Breaker.ResetTimeout,
			logger,
		)
		slog.Info("Executor circuit breaker enabled",
			"failure_threshold", cfg.Executor.Breaker.FailureThreshold,
			"reset_timeout", cfg.Executor.Breaker.ResetTimeout)
	}

	ctrlCfg := autoscaler.Config{
		Queues: cfg.Broker.Queues,
		Policy: autoscaler.Policy{
			ScaleUpThreshold:   cfg.Monitor.ScaleUpThreshold,
			ScaleDownThreshold: cfg.Monitor.ScaleDownThreshold,
			MinWorkers:         cfg.Monitor.MinWorkers,
			MaxWorkers:         cfg.Monitor.MaxWorkers,
		},
		PollInterval:   cfg.Monitor.PollInterval,
		ReconnectDelay: cfg.Monitor.ReconnectDelay,
		ScaleCooldown:  cfg.Monitor.ScaleCooldown,
	}

	ctrl, err := autoscaler.New(ctrlCfg, reader, exec, logger)
	if err != nil {
		slog.Error("Invalid controller configuration", "error", err)
		os.Exit(1)
	}

	var otelShutdown func(context.Context) error
	if cfg.Metrics.Enabled {
		shutdown, err := otel.InitProvider(cfg.Metrics, cfg.ScalerID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown

		metrics, err := otel.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		ctrl.SetMetrics(metrics)
		slog.Info("OTel metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("OTel metrics disabled")
	}

	var webhooks *notifier.WebhookNotifier
	if cfg.Webhook.Enabled {
		wh, err := notifier.New(cfg.Webhook, cfg.ScalerID, notifier.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to initialize webhooks", "error", err)
			os.Exit(1)
		}
		webhooks = wh
		ctrl.SetNotifier(wh)
		slog.Info("Webhooks enabled",
			"endpoints", len(cfg.Webhook.Endpoints),
			"workers", cfg.Webhook.Workers)
	} else {
		slog.Info("Webhooks disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	if cfg.Health.Enabled {
		healthCfg := health.Config{
			Address:         cfg.Health.Addr,
			ShutdownTimeout: cfg.Health.ShutdownTimeout,
		}
		healthServer := health.New(healthCfg, ctrl, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if err := ctrl.Start(); err != nil {
		slog.Error("Failed to start monitor", "error", err)
		os.Exit(1)
	}
	slog.Info("Worker autoscaler started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	ctrl.Stop()

	if webhooks != nil {
		if err := webhooks.Close(); err != nil {
			slog.Error("Error closing webhook notifier", "error", err)
		}
	}

	if otelShutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		}
	}

	cancel()
	wg.Wait()
	slog.Info("Worker autoscaler stopped")
}
