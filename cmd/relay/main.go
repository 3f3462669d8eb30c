package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/storage"

	"post_relay/internal/config"
	"post_relay/internal/notifier/telegram"
	"post_relay/internal/publisher"
	"post_relay/internal/scheduler"
	"post_relay/internal/service"
	"post_relay/internal/source/twitter"
	"post_relay/internal/storage/file"
	"post_relay/internal/storage/gcs"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	schedule := flag.String("schedule", "", "cron spec; run repeatedly instead of once")
	flag.Parse()

	logger := setupLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *schedule != "" {
		cfg.Schedule = *schedule
	}

	logger = setupLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	source := twitter.New(twitter.Config{
		BaseURL:          cfg.Source.BaseURL,
		Token:            cfg.Source.Token,
		Timeout:          cfg.Source.Timeout,
		MaxAttempts:      cfg.Retry.MaxAttempts,
		RetryDelay:       cfg.Retry.Delay,
		MaxRateLimitWait: cfg.Retry.MaxRateLimitWait,
	}, logger)

	notifier, err := telegram.New(telegram.Config{
		BaseURL:          cfg.Notifier.BaseURL,
		Token:            cfg.Notifier.BotToken,
		ChatID:           cfg.Notifier.ChatID,
		Timeout:          cfg.Notifier.Timeout,
		MaxAttempts:      cfg.Retry.MaxAttempts,
		RetryDelay:       cfg.Retry.Delay,
		MaxRateLimitWait: cfg.Retry.MaxRateLimitWait,
	}, logger)
	if err != nil {
		logger.Error("failed to create notifier", "error", err)
		os.Exit(1)
	}

	var stateStore service.StateStore
	if cfg.State.Bucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			logger.Error("failed to create storage client", "error", err)
			os.Exit(1)
		}
		defer client.Close()

		stateStore = gcs.NewStateStore(client, gcs.Config{
			Bucket:      cfg.State.Bucket,
			Object:      cfg.State.Object,
			MaxAttempts: cfg.Retry.MaxAttempts,
			Delay:       cfg.Retry.Delay,
		}, logger)
		logger.Info("using gcs state", "bucket", cfg.State.Bucket, "object", cfg.State.Object)
	} else {
		stateStore = file.NewStateStore(cfg.State.File, logger)
		logger.Info("using file state", "path", cfg.State.File)
	}

	var mirror service.Publisher
	if cfg.RabbitMQ.Enabled() {
		rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			QueueName:  cfg.RabbitMQ.QueueName,
		}, logger)
		if err != nil {
			logger.Error("failed to connect to rabbitmq", "error", err)
			os.Exit(1)
		}
		defer rabbitMQ.Close()
		mirror = rabbitMQ
	}

	relay := service.NewRelayService(
		source,
		notifier,
		stateStore,
		mirror,
		logger,
		cfg.Accounts,
		cfg.Relay,
	)

	logger.Info("starting post relay",
		"source", source.ID(),
		"accounts", cfg.Accounts,
		"schedule", cfg.Schedule,
	)

	if cfg.Schedule == "" {
		stats, err := relay.Run(ctx)
		if err != nil {
			logger.Error("run failed", "error", err)
			os.Exit(1)
		}
		if stats.PersistErr != nil {
			logger.Warn("run finished without persisting state; posts may be notified again")
		}
		return
	}

	sched, err := scheduler.NewScheduler(relay, cfg.Schedule, cfg.RunTimeout, logger)
	if err != nil {
		logger.Error("invalid schedule", "error", err)
		os.Exit(1)
	}

	if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scheduler error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
