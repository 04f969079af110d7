package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"smebot-go"
	"smebot-go/internal/batch"
	"smebot-go/internal/bot"
	"smebot-go/internal/breaker"
	"smebot-go/internal/config"
	"smebot-go/internal/conversation"
	"smebot-go/internal/line"
	"smebot-go/internal/logging"
	"smebot-go/internal/metrics"
	"smebot-go/internal/notify"
	"smebot-go/internal/queue"
	"smebot-go/internal/ratelimit"
	"smebot-go/internal/shutdown"
	"smebot-go/internal/tracing"
	"smebot-go/internal/webhook"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to a YAML or TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("smebot-server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, "smebot-server")
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownManager := shutdown.NewManager(30*time.Second, logger)
	shutdownManager.Add("background context", func(context.Context) error {
		cancel()
		return nil
	})

	tracerCfg := tracing.DefaultTracerConfig()
	tracerCfg.Enabled = cfg.Tracing.Enabled
	tracerCfg.Endpoint = cfg.Tracing.Endpoint
	tracerCfg.Environment = cfg.Tracing.Environment
	shutdownTracer, err := tracing.InitTracer(ctx, tracerCfg)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	shutdownManager.Add("tracer", shutdownTracer)

	store, err := conversation.Open(ctx, conversation.Options{
		Driver:      cfg.Storage.Driver,
		RedisURL:    cfg.Storage.RedisURL,
		PostgresDSN: cfg.Storage.PostgresDSN,
	})
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	shutdownManager.Add("conversation store", func(context.Context) error {
		return store.Close()
	})

	llm, err := smebot.NewClient(smebot.Config{
		Endpoint:     cfg.Azure.Endpoint,
		Deployment:   cfg.Azure.Deployment,
		APIVersion:   cfg.Azure.APIVersion,
		APIKey:       cfg.Azure.APIKey,
		TenantID:     cfg.Azure.TenantID,
		ClientID:     cfg.Azure.ClientID,
		ClientSecret: cfg.Azure.ClientSecret,
		MaxTokens:    cfg.Azure.MaxTokens,
		Temperature:  cfg.Azure.Temperature,
		Timeout:      cfg.Azure.Timeout.Duration,
	})
	if err != nil {
		return fmt.Errorf("create azure openai client: %w", err)
	}

	messenger, err := line.NewClient(cfg.Line.ChannelAccessToken, logger)
	if err != nil {
		return err
	}

	alerter := notify.NewAlerter(notify.NewNtfyClient(cfg.Ntfy.ServerURL, cfg.Ntfy.Topic), logger)

	circuit := breaker.New(cfg.Breaker.Threshold, cfg.Breaker.RecoveryTimeout.Duration,
		breaker.WithStateChange(func(from, to breaker.State) {
			metrics.CircuitStateGauge.Set(float64(to))
			logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
			go alerter.CircuitChanged(from.String(), to.String())
		}))

	limiter := ratelimit.New(ratelimit.Config{
		UserCapacity:     cfg.RateLimit.UserCapacity,
		UserRefillRate:   cfg.RateLimit.UserPerMinute / 60,
		GlobalCapacity:   cfg.RateLimit.GlobalCapacity,
		GlobalRefillRate: cfg.RateLimit.GlobalPerSecond,
	})

	handlers := bot.New(bot.Deps{
		LLM:       llm,
		Messenger: messenger,
		Store:     store,
		Limiter:   limiter,
		Breaker:   circuit,
		Alerter:   alerter,
		Logger:    logger,
	}, bot.Options{
		SystemPrompt: cfg.Azure.SystemPrompt,
		HistoryLimit: cfg.Storage.HistoryLimit,
	})

	tasks := queue.New(queue.Config{
		Workers:      cfg.Queue.Workers,
		ExecutorSize: cfg.Queue.ExecutorSize,
		QueueSize:    cfg.Queue.Size,
		TaskTimeout:  cfg.Queue.TaskTimeout.Duration,
		Retry: queue.RetryPolicy{
			MaxRetries:  cfg.Queue.MaxRetries,
			BackoffBase: cfg.Queue.BackoffBase.Duration,
			BackoffMax:  cfg.Queue.BackoffMax.Duration,
		},
		Retention:       cfg.Queue.Retention.Duration,
		CleanupSchedule: cfg.Queue.CleanupSchedule,
	}, logger, queue.WithFailureHook(handlers.OnTaskFailed))
	handlers.Register(tasks)
	tasks.AddCleanupHook(func() {
		if n := limiter.Prune(cfg.RateLimit.IdleBucketLifetime.Duration); n > 0 {
			logger.Info("pruned idle rate limit buckets", "count", n)
		}
	})
	if err := tasks.Start(ctx); err != nil {
		return fmt.Errorf("start task queue: %w", err)
	}
	shutdownManager.Add("task queue", tasks.Stop)
	shutdownManager.Add("task queue drain", func(ctx context.Context) error {
		if cfg.Queue.DrainTimeout.Duration <= 0 {
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, cfg.Queue.DrainTimeout.Duration)
		defer cancel()
		return tasks.Drain(ctx)
	})

	hook := webhook.NewHandler(webhook.Config{
		ChannelSecret: cfg.Line.ChannelSecret,
		MaxEvents:     cfg.Server.MaxEvents,
		Batch: batch.Config{
			Size:          cfg.Batch.Size,
			FlushInterval: cfg.Batch.FlushInterval.Duration,
			PollInterval:  cfg.Batch.PollInterval.Duration,
			Workers:       cfg.Batch.Workers,
		},
	}, webhook.Deps{
		Producer: tasks,
		Replier:  messenger,
		Store:    store,
		Limiter:  limiter,
		Breaker:  circuit,
		Logger:   logger,
	})
	hook.Start(ctx)
	shutdownManager.Add("webhook handler", hook.Shutdown)

	router := webhook.NewRouter(hook, webhook.NewAdmin(tasks, hook), webhook.RouterConfig{
		AdminUser:     cfg.Server.AdminUser,
		AdminPassword: cfg.Server.AdminPassword,
	})

	errChan := make(chan error, 2)
	metricsServer := webhook.StartMetricsServer(cfg.Server.MetricsPort, logger, errChan)
	shutdownManager.Add("metrics server", metricsServer.Shutdown)

	webhookServer := webhook.StartServer("webhook", cfg.Server.WebhookPort, router, logger, errChan)
	shutdownManager.Add("webhook server", webhookServer.Shutdown)

	logger.Info("smebot started",
		"deployment", llm.Deployment(),
		"storage", cfg.Storage.Driver,
		"workers", cfg.Queue.Workers,
		"aad", cfg.Azure.UsesAAD())

	waitCtx, stopWaiting := context.WithCancelCause(context.Background())
	go func() {
		if err := <-errChan; err != nil {
			stopWaiting(err)
		}
	}()

	if err := shutdownManager.Wait(waitCtx); err != nil {
		return err
	}
	if cause := context.Cause(waitCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	logger.Info("smebot stopped")
	return nil
}
