package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deskworks/support-desk/internal/observability"
	"github.com/deskworks/support-desk/internal/persistence"
	"github.com/deskworks/support-desk/internal/queue"
	"github.com/deskworks/support-desk/internal/worker"
)

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume notification jobs from the task queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runWorker(ctx)
		},
	}
}

func runWorker(ctx context.Context) error {
	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	cfg, logger := rt.cfg, rt.logger

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	composer, err := worker.NewComposer(cfg.Mail.From, cfg.Mail.Domain)
	if err != nil {
		return fmt.Errorf("mail composer: %w", err)
	}
	deps := worker.Dependencies{
		Store:       rt.pg.Store(),
		Sender:      worker.NewSMTPSender(cfg.Mail.SMTPAddr, cfg.Mail.Domain),
		Composer:    composer,
		Renderer:    worker.NewRenderer(),
		ExternalURL: cfg.App.ExternalURL,
		Logger:      logger,
	}
	if cfg.Notification.PushWebhookURL != "" {
		deps.Pusher = worker.NewWebhookPusher(cfg.Notification.PushWebhookURL)
	} else {
		logger.Info("PUSH_WEBHOOK_URL not set; agent push notifications disabled")
	}

	broker := queue.NewRedisBroker(redis.Client, cfg.Queue.Prefix)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	w := queue.NewWorker(broker,
		queue.Backoff{Base: cfg.Queue.BackoffBase(), Max: cfg.Queue.BackoffMax()},
		logger,
		queue.WithConcurrency(cfg.Queue.Concurrency),
		queue.WithRecorder(metrics),
	)
	worker.NewNotifier(deps).Register(w)

	stats := cron.New(cron.WithLocation(time.UTC))
	if _, err := stats.AddFunc("@every 1m", func() { logQueueStats(ctx, broker, logger) }); err != nil {
		return fmt.Errorf("schedule queue stats: %w", err)
	}
	stats.Start()
	defer stats.Stop()

	logger.Info("worker started", zap.Int("concurrency", cfg.Queue.Concurrency))
	return w.Run(ctx)
}

func logQueueStats(ctx context.Context, broker *queue.RedisBroker, logger *zap.Logger) {
	ready, processing, delayed, err := broker.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("queue stats failed", zap.Error(err))
		}
		return
	}
	logger.Info("queue stats",
		zap.Int64("ready", ready),
		zap.Int64("processing", processing),
		zap.Int64("delayed", delayed))
}
