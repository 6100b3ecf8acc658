package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ocrbot/internal/bus"
	"ocrbot/internal/channel"
	"ocrbot/internal/config"
	"ocrbot/internal/domain"
	"ocrbot/internal/events"
	"ocrbot/internal/fetch"
	"ocrbot/internal/metrics"
	"ocrbot/internal/ocr"
	"ocrbot/internal/pipeline"
	"ocrbot/internal/registration"
	"ocrbot/internal/reply"
	"ocrbot/internal/store"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	queuePublishTimeout = 2 * time.Second
	pruneInterval       = time.Hour
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Register the webhook and serve updates",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := config.RequireServe(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(store.Config{Enabled: cfg.Store.Enabled, DBPath: cfg.Store.DBPath, Logger: logger})
	if err != nil {
		return fmt.Errorf("%w: open store: %w", domain.ErrStartup, err)
	}
	defer st.Close()

	tg, err := newTelegram(cfg)
	if err != nil {
		return err
	}

	publisher, err := events.New(cfg.Events.Enabled, events.Config{
		URL:         cfg.Events.URL,
		Exchange:    cfg.Events.Exchange,
		RoutingKey:  cfg.Events.RoutingKey,
		DialTimeout: seconds(cfg.Events.ConnTimeoutSeconds),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("%w: connect to broker: %w", domain.ErrStartup, err)
	}
	defer publisher.Close()

	pool, err := newOCRPool(cfg)
	if err != nil {
		return err
	}

	queue := bus.New(cfg.Pipeline.QueueSize, queuePublishTimeout, logger)
	pipe := pipeline.New(pipeline.Config{
		Queue:       queue,
		Fetcher:     newFetcher(cfg, tg),
		OCR:         pool,
		Composer:    reply.NewComposer(cfg.Telegram.MaxMessageLength),
		Sender:      tg,
		Store:       st,
		Events:      publisher,
		Concurrency: cfg.Pipeline.Concurrency,
		TaskTimeout: seconds(cfg.Pipeline.TaskTimeoutSeconds),
		Logger:      logger,
	})

	webhook := channel.NewWebhook(channel.WebhookConfig{
		Path:        cfg.Telegram.WebhookPath,
		SecretToken: cfg.Telegram.SecretToken,
		Queue:       queue,
		Marker:      st,
		Logger:      logger,
	})
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = metrics.Handler()
	}
	server := channel.NewServer(channel.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Webhook:         webhook,
		Metrics:         metricsHandler,
		MetricsPath:     cfg.Metrics.Path,
		ShutdownTimeout: seconds(cfg.Server.ShutdownTimeoutSeconds),
		Logger:          logger,
	})

	callback, err := newRegistration(cfg, tg).Register(ctx)
	if err != nil {
		return err
	}
	logger.Info("ocrbot serving",
		"version", version,
		"addr", server.Addr(),
		"webhook", callback,
		"engine", pool.EngineName(),
		"ocr_workers", pool.Workers(),
		"store", cfg.Store.Enabled,
		"events", cfg.Events.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Closing the queue lets the pipeline drain and return.
		defer queue.Close()
		return server.Run(gctx)
	})
	g.Go(func() error {
		pipe.Run(context.WithoutCancel(gctx))
		return nil
	})
	if cfg.Store.RetentionDays > 0 {
		g.Go(func() error {
			pruneLoop(gctx, st, time.Duration(cfg.Store.RetentionDays)*24*time.Hour)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("ocrbot stopped", "peak_ocr_in_flight", pool.Peak())
	return err
}

func newTelegram(cfg *config.Config) (*channel.Telegram, error) {
	tg, err := channel.NewTelegram(channel.TelegramConfig{
		Token:        cfg.Telegram.Token,
		APIEndpoint:  cfg.Telegram.APIEndpoint,
		FileEndpoint: cfg.Telegram.FileEndpoint,
		Timeout:      seconds(cfg.Telegram.TimeoutSeconds),
		SendRate:     cfg.Telegram.SendRate,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connect to telegram: %w", domain.ErrStartup, err)
	}
	return tg, nil
}

func newRegistration(cfg *config.Config, registrar domain.WebhookRegistrar) *registration.Manager {
	return registration.NewManager(registration.Config{
		Registrar:      registrar,
		BaseURL:        cfg.Server.BaseURL,
		WebhookPath:    cfg.Telegram.WebhookPath,
		SecretToken:    cfg.Telegram.SecretToken,
		MaxConnections: cfg.Telegram.MaxConnections,
		Logger:         logger,
	})
}

func newEngine(cfg *config.Config) (ocr.Engine, error) {
	engine, err := ocr.NewEngine(ocr.EngineConfig{
		Kind:        cfg.OCR.Engine,
		Languages:   cfg.OCR.Languages,
		PageSegMode: cfg.OCR.PageSegMode,
		BinaryPath:  cfg.OCR.BinaryPath,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStartup, err)
	}
	return engine, nil
}

func newOCRPool(cfg *config.Config) (*ocr.Pool, error) {
	engine, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}
	return ocr.NewPool(ocr.PoolConfig{
		Engine:       engine,
		Workers:      cfg.OCR.Workers,
		QueueTimeout: seconds(cfg.OCR.QueueTimeoutSeconds),
		MaxPixels:    cfg.OCR.MaxPixels,
		Logger:       logger,
	}), nil
}

func newFetcher(cfg *config.Config, source domain.FileSource) *fetch.Fetcher {
	return fetch.New(fetch.Config{
		Source:   source,
		MaxBytes: cfg.Fetch.MaxImageBytes,
		Backoff:  time.Duration(cfg.Fetch.RetryBackoffMs) * time.Millisecond,
		Timeout:  seconds(cfg.Fetch.TimeoutSeconds),
		Logger:   logger,
	})
}

// pruneLoop deletes history older than retention once at startup and then
// every pruneInterval.
func pruneLoop(ctx context.Context, st store.Store, retention time.Duration) {
	prune := func() {
		if _, err := st.Prune(ctx, retention); err != nil && ctx.Err() == nil {
			logger.Warn("history prune failed", "err", err)
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
