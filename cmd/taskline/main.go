// Package main contains the entrypoint for the taskline service.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskline/taskline/internal/config"
	"github.com/taskline/taskline/internal/database"
	"github.com/taskline/taskline/internal/extract"
	"github.com/taskline/taskline/internal/logger"
	"github.com/taskline/taskline/internal/notify"
	"github.com/taskline/taskline/internal/platform"
	"github.com/taskline/taskline/internal/queue"
	"github.com/taskline/taskline/internal/scheduler"
	"github.com/taskline/taskline/internal/scheduler/tasks"
	"github.com/taskline/taskline/internal/server"
	"github.com/taskline/taskline/internal/webhook"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all components, blocks until shutdown, and returns the
// process exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	if err := syncIntegrations(ctx, store, cfg.Integrations, log); err != nil {
		log.Error("Failed to provision configured integrations", "error", err)
		return 1
	}

	client := platform.NewHTTPClient(cfg.Platform.BaseURL, cfg.Platform.Timeout, log)

	extractor, err := extract.NewGeminiExtractor(ctx, cfg.Extract, log)
	if err != nil {
		log.Error("Failed to initialize extractor", "error", err)
		return 1
	}

	q := queue.New(store, log, queue.Options{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BackoffBase:  cfg.Queue.BackoffBase,
		JobTimeout:   cfg.Queue.JobTimeout,
	})

	notifier := notify.NewDispatcher(store, client, log, notify.Options{
		SendsPerMinute:    cfg.Notify.SendsPerMinute,
		Burst:             cfg.Notify.Burst,
		StaleWebhookAfter: cfg.Notify.StaleWebhookAfter,
	})

	fallback := webhook.NewSingleActiveFallback(store, log)
	resolver := webhook.NewGroupResolver(store, client, fallback, log)
	ingestor := webhook.NewIngestor(store, q, log)
	eventDispatcher := webhook.NewDispatcher(store, client, resolver, ingestor, log)
	trigger := extract.NewTrigger(store, extractor, notifier, log)

	q.Register(queue.KindWebhookEvent, eventDispatcher.HandleJob)
	q.Register(queue.KindExtractMessage, trigger.HandleJob)

	registrar := webhook.NewRegistrar(store, client, cfg.Server.PublicBaseURL, log)
	srv := server.New(store, q, registrar, log, cfg.Server)

	healthChecker := notify.NewHealthChecker(store, log, cfg.Notify.StaleWebhookAfter, cfg.Notify.SendFailureWindow, nil)
	taskMap := tasks.RegisterAllTasks(tasks.TaskDeps{
		Logger:        log,
		Store:         store,
		Queue:         q,
		HealthChecker: healthChecker,
		Config:        cfg,
	})
	sched, err := scheduler.NewScheduler(log, &cfg.Scheduler, taskMap)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	if err := sched.Start(); err != nil {
		log.Error("Failed to start scheduler", "error", err)
		return 1
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			log.Error("Scheduler shutdown failed", "error", err)
		}
	}()

	log.Info("Starting taskline...")
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gCtx) })
	g.Go(func() error { return q.Run(gCtx) })

	runErr := g.Wait()
	log.Info("Run loop finished. Initiating shutdown...")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Service stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Service stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}

// syncIntegrations provisions configured integrations: new channel ids are
// created in pending status (webhook registration activates them), known
// ones get their credentials and quiet-hours preferences refreshed.
func syncIntegrations(ctx context.Context, store database.Store, cfgs []config.IntegrationConfig, log *slog.Logger) error {
	for _, ic := range cfgs {
		existing, err := store.GetIntegrationByChannelID(ctx, ic.ChannelID)
		if err != nil {
			return err
		}

		if existing == nil {
			integ := &database.Integration{
				ChannelID:         ic.ChannelID,
				ChannelSecret:     ic.ChannelSecret,
				ChannelToken:      ic.ChannelToken,
				Status:            database.IntegrationStatusPending,
				Active:            true,
				QuietHoursEnabled: ic.QuietHoursEnabled,
				QuietStart:        ic.QuietStart,
				QuietEnd:          ic.QuietEnd,
			}
			if err := store.CreateIntegration(ctx, integ); err != nil {
				return err
			}
			log.Info("Provisioned integration", "channel_id", ic.ChannelID, "integration_id", integ.ID)
			continue
		}

		err = store.UpdateIntegrationSettings(ctx, existing.ID,
			ic.ChannelSecret, ic.ChannelToken, ic.QuietHoursEnabled, ic.QuietStart, ic.QuietEnd)
		if err != nil {
			return err
		}
	}
	return nil
}
