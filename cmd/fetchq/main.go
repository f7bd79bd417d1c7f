package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pmoura/fetchq/internal/cleanup"
	"github.com/pmoura/fetchq/internal/config"
	"github.com/pmoura/fetchq/internal/logctx"
	"github.com/pmoura/fetchq/internal/notifier"
	"github.com/pmoura/fetchq/internal/queue"
	"github.com/pmoura/fetchq/internal/remote"
	"github.com/pmoura/fetchq/internal/rest"
	"github.com/pmoura/fetchq/internal/session"
	"github.com/pmoura/fetchq/internal/sink"
	"github.com/pmoura/fetchq/internal/storage/sqlite"
	"github.com/pmoura/fetchq/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("fetchq starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && err != context.Canceled {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedJobRepository(database, tel)

	if failed, err := repo.FailInterrupted(); err != nil {
		logger.Error("failed to mark interrupted jobs", "err", err)
	} else if failed > 0 {
		logger.Warn("marked interrupted jobs from previous run as failed", "count", failed)
	}

	// =========================================================================
	// Start Queue
	client := remote.NewClient(cfg.ServiceBaseURL, cfg.ServiceToken).WithTelemetry(tel)

	var docs sink.DocumentStore
	if cfg.DocBridgeURL != "" {
		docs = sink.NewBridgeStore(cfg.DocBridgeURL)
	}

	manager := queue.NewManager(ctx, client, docs, repo, tel, queue.Config{
		MaxActive:           cfg.MaxActive,
		ProgressMinInterval: cfg.ProgressMinInterval,
		StagingDir:          cfg.StagingDir,
		Session: session.Config{
			DefaultMethod:      session.Method(cfg.TransferMethod),
			PullThresholdBytes: cfg.PullThresholdBytes,
		},
	})

	// =========================================================================
	// Start Notification
	setupNotifications(ctx, manager, cfg)

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, repo, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, manager, tel, cfg)

	go func() {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for jobs...",
		"service", cfg.ServiceBaseURL,
		"method", cfg.TransferMethod,
		"max_active", cfg.MaxActive,
		"retention", cfg.KeepFinishedFor.String(),
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		manager.CancelAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := manager.Wait(shutdownCtx); err != nil {
			logger.Error("jobs did not finish before deadline", "err", err)
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return ctx.Err()
	}
}

func setupNotifications(ctx context.Context, manager *queue.Manager, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.WebhookURL != "" {
		notif = &notifier.WebhookNotifier{WebhookURL: cfg.WebhookURL}
	}

	events := manager.Events()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events.Completed:
				if notif == nil {
					continue
				}

				if notifyErr := notif.Notify("✅ Download finished: " + ev.Title + " (" + ev.LocalID + ")"); notifyErr != nil {
					logger.Error("failed to send notification", "job_id", ev.LocalID, "err", notifyErr)
				}
			case ev := <-events.Failed:
				if notif == nil {
					continue
				}

				if notifyErr := notif.Notify("❌ Download failed: " + ev.Title + " (" + ev.Kind + ")"); notifyErr != nil {
					logger.Error("failed to send notification", "job_id", ev.LocalID, "err", notifyErr)
				}
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, manager *queue.Manager, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	defaultTarget := sink.Target{Kind: sink.KindFilesystem, Directory: cfg.DestinationDir}
	if cfg.DestinationDir == "" {
		defaultTarget = sink.Target{Kind: sink.KindDocument, TreeURI: cfg.DestinationTreeURI}
	}

	qHandler := rest.NewQueueHandler(cfg.API.Username, cfg.API.Password, manager, defaultTarget)
	telMiddleware := telemetry.NewHTTPMiddleware(tel)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telMiddleware.Middleware)
	r.Use(telemetry.HTTPLogging)
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", qHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, repo *sqlite.InstrumentedJobRepository, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		cleanupTicker := time.NewTicker(cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down")

				return
			case <-cleanupTicker.C:
				if err := cleanup.SweepStaging(ctx, cfg.StagingDir, cfg.KeepFinishedFor); err != nil {
					logger.Error("failed to sweep staging dir", "err", err)
				}

				if err := cleanup.PruneRecords(ctx, repo, cfg.KeepFinishedFor); err != nil {
					logger.Error("failed to prune job records", "err", err)
				}
			}
		}
	}()
}
