package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/phototransfer/internal/cleanup"
	"github.com/italolelis/phototransfer/internal/config"
	"github.com/italolelis/phototransfer/internal/connection"
	"github.com/italolelis/phototransfer/internal/http/rest"
	"github.com/italolelis/phototransfer/internal/logctx"
	"github.com/italolelis/phototransfer/internal/media"
	"github.com/italolelis/phototransfer/internal/notifier"
	"github.com/italolelis/phototransfer/internal/storage/sqlite"
	"github.com/italolelis/phototransfer/internal/telemetry"
	"github.com/italolelis/phototransfer/internal/transfer"
	"github.com/italolelis/phototransfer/internal/transport"
	"github.com/italolelis/phototransfer/internal/transport/loopback"
	"github.com/italolelis/phototransfer/internal/transport/p2p"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("photo transfer starting...", "log_level", cfg.LogLevel, "device_name", cfg.DeviceName, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
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
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	history := sqlite.NewInstrumentedHistoryRepository(database, tel)
	defer history.Close()

	// =========================================================================
	// Start Transport
	tr, closeTransport, err := buildTransport(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build transport: %w", err)
	}
	defer closeTransport()

	// =========================================================================
	// Start Connection Coordinator and Transfer Orchestrator
	coordinator := connection.NewCoordinator(tr, connection.Config{
		ServiceID:  cfg.ServiceID,
		AutoAccept: cfg.AutoAccept,
	}, tel)
	defer coordinator.Close()

	orchestrator := transfer.New(
		tr,
		coordinator,
		transfer.NewInstrumentedMaterializer(media.NewFileMaterializer(cfg.CacheDir), tel),
		transfer.Targets{
			Primary:  transfer.NewInstrumentedTarget(media.NewGalleryTarget(cfg.GalleryDir), tel, "gallery"),
			Fallback: transfer.NewInstrumentedTarget(media.NewPrivateTarget(cfg.PrivateDir), tel, "private"),
		},
		history,
		tel,
		transfer.Config{RetryBackoff: cfg.RetryBackoff},
	)
	defer orchestrator.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return coordinator.Run(ctx)
	})

	g.Go(func() error {
		return orchestrator.Run(ctx)
	})

	// =========================================================================
	// Start Notification
	g.Go(func() error {
		notifier.Forward(ctx, buildNotifier(cfg), orchestrator.Listen(ctx))

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		return cleanup.Run(ctx, cfg.CleanupInterval, cfg.CacheRetention,
			cleanup.Dir{Path: cfg.CacheDir, Match: cleanup.WithPrefix(media.TempPrefix)},
			cleanup.Dir{Path: cfg.InboxDir, Match: cleanup.Any},
		)
	})

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, tel, coordinator, orchestrator, history)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	logger.Info("ready for transfers",
		"transport", cfg.Transport,
		"gallery_dir", cfg.GalleryDir,
		"auto_accept", cfg.AutoAccept,
		"retry_backoff", cfg.RetryBackoff.String(),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// buildTransport is an abstract factory for the transport.
func buildTransport(ctx context.Context, cfg *config.Config) (transport.Transport, func(), error) {
	logger := logctx.LoggerFromContext(ctx)

	switch cfg.Transport {
	case "p2p":
		tr, err := p2p.New(ctx, p2p.Config{
			ListenAddr: cfg.P2PListenAddr,
			InboxDir:   cfg.InboxDir,
		})
		if err != nil {
			return nil, nil, err
		}

		return tr, func() {
			if err := tr.Close(); err != nil {
				logger.Error("failed to close transport", "err", err)
			}
		}, nil
	case "loopback":
		network := loopback.NewNetwork(filepath.Join(cfg.InboxDir, "loopback"))

		tr := network.Join(cfg.DeviceName)

		return tr, func() {
			if err := tr.Close(); err != nil {
				logger.Error("failed to close transport", "err", err)
			}
		}, nil
	}

	return nil, nil, fmt.Errorf("invalid transport: %s", cfg.Transport)
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	if cfg.DiscordWebhookURL != "" {
		return notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	return notifier.LogNotifier{}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	tel *telemetry.Telemetry,
	coordinator *connection.Coordinator,
	orchestrator *transfer.Orchestrator,
	history *sqlite.InstrumentedHistoryRepository,
) *http.Server {
	handler := rest.NewHandler(ctx, rest.Config{
		DeviceName: cfg.DeviceName,
		Username:   cfg.API.Username,
		Password:   cfg.API.Password,
	}, coordinator, orchestrator, history)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/api", otelhttp.NewHandler(handler.Routes(), "api"))

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
