package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/promptsync/internal/actions"
	"github.com/ent0n29/promptsync/internal/chime"
	"github.com/ent0n29/promptsync/internal/config"
	"github.com/ent0n29/promptsync/internal/feed"
	"github.com/ent0n29/promptsync/internal/httpapi"
	"github.com/ent0n29/promptsync/internal/logging"
	"github.com/ent0n29/promptsync/internal/observability"
	"github.com/ent0n29/promptsync/internal/promptruntime"
	"github.com/ent0n29/promptsync/internal/resolve"
	"github.com/ent0n29/promptsync/internal/session"
)

const chimePath = "/v1/assets/prompt-chime.wav"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "promptsync",
		Short:         "Serve one prompt at a time per connected client from pending action records",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context())
		},
	})
	return root
}

func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config error: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger init failed: %w", err)
	}
	return cfg, logger, nil
}

func runMigrate(ctx context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, mode, err := actions.NewStore(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("store init failed: %w", err)
	}
	defer store.Close()
	logger.Info("schema ready", zap.String("store_mode", mode))
	return nil
}

func runServe(parent context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, storeMode, err := actions.NewStore(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("store init failed: %w", err)
	}
	defer store.Close()
	logger.Info("action store ready", zap.String("store_mode", storeMode))

	hub := feed.NewHub(store, logger.Named("feed"), metrics, cfg.StoreOpTimeout)
	store.SetChangeHook(hub.Notify)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.ObserveSessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
		logger.Info("session expired", zap.String("session_id", s.ID), zap.String("owner_id", s.OwnerID))
	})

	resolver := resolve.New(store, resolve.Config{
		MaxAttempts: cfg.ResolveMaxAttempts,
		BackoffBase: cfg.ResolveBackoffBase,
		BackoffCap:  cfg.ResolveBackoffCap,
		OpTimeout:   cfg.StoreOpTimeout,
	}, logger.Named("resolve"))

	runtime := promptruntime.New(promptruntime.Config{
		OpTimeout: cfg.StoreOpTimeout,
		ChimeURL:  chimePath,
	}, store, hub, resolver, sessions, metrics, logger)

	// Held until shutdown; the asset handler acquires per request.
	sharedChime := chime.NewShared(chime.DefaultParams())
	_, releaseChime, err := sharedChime.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("chime init failed: %w", err)
	}
	defer releaseChime()

	api := httpapi.New(cfg, sessions, runtime, store, metrics, httpapi.Options{
		StoreMode: storeMode,
		Chime:     sharedChime,
		Logger:    logger,
	})
	g, gctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Websocket handlers are hijacked and outlive Shutdown; they stop on gctx.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	sessions.StartJanitor(gctx, 5*time.Second)

	if pg, ok := store.(*actions.PostgresStore); ok {
		g.Go(func() error {
			return pg.Listen(gctx, func(err error) {
				logger.Warn("postgres listener reconnecting", zap.Error(err))
			})
		})
	}

	g.Go(func() error {
		logger.Info("promptsync listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}
