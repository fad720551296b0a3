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
	"github.com/italolelis/b2gate/internal/b2"
	"github.com/italolelis/b2gate/internal/config"
	"github.com/italolelis/b2gate/internal/http/rest"
	"github.com/italolelis/b2gate/internal/logctx"
	"github.com/italolelis/b2gate/internal/storage/sqlite"
	"github.com/italolelis/b2gate/internal/telemetry"
	"github.com/italolelis/b2gate/internal/token"
)

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

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("b2 gateway starting...", "log_level", cfg.LogLevel)

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
		Enabled:     true,
		ServiceName: "b2gate",
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer tel.Shutdown(ctx)

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	// =========================================================================
	// Start Credential Cache and Upstream Client
	cache := b2.NewCredentialCache(
		cfg.B2KeyID,
		cfg.B2AppKey,
		cfg.CredentialMaxAge,
		sqlite.NewCredentialRepository(database),
		tel,
	)

	if _, err := cache.EnsureFresh(ctx); err != nil {
		logger.Warn("no upstream credential yet, continuing without one", "err", err)
	}

	client := b2.NewClient(cache, tel)
	resolver := b2.NewResolver(client)
	issuer := token.NewIssuer([]byte(cfg.SigningSecret), cfg.TokenTTL)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, tel, resolver, issuer)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for requests...",
		"credential_max_age", cfg.CredentialMaxAge.String(),
		"hard_refresh_interval", cfg.HardRefreshInterval.String(),
		"token_ttl", cfg.TokenTTL.String(),
	)

	// =========================================================================
	// Start Main Loop
	ticker := time.NewTicker(cfg.HardRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)
		case <-ctx.Done():
			logger.Info("start shutdown")

			// Give outstanding requests a deadline for completion.
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(ctx); err != nil {
				logger.Error("failed to gracefully shutdown the server", "err", err)

				if err = server.Close(); err != nil {
					return fmt.Errorf("could not stop server gracefully: %w", err)
				}
			}

			return nil
		case <-ticker.C:
			if _, err := cache.HardRefresh(ctx); err != nil {
				logger.Error("scheduled credential refresh failed", "err", err)
			}
		}
	}
}

// setupServer prepares the handlers and middlewares to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, resolver *b2.Resolver, issuer *token.Issuer) *http.Server {
	gw := rest.NewGatewayHandler(cfg.APIToken, resolver, issuer, tel)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", gw.Routes())

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
