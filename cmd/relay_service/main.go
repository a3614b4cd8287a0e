package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/commshub/telegram-relay/internal/platform/config"
	"github.com/commshub/telegram-relay/internal/platform/database"
	"github.com/commshub/telegram-relay/internal/platform/logger"
	"github.com/commshub/telegram-relay/internal/platform/messagebroker"
	"github.com/commshub/telegram-relay/internal/relay_service/adapters/backend"
	"github.com/commshub/telegram-relay/internal/relay_service/adapters/storage"
	"github.com/commshub/telegram-relay/internal/relay_service/adapters/telegram"
	"github.com/commshub/telegram-relay/internal/relay_service/app"
	"github.com/commshub/telegram-relay/internal/relay_service/middleware"
	"github.com/commshub/telegram-relay/internal/relay_service/repository/postgres"
	transporthttp "github.com/commshub/telegram-relay/internal/relay_service/transport/http"
)

const (
	serviceName     = "relay-service"
	shutdownTimeout = 15 * time.Second
)

// httpLogger logs each HTTP request with slog, keyed by chi's request id.
func httpLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.LogAttrs(r.Context(), slog.LevelInfo, "HTTP request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", ww.Status()),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("request_id", chiMiddleware.GetReqID(r.Context())),
			)
		}
		return http.HandlerFunc(fn)
	}
}

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	appLogger := logger.New(cfg.LogLevel).With("service", serviceName)
	appLogger.Info("Relay service starting...", "port", cfg.ServerPort, "log_level", cfg.LogLevel)

	if err := database.Migrate(cfg.PostgresDSN, appLogger); err != nil {
		appLogger.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	dbPool, err := database.NewDBPool(mainCtx, cfg.PostgresDSN)
	if err != nil {
		appLogger.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	appLogger.Info("Successfully connected to PostgreSQL")

	natsClient, err := messagebroker.NewNatsClient(cfg.NATSUrl, serviceName, appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	appLogger.Info("Successfully connected to NATS", "url", cfg.NATSUrl)

	// Adapters.
	telegramClient := telegram.NewClient(telegram.Options{
		BaseURL:        cfg.TelegramBaseURL,
		MaxAttempts:    cfg.DeliveryMaxAttempts,
		RetryBaseWait:  time.Duration(cfg.DeliveryRetryBaseWait) * time.Millisecond,
		RetryMaxWait:   time.Duration(cfg.DeliveryRetryMaxWait) * time.Millisecond,
		RequestTimeout: cfg.DeliveryTimeout(),
		PerBotRPS:      cfg.DeliveryPerBotRPS,
		PerBotBurst:    cfg.DeliveryPerBotBurst,
	}, appLogger)
	backendClient := backend.NewClient(cfg.BackendAPIURL, cfg.BackendAPIKey, nil, appLogger)
	storageClient := storage.NewClient(cfg.StorageAPIURL, cfg.StorageAPIKey, nil, appLogger)

	// Repositories.
	conversationRepo := postgres.NewPgConversationRepository(dbPool, appLogger)
	inboundEventRepo := postgres.NewPgInboundEventRepository(dbPool, appLogger)
	deliveryAttemptRepo := postgres.NewPgDeliveryAttemptRepository(dbPool, appLogger)

	// Application services.
	resolver := app.NewAccountResolver(backendClient, cfg.ResolverCacheTTL(), appLogger)
	inboundService := app.NewInboundService(
		resolver, inboundEventRepo, conversationRepo, telegramClient, natsClient,
		cfg.ForwardSubject, appLogger,
	)
	dispatchService := app.NewDispatchService(
		resolver, deliveryAttemptRepo, conversationRepo, telegramClient, appLogger,
	)

	forwarder := app.NewForwarder(
		natsClient, resolver, backendClient, storageClient, telegramClient,
		cfg.ForwardSubject, cfg.ForwardQueueGroup, appLogger,
	)
	if err := forwarder.Start(mainCtx); err != nil {
		appLogger.Error("Failed to start forwarder", "error", err)
		os.Exit(1)
	}
	defer forwarder.Stop()

	maintenance, err := app.NewMaintenance(
		conversationRepo, deliveryAttemptRepo,
		time.Duration(cfg.ConversationArchiveAfterHours)*time.Hour,
		time.Duration(cfg.AttemptStaleAfterMinutes)*time.Minute,
		appLogger,
	)
	if err != nil {
		appLogger.Error("Failed to build maintenance scheduler", "error", err)
		os.Exit(1)
	}
	if err := maintenance.Start(); err != nil {
		appLogger.Error("Failed to start maintenance scheduler", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := maintenance.Stop(); err != nil {
			appLogger.Error("Failed to stop maintenance scheduler", "error", err)
		}
	}()

	// HTTP surface.
	authenticator := middleware.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, appLogger)
	webhookHandler := transporthttp.NewWebhookHandler(inboundService, appLogger)
	dispatchHandler := transporthttp.NewDispatchHandler(dispatchService, appLogger)
	router := transporthttp.NewRouter(webhookHandler, dispatchHandler, authenticator)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      httpLogger(appLogger)(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gCtx := errgroup.WithContext(mainCtx)
	g.Go(func() error {
		appLogger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			appLogger.Info("Shutdown signal received", "signal", sig.String())
		case <-gCtx.Done():
			return gCtx.Err()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Relay service terminated with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Relay service stopped")
}
