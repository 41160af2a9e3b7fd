package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/propchat-ingest/cmd/mainconfig"
	"github.com/wolfman30/propchat-ingest/internal/api/router"
	"github.com/wolfman30/propchat-ingest/internal/app/bootstrap"
	appconfig "github.com/wolfman30/propchat-ingest/internal/config"
	"github.com/wolfman30/propchat-ingest/internal/conversation"
	"github.com/wolfman30/propchat-ingest/internal/dedup"
	"github.com/wolfman30/propchat-ingest/internal/http/handlers"
	"github.com/wolfman30/propchat-ingest/internal/ingest"
	"github.com/wolfman30/propchat-ingest/internal/messaging"
	"github.com/wolfman30/propchat-ingest/internal/notify"
	observemetrics "github.com/wolfman30/propchat-ingest/internal/observability/metrics"
	"github.com/wolfman30/propchat-ingest/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting propchat ingest API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx := context.Background()
	pool := connectPostgresPool(ctx, cfg.DatabaseURL, logger)
	if pool == nil {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	defer pool.Close()

	sqlDB, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open directory database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = sqlDB.Close() }()

	metricsHandler, metrics := setupIngestMetrics()

	phones := messaging.NewPhoneNormalizer(messaging.NewTrunkPrefixPolicy(cfg.PhoneCountryCode, cfg.PhoneNationalDigits))
	directory := conversation.NewDirectory(sqlDB)
	resolver := conversation.NewResolver(conversation.NewStore(pool), directory, phones, logger)

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}
	senderLock := ingest.NewSenderLock(redisClient, ingest.SenderLockConfig{TTL: cfg.SenderLockTTL}, logger)

	fanoutDeps := notify.FanoutDeps{
		Contacts: directory,
		InApp:    notify.NewInAppStore(pool),
		Phones:   phones,
		Metrics:  metrics,
		Logger:   logger,
	}
	relay, err := bootstrap.BuildRelaySender(cfg, logger)
	if err != nil {
		logger.Error("failed to configure relay client", "error", err)
		os.Exit(1)
	}
	if relay != nil {
		fanoutDeps.Relay = relay
	} else {
		logger.Warn("RELAY_URL not set; agent relay notifications disabled")
	}
	email, provider, err := bootstrap.BuildEmailSender(ctx, cfg, mainconfig.LoadAWSConfig, logger)
	if err != nil {
		logger.Error("failed to configure email transport", "error", err)
		os.Exit(1)
	}
	if email != nil {
		fanoutDeps.Email = email
		logger.Info("agent email transport configured", "provider", provider)
	}

	fanout := notify.NewFanout(notify.FanoutConfig{
		PublicBaseURL: cfg.PublicBaseURL,
		LinkPath:      cfg.NotificationLinkPath,
		Timeout:       cfg.NotificationTimeout,
	}, fanoutDeps)
	dispatcher := notify.NewDispatcher(fanout, logger)

	pipeline := ingest.NewPipeline(ingest.Deps{
		Dedup:      dedup.NewGuard(pool),
		Resolver:   resolver,
		Messages:   messaging.NewStore(pool),
		Dispatcher: dispatcher,
		Locker:     senderLock,
		Phones:     phones,
		Metrics:    metrics,
		Logger:     logger,
	})

	chatWebhook := handlers.NewChatWebhookHandler(handlers.ChatWebhookConfig{
		VerifyToken:  cfg.WebhookVerifyToken,
		AppSecret:    cfg.WebhookAppSecret,
		MaxBodyBytes: cfg.WebhookMaxBodySize,
		Processor:    pipeline,
		Metrics:      metrics,
		Logger:       logger,
	})
	if strings.TrimSpace(cfg.WebhookVerifyToken) == "" {
		logger.Warn("WEBHOOK_VERIFY_TOKEN not set; subscription handshakes will be refused")
	}

	// Setup router
	r := router.New(&router.Config{
		Logger:         logger,
		ChatWebhook:    chatWebhook,
		MetricsHandler: metricsHandler,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		logger.Warn("pending notifications abandoned", "error", err)
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

// connectPostgresPool returns nil when url is empty or the database is unreachable.
func connectPostgresPool(ctx context.Context, url string, logger *logging.Logger) *pgxpool.Pool {
	if strings.TrimSpace(url) == "" {
		return nil
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		logger.Error("failed to create postgres pool", "error", err)
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		logger.Error("postgres not reachable", "error", err)
		pool.Close()
		return nil
	}
	return pool
}

func setupIngestMetrics() (http.Handler, *observemetrics.IngestMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observemetrics.NewIngestMetrics(reg)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), metrics
}
