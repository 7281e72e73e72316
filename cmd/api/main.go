package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/joho/godotenv"

	"github.com/wolfman30/dispatch-engine/cmd/mainconfig"
	"github.com/wolfman30/dispatch-engine/internal/api/router"
	appconfig "github.com/wolfman30/dispatch-engine/internal/config"
	"github.com/wolfman30/dispatch-engine/internal/dispatch"
	"github.com/wolfman30/dispatch-engine/internal/escalation"
	"github.com/wolfman30/dispatch-engine/internal/http/handlers"
	"github.com/wolfman30/dispatch-engine/internal/policy"
	"github.com/wolfman30/dispatch-engine/internal/voice"
	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

type policyBackend interface {
	policy.Source
	Set(ctx context.Context, p *policy.Policy) error
}

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting dispatch engine API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsHandler, dispatchMetrics := setupMetrics()

	var awsCfg *aws.Config
	if cfg.TranscriptBucket != "" || cfg.EmailProvider == "ses" || cfg.EventTransport == "sqs" {
		loaded, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
		} else {
			awsCfg = &loaded
		}
	}

	// Persistence
	pool := connectPostgresPool(ctx, cfg.DatabaseURL, logger)
	if cfg.UseMemoryStore && pool != nil {
		pool.Close()
		pool = nil
	}
	store, eventLog, pending := setupStores(cfg, pool, dispatchMetrics, logger)

	rdb := connectRedis(ctx, cfg, logger)
	var policies policyBackend = policy.NewStaticSource()
	if rdb != nil {
		policies = policy.NewStore(rdb)
	}

	// Collaborators
	notifier := setupNotifier(cfg, awsCfg, dispatchMetrics, logger)
	engineCfg := dispatch.Config{
		Store:     store,
		Policies:  policies,
		Calendars: setupCalendars(ctx, cfg, logger),
		Scorer:    setupProximity(cfg, rdb, logger),
		Events:    eventLog,
		Notifier:  notifier,
		Metrics:   dispatchMetrics,
		Logger:    logger,
	}
	if archiveStore := setupArchive(cfg, awsCfg, logger); archiveStore != nil {
		engineCfg.Archive = archiveStore
	}

	var escalationQueue handlers.EscalationQueue
	escalationDB := openEscalationDB(cfg.DatabaseURL, logger)
	if pool != nil && escalationDB != nil {
		escalations := escalation.NewService(escalationDB, notifier, logger).
			WithMetrics(dispatchMetrics).
			WithSLAHours(cfg.EscalationSLA)
		engineCfg.Escalations = escalations
		escalationQueue = escalations
	} else {
		logger.Warn("escalation store disabled; escalations are logged only")
	}

	engine, err := dispatch.NewEngine(engineCfg)
	if err != nil {
		logger.Error("failed to build dispatch engine", "error", err)
		os.Exit(1)
	}

	deliverer, closeEvents := setupEventDelivery(cfg, awsCfg, pending, logger)
	if deliverer != nil {
		go deliverer.Start(ctx)
		logger.Info("event fan-out enabled", "transport", cfg.EventTransport)
	}

	// Setup router
	r := router.New(&router.Config{
		Logger:           logger,
		Voice:            voice.NewHandler(engine, policies, logger),
		Operator:         handlers.NewOperatorHandler(escalationQueue, policies, engine, logger),
		AgentJWTSecret:   cfg.AgentJWTSecret,
		AgentStaticToken: cfg.AgentStaticToken,
		AdminAuthSecret:  cfg.AdminJWTSecret,
		RateLimitRPS:     cfg.RateLimitRPS,
		RateLimitBurst:   cfg.RateLimitBurst,
		MetricsHandler:   metricsHandler,
		Ready: func(ctx context.Context) error {
			if pool != nil {
				if err := pool.Ping(ctx); err != nil {
					return err
				}
			}
			if rdb != nil {
				return rdb.Ping(ctx).Err()
			}
			return nil
		},
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	engine.Wait()
	closeEvents()
	if escalationDB != nil {
		_ = escalationDB.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if pool != nil {
		pool.Close()
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}
