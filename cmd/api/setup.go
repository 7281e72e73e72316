package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/dispatch-engine/cmd/mainconfig"
	"github.com/wolfman30/dispatch-engine/internal/archive"
	"github.com/wolfman30/dispatch-engine/internal/bookings"
	"github.com/wolfman30/dispatch-engine/internal/boulevard"
	"github.com/wolfman30/dispatch-engine/internal/calendar"
	appconfig "github.com/wolfman30/dispatch-engine/internal/config"
	"github.com/wolfman30/dispatch-engine/internal/events"
	"github.com/wolfman30/dispatch-engine/internal/notify"
	"github.com/wolfman30/dispatch-engine/internal/observability/metrics"
	"github.com/wolfman30/dispatch-engine/internal/proximity"
	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

// setupMetrics builds a dedicated registry so tests can create it more
// than once.
func setupMetrics() (http.Handler, *metrics.DispatchMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewDispatchMetrics(reg)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), m
}

// connectPostgresPool returns nil when no URL is configured or the database
// is unreachable; the caller then runs on in-memory stores.
func connectPostgresPool(ctx context.Context, databaseURL string, logger *logging.Logger) *pgxpool.Pool {
	if strings.TrimSpace(databaseURL) == "" {
		return nil
	}
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		logger.Error("invalid DATABASE_URL", "error", err)
		return nil
	}
	poolCfg.MaxConns = 20
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(pingCtx, poolCfg)
	if err != nil {
		logger.Error("failed to create postgres pool", "error", err)
		return nil
	}
	if err := pool.Ping(pingCtx); err != nil {
		logger.Error("failed to ping postgres", "error", err)
		pool.Close()
		return nil
	}
	return pool
}

// openEscalationDB opens the database/sql handle the escalation service
// uses, through lib/pq.
func openEscalationDB(databaseURL string, logger *logging.Logger) *sql.DB {
	if strings.TrimSpace(databaseURL) == "" {
		return nil
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		logger.Error("failed to open escalation db", "error", err)
		return nil
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db
}

func connectRedis(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) *redis.Client {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, using in-process policy defaults", "addr", cfg.RedisAddr, "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// setupStores picks Postgres when a pool is available and in-memory stores
// otherwise.
func setupStores(cfg *appconfig.Config, pool *pgxpool.Pool, m *metrics.DispatchMetrics, logger *logging.Logger) (bookings.Store, events.Log, events.PendingStore) {
	if cfg.UseMemoryStore || pool == nil {
		logger.Warn("using in-memory booking store; data is lost on restart")
		log := events.NewMemoryLog()
		return bookings.NewMemoryStore(), log, log
	}
	repo := bookings.NewRepository(pool).
		WithMaxRetries(cfg.AssignmentMaxRetries).
		OnRetry(func(err error) {
			m.ObserveTxRetry()
			logger.Warn("assignment transaction retried", "error", err)
		})
	outbox := events.NewOutboxStore(pool)
	return repo, outbox, outbox
}

func setupProximity(cfg *appconfig.Config, rdb *redis.Client, logger *logging.Logger) *proximity.Scorer {
	if cfg.GoogleMapsAPIKey == "" {
		return proximity.NewScorer(nil, nil, logger).WithFallbackSpeed(cfg.FallbackSpeedKmh)
	}
	maps := proximity.NewGoogleMaps(cfg.GoogleMapsAPIKey, &http.Client{Timeout: cfg.ProximityTimeout})
	var geocoder proximity.Geocoder = maps
	if rdb != nil {
		geocoder = proximity.NewCachedGeocoder(maps, rdb, cfg.GeocodeTTL, logger)
	}
	return proximity.NewScorer(geocoder, maps, logger).
		WithFallbackSpeed(cfg.FallbackSpeedKmh).
		WithTimeout(cfg.ProximityTimeout)
}

// setupCalendars registers every provider that has credentials. The
// internal grid is always present.
func setupCalendars(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) *calendar.Registry {
	registry := calendar.NewRegistry()

	if cfg.BoulevardAPIKey != "" {
		client := boulevard.NewBoulevardClient(cfg.BoulevardAPIKey, logger)
		registry.Register(calendar.KindBoulevard, boulevard.NewBoulevardAdapter(client, cfg.BoulevardServiceID, logger))
		logger.Info("boulevard calendar provider enabled")
	}

	if cfg.GoogleCalendarCredentials != "" {
		ids, err := parseCalendarIDs(cfg.GoogleCalendarIDsJSON)
		if err != nil {
			logger.Error("invalid GOOGLE_CALENDAR_IDS_JSON", "error", err)
		}
		provider, err := calendar.NewGoogleProvider(ctx, cfg.GoogleCalendarCredentials, ids, logger)
		if err != nil {
			logger.Error("google calendar provider disabled", "error", err)
		} else {
			registry.Register(calendar.KindGoogle, provider)
			logger.Info("google calendar provider enabled", "calendars", len(ids))
		}
	}
	return registry
}

// parseCalendarIDs reads a {"business_id": "calendar_id"} map.
func parseCalendarIDs(raw string) (map[string]string, error) {
	ids := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return ids, nil
	}
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return map[string]string{}, fmt.Errorf("parse calendar ids: %w", err)
	}
	return ids, nil
}

func setupNotifier(cfg *appconfig.Config, awsCfg *aws.Config, m *metrics.DispatchMetrics, logger *logging.Logger) *notify.Service {
	var sms notify.SMSSender
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" && cfg.TwilioFromNumber != "" {
		sms = notify.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, logger)
	} else {
		logger.Warn("twilio not configured; SMS notifications are logged only")
		sms = notify.NewStubSMSSender(logger)
	}

	var email notify.EmailSender
	switch cfg.EmailProvider {
	case "ses":
		if awsCfg != nil && cfg.SESFromEmail != "" {
			email = notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{
				FromEmail: cfg.SESFromEmail,
				FromName:  cfg.SendGridFromName,
			}, logger)
		}
	default:
		if sender := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger); sender != nil {
			email = sender
		}
	}
	if email == nil {
		logger.Warn("email provider not configured; emails are logged only", "provider", cfg.EmailProvider)
		email = notify.NewStubEmailSender(logger)
	}

	return notify.NewService(email, sms, logger).
		WithMetrics(m).
		WithOperatorFallback(cfg.OperatorPhone, cfg.OperatorEmail)
}

func setupArchive(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) *archive.Store {
	if awsCfg == nil || cfg.TranscriptBucket == "" {
		return nil
	}
	return archive.NewStore(mainconfig.S3Client(*awsCfg, cfg), cfg.TranscriptBucket, logger)
}

// setupEventDelivery returns the outbox deliverer for the configured
// transport and a cleanup func, or nil when fan-out is disabled.
func setupEventDelivery(cfg *appconfig.Config, awsCfg *aws.Config, pending events.PendingStore, logger *logging.Logger) (*events.Deliverer, func()) {
	noop := func() {}
	switch cfg.EventTransport {
	case "sqs":
		if awsCfg == nil || cfg.EventQueueURL == "" {
			logger.Error("EVENT_TRANSPORT=sqs needs AWS config and EVENT_QUEUE_URL")
			return nil, noop
		}
		publisher := events.NewSQSPublisher(sqs.NewFromConfig(*awsCfg), cfg.EventQueueURL)
		return newDeliverer(cfg, pending, publisher, logger), noop
	case "nats":
		publisher, err := events.DialNATS(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			logger.Error("nats unavailable; events stay in the outbox", "error", err)
			return nil, noop
		}
		return newDeliverer(cfg, pending, publisher, logger), publisher.Close
	default:
		return nil, noop
	}
}

func newDeliverer(cfg *appconfig.Config, pending events.PendingStore, handler events.DeliveryHandler, logger *logging.Logger) *events.Deliverer {
	return events.NewDeliverer(pending, handler, logger).
		WithBatchSize(int32(cfg.EventBatchSize)).
		WithInterval(cfg.EventPollEvery)
}
