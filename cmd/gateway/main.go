package main

import (
	"context"
	"strings"
	"time"

	"github.com/decomontenegro/baas-platform-sub000/internal/analytics"
	"github.com/decomontenegro/baas-platform-sub000/internal/bots"
	"github.com/decomontenegro/baas-platform-sub000/internal/breaker"
	"github.com/decomontenegro/baas-platform-sub000/internal/credentials"
	"github.com/decomontenegro/baas-platform-sub000/internal/events"
	"github.com/decomontenegro/baas-platform-sub000/internal/gateway"
	"github.com/decomontenegro/baas-platform-sub000/internal/handlers"
	"github.com/decomontenegro/baas-platform-sub000/internal/notify"
	"github.com/decomontenegro/baas-platform-sub000/internal/ratelimit"
	"github.com/decomontenegro/baas-platform-sub000/internal/router"
	"github.com/decomontenegro/baas-platform-sub000/internal/supervisor"
	"github.com/decomontenegro/baas-platform-sub000/internal/usage"
	"github.com/decomontenegro/baas-platform-sub000/pkg/config"
	"github.com/decomontenegro/baas-platform-sub000/pkg/database"
	"github.com/decomontenegro/baas-platform-sub000/pkg/email"
	"github.com/decomontenegro/baas-platform-sub000/pkg/kafka"
	"github.com/decomontenegro/baas-platform-sub000/pkg/logging"
	"github.com/decomontenegro/baas-platform-sub000/pkg/monitoring"
	"github.com/decomontenegro/baas-platform-sub000/pkg/redis"
	"github.com/decomontenegro/baas-platform-sub000/pkg/server"
	"github.com/decomontenegro/baas-platform-sub000/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("llm-gateway")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting LLM Gateway")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Apply embedded DDL when requested (dev and first-boot convenience)
	if config.GetEnvBool("DATABASE_APPLY_SCHEMA", false) {
		if err := database.ApplySchema(ctx, db, logger); err != nil {
			logger.WithError(err).Fatal("Failed to apply database schema")
		}
	}

	// Domain configuration
	limits := config.LoadLimits()
	breakerCfg := config.LoadBreaker()
	supervisorCfg := config.LoadSupervisor()
	notificationCfg := config.LoadNotification()
	thresholds := config.LoadAlertThresholds()

	// Core services
	limiter := ratelimit.NewLimiter(db, logger, limits)
	circuits := breaker.NewBreaker(db, logger, breakerCfg)
	credentialPool := credentials.NewPool(db, logger)
	providerRouter := router.NewRouter(db, logger, circuits, limiter)
	tracker := usage.NewTracker(db, logger, thresholds)
	aggregator := analytics.NewAggregator(db, logger)

	// Rehydrate breaker state from persisted provider status
	if err := circuits.Rehydrate(ctx); err != nil {
		logger.WithError(err).Warn("Failed to rehydrate circuit breakers")
	}

	// Optional Redis event bus for live dashboards
	var bus *events.Bus
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		redisClient, err := redis.NewClientFromURL(ctx, redisURL)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, event fan-out disabled")
		} else {
			defer redisClient.Close()
			bus = events.NewBus(redisClient, logger)
			circuits.OnStateChange = func(providerID string, from, to breaker.State, reason string) {
				bus.PublishProviderState(providerID, string(from), string(to), reason)
			}
			tracker.SetEventSink(bus)
			logger.Info("Redis event bus connected")
		}
	}

	// Optional Kafka usage firehose
	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		producer, err := kafka.NewProducer(strings.Split(brokers, ","), "llm-gateway", logger)
		if err != nil {
			logger.WithError(err).Warn("Kafka unavailable, usage firehose disabled")
		} else {
			defer producer.Close()
			tracker.SetPublisher(kafka.NewUsageFirehose(producer, logger))
			logger.Info("Kafka usage firehose connected")
		}
	}

	// Notification pipeline
	emailSender := email.NewSender(email.Config{
		Host:     config.GetEnv("SMTP_HOST", ""),
		Port:     config.GetEnv("SMTP_PORT", "587"),
		User:     config.GetEnv("SMTP_USER", ""),
		Password: config.GetEnv("SMTP_PASSWORD", ""),
		From:     config.GetEnv("SMTP_FROM", "alerts@localhost"),
		FromName: config.GetEnv("SMTP_FROM_NAME", "LLM Gateway"),
	})
	pipeline := notify.NewPipeline(db, logger, notificationCfg,
		notify.NewEmailChannel(emailSender),
		notify.NewWhatsAppChannel(config.GetEnv("WHATSAPP_API_URL", ""), config.GetEnv("WHATSAPP_API_KEY", ""), logger),
		notify.NewWebhookChannel(logger),
	)
	tracker.SetNotifier(pipeline)

	// Supervisor loop
	checker := bots.NewChecker(db, logger)
	super := supervisor.New(db, logger, supervisorCfg, checker, pipeline)
	super.Start(ctx)
	defer super.Stop()

	// Gateway facade
	gw := gateway.NewGateway(logger, limiter, providerRouter, circuits, tracker, credentialPool)

	// Periodic cleanup of expired rate-limit windows
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed, err := limiter.CleanupExpired(ctx); err != nil {
					logger.WithError(err).Warn("Rate-limit cleanup failed")
				} else if removed > 0 {
					logger.WithField("removed", removed).Debug("Cleaned expired rate-limit windows")
				}
			}
		}
	}()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("llm-gateway", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("llm-gateway", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("environment", monitoring.EnvironmentHealthCheck(
		[]string{"DATABASE_URL", "JWT_SECRET", "SERVICE_TOKEN"},
		[]string{"REDIS_URL", "KAFKA_BROKERS", "SMTP_HOST"},
	))

	// Create custom gateway metrics
	metrics := &handlers.GatewayMetrics{
		CompletionRequests: metricsCollector.NewCounter("llm_completion_requests_total", "Completion requests by outcome", []string{"tenant_id", "provider", "status"}),
		CompletionLatency:  metricsCollector.NewHistogram("llm_completion_latency_seconds", "End-to-end completion latency", []string{"provider"}, nil),
		TokensProcessed:    metricsCollector.NewCounter("llm_tokens_processed_total", "Tokens processed", []string{"tenant_id", "model"}),
		AdminActions:       metricsCollector.NewCounter("llm_admin_actions_total", "Admin API actions", []string{"action"}),
	}
	metrics.DBQueries, metrics.DBDuration, metrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	// Initialize handlers
	handlers.Init(db, logger, metrics, handlers.Services{
		Gateway:     gw,
		Limiter:     limiter,
		Breaker:     circuits,
		Credentials: credentialPool,
		Tracker:     tracker,
		Supervisor:  super,
		Analytics:   aggregator,
		Events:      bus,
	})

	// Setup router with unified monitoring
	ginRouter := server.SetupServiceRouter(logger, "llm-gateway", healthChecker, metricsCollector)
	handlers.SetupRoutes(ginRouter, []byte(jwtSecret), serviceToken)

	serverConfig := server.DefaultConfig("llm-gateway", "18090")
	if err := server.Start(serverConfig, ginRouter, logger); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}

	// Drain async alert checks before exit
	tracker.Flush()
}
