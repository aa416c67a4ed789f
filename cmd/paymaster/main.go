package main

import (
	"context"
	"strings"

	"tradeworks/paymaster/internal/coffer"
	"tradeworks/paymaster/internal/handlers"
	"tradeworks/paymaster/internal/sextant"
	"tradeworks/paymaster/pkg/auth"
	"tradeworks/paymaster/pkg/config"
	"tradeworks/paymaster/pkg/database"
	"tradeworks/paymaster/pkg/kafka"
	"tradeworks/paymaster/pkg/logging"
	"tradeworks/paymaster/pkg/monitoring"
	"tradeworks/paymaster/pkg/server"
	"tradeworks/paymaster/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("paymaster")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Paymaster (Settlement API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	cofferURL := config.RequireEnv("COFFER_URL")
	cofferAPIKey := config.RequireEnv("COFFER_API_KEY")
	sextantURL := config.RequireEnv("SEXTANT_URL")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if config.GetEnvBool("DB_AUTO_MIGRATE", true) {
		if err := database.ApplySchema(db, logger); err != nil {
			logger.WithError(err).Fatal("Failed to apply database schema")
		}
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("paymaster", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("paymaster", version.Version, version.GitCommit)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"JWT_SECRET":   jwtSecret,
		"COFFER_URL":   cofferURL,
		"SEXTANT_URL":  sextantURL,
	}))
	healthChecker.AddCheck("coffer", monitoring.HTTPServiceHealthCheck("coffer", cofferURL+"/health"))
	healthChecker.AddCheck("sextant", monitoring.HTTPServiceHealthCheck("sextant", sextantURL+"/health"))

	// Create custom settlement metrics
	metrics := &handlers.PaymasterMetrics{
		PaymentsIssued:   metricsCollector.NewCounter("payments_issued_total", "Payment requests issued", []string{"currency", "reason"}),
		PaymentsSettled:  metricsCollector.NewCounter("payments_settled_total", "Payment requests settled", []string{"status", "source"}),
		CreditsApplied:   metricsCollector.NewCounter("credits_applied_total", "Credits moved through the ledger", []string{"reason"}),
		ReconcileCycles:  metricsCollector.NewCounter("reconcile_cycles_total", "Provider reconcile cycles", []string{"result"}),
		WebhookEvents:    metricsCollector.NewCounter("webhook_events_total", "Webhook events received", []string{"provider", "result"}),
		BalanceAnomalies: metricsCollector.NewCounter("balance_anomalies_total", "Ledger drift detections", []string{"kind"}),
	}

	// Create database metrics
	metrics.DBQueries, metrics.DBDuration, metrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	// Payment provider and rate oracle clients
	cofferClient := coffer.NewClient(coffer.Config{
		BaseURL:       cofferURL,
		APIKey:        cofferAPIKey,
		WebhookSecret: config.GetEnv("COFFER_WEBHOOK_SECRET", ""),
		Logger:        logger,
	})
	sextantClient := sextant.NewClient(sextant.Config{
		BaseURL: sextantURL,
		Logger:  logger,
	})

	// Kafka producer for settlement events; optional, events are skipped
	// when brokers are not configured
	var producer kafka.ProducerInterface
	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		clusterID := config.GetEnv("KAFKA_CLUSTER_ID", "local")
		kafkaProducer, err := kafka.NewKafkaProducer(strings.Split(brokers, ","), clusterID, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to create Kafka producer; settlement events disabled")
		} else {
			producer = kafkaProducer
			defer kafkaProducer.Close()
			healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(kafkaProducer.GetClient()))
		}
	}

	// Initialize handlers
	handlers.Init(db, logger, metrics, cofferClient, sextantClient, producer)

	// Initialize and start JobManager for background settlement tasks
	jobManager := handlers.NewJobManager(db, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	logger.Info("JobManager started - background settlement jobs active")

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "paymaster", healthChecker, metricsCollector)

	// API routes (root level - nginx adds /api/settlement/ prefix)
	{
		// Authentication required endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			// Payment endpoints
			protected.POST("/payment/issue", handlers.IssuePayment)
			protected.GET("/payment/status/:payment_id", handlers.GetPaymentStatus)
			protected.GET("/payment/subscribe/:payment_id", handlers.SubscribePaymentStatus)
			protected.GET("/payment/:payment_id", handlers.GetPayment)
			protected.GET("/payments", handlers.GetPayments)

			// Credit endpoints
			protected.GET("/credits/balance", handlers.GetBalance)
			protected.GET("/credits/history", handlers.GetCreditHistory)
			protected.POST("/credits/apply", handlers.ApplyCredits)

			// Profit-share fee endpoints
			protected.POST("/fees/quote", handlers.QuoteFee)
			protected.POST("/settlements/issue", handlers.IssueSettlement)
		}

		// Webhook endpoints (signature verified, no auth required)
		router.POST("/webhooks/coffer", handlers.HandleCofferWebhook)

		// Service-to-service endpoints
		serviceAPI := router.Group("/service")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/payments", handlers.ServiceIssuePayment)
			serviceAPI.GET("/payments/:payment_id", handlers.ServiceGetPayment)
			serviceAPI.GET("/payments/:payment_id/status", handlers.ServiceGetPaymentStatus)
			serviceAPI.POST("/payments/:payment_id/reconcile", handlers.ReconcilePayment)
			serviceAPI.GET("/credits/balance", handlers.ServiceGetBalance)
			serviceAPI.POST("/credits/apply", handlers.ServiceApplyCredits)
			serviceAPI.POST("/credits/debit", handlers.ServiceDebitCredits)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("paymaster", "18021")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
