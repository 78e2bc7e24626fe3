package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Tinglum/tinglumgard-sub003/cache"
	"github.com/Tinglum/tinglumgard-sub003/checkout"
	"github.com/Tinglum/tinglumgard-sub003/config"
	"github.com/Tinglum/tinglumgard-sub003/database"
	"github.com/Tinglum/tinglumgard-sub003/engine"
	"github.com/Tinglum/tinglumgard-sub003/handlers"
	"github.com/Tinglum/tinglumgard-sub003/inventory"
	"github.com/Tinglum/tinglumgard-sub003/kafka"
	"github.com/Tinglum/tinglumgard-sub003/middleware"
	"github.com/Tinglum/tinglumgard-sub003/provider"
	"github.com/Tinglum/tinglumgard-sub003/reconcile"
	"github.com/Tinglum/tinglumgard-sub003/scheduler"
	"github.com/Tinglum/tinglumgard-sub003/store"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize database
	db, err := database.InitDB(logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Initialize Redis
	redisClient, err := cache.InitRedis(logger)
	if err != nil {
		logger.Fatal("Failed to initialize Redis", zap.Error(err))
	}
	defer redisClient.Close()

	// Initialize Kafka producer
	producer, err := kafka.InitProducer(logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	// Initialize OpenTelemetry
	shutdown, err := middleware.InitTracing("payment-engine")
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdown()

	// Stores and domain components
	orderStore := store.NewOrderStore(db)
	paymentStore := store.NewPaymentStore(db)
	inventoryStore := store.NewInventoryStore(db)

	providerClient := provider.NewClient(cfg.Provider, logger)
	publisher := kafka.NewPublisher(producer, logger)
	ledger := inventory.NewLedger(orderStore, inventoryStore, logger)
	stateMachine := engine.New(orderStore, paymentStore, ledger, publisher, logger)
	broker := checkout.NewBroker(orderStore, paymentStore, providerClient, cfg.DepositPercent, logger)
	poller := reconcile.NewPoller(paymentStore, stateMachine, providerClient, cfg.ReconcileTimeout, logger)

	// Start the at-risk/lock scheduler in background
	schedCtx, stopScheduler := context.WithCancel(context.Background())
	defer stopScheduler()
	sched := scheduler.New(orderStore, stateMachine, cfg.Schedules, cfg.SchedulerInterval, logger)
	go sched.Run(schedCtx)

	// Setup REST API with Gin
	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware("payment-engine"))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	// Health check endpoint
	router.GET("/health", handlers.HealthCheck)

	// Metrics endpoint
	router.GET("/metrics", middleware.PrometheusHandler())

	// Provider webhook (authenticated by shared secret, not customer JWT)
	webhookHandler := handlers.NewWebhookHandler(
		paymentStore, orderStore, stateMachine, providerClient,
		cfg.Provider.WebhookSecret, logger)
	router.POST("/payments/webhook", webhookHandler.Handle)

	// Customer/admin endpoints
	orderHandler := handlers.NewOrderHandler(orderStore, poller, stateMachine, redisClient, logger)
	checkoutHandler := handlers.NewCheckoutHandler(broker, logger)

	authed := router.Group("/", middleware.AuthMiddleware(cfg.JWTSecret))
	authed.GET("/orders", orderHandler.ListOrders)
	authed.GET("/orders/:id", orderHandler.GetOrder)
	authed.POST("/orders/:id/cancel", orderHandler.CancelOrder)
	authed.POST("/orders/:id/payments/:type", checkoutHandler.BeginPayment)

	// Start REST server
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start REST server", zap.Error(err))
		}
	}()

	logger.Info("Payment engine started", zap.String("addr", cfg.HTTPAddr))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stopScheduler()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
