package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shop-service/config"
	"shop-service/internal/api"
	"shop-service/internal/broker"
	"shop-service/internal/gateway"
	"shop-service/internal/models"
	"shop-service/internal/notify"
	"shop-service/internal/redisclient"
	"shop-service/internal/service"
	"shop-service/internal/store"
	"shop-service/internal/util"
	"shop-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting shop service")

	tp, err := util.InitTracer("shop-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	if err := db.Migrate(context.Background()); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	gateways := map[string]gateway.Gateway{
		models.GatewayPaystack: gateway.NewPaystack(
			cfg.Gateway.PaystackSecretKey, cfg.Gateway.PaystackBaseURL),
		models.GatewayFlutterwave: gateway.NewFlutterwave(
			cfg.Gateway.FlutterwaveSecret, cfg.Gateway.FlutterwaveHash, cfg.Gateway.FlutterwaveBaseURL),
	}

	notifier := notify.NewLogNotifier()

	discountService := service.NewDiscountService(db)
	cartService := service.NewCartService(db, redisClient)
	orderService := service.NewOrderService(db, cartService, eventPublisher)
	paymentService := service.NewPaymentService(db, gateways, eventPublisher, orderService, notifier,
		cfg.Gateway.Currency, cfg.Gateway.PaymentCallbackURL)
	couponService := service.NewCouponService(db, discountService, paymentService)
	returnService := service.NewReturnService(db, paymentService,
		cfg.Business.ReturnWindowDays, cfg.Business.RefundPercentage)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	settlementConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments, cfg.Kafka.ConsumerGroup)
	settlementWorker := worker.NewSettlementWorker(settlementConsumer, paymentService, notifier)
	go func() {
		if err := settlementWorker.Start(workerCtx); err != nil {
			log.Printf("Settlement worker error: %v", err)
		}
	}()

	sweepWorker := worker.NewSweepWorker(orderService,
		time.Duration(cfg.Business.SweepIntervalSeconds)*time.Second,
		time.Duration(cfg.Business.UnpaidOrderTTLMin)*time.Minute)
	go func() {
		if err := sweepWorker.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Sweep worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(db, discountService, cartService, orderService, couponService, paymentService, returnService)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	settlementWorker.Stop()

	log.Println("Server exited")
}
