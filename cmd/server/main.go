package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"

	"github.com/Djerareou/afrisense-backend/internal/database"
	"github.com/Djerareou/afrisense-backend/internal/events"
	"github.com/Djerareou/afrisense-backend/internal/gateway"
	"github.com/Djerareou/afrisense-backend/internal/handlers"
	mW "github.com/Djerareou/afrisense-backend/internal/middleware"
	"github.com/Djerareou/afrisense-backend/internal/scheduler"
	"github.com/Djerareou/afrisense-backend/internal/services"
)

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	viper.BindEnv("flutterwave.secret_key", "FLUTTERWAVE_SECRET_KEY")
	viper.BindEnv("flutterwave.webhook_secret", "FLUTTERWAVE_WEBHOOK_SECRET")
	viper.BindEnv("flutterwave.base_url", "FLUTTERWAVE_BASE_URL")
	viper.BindEnv("flutterwave.return_url", "FLUTTERWAVE_RETURN_URL")

	viper.BindEnv("billing.retry_limit", "BILLING_RETRY_LIMIT")
	viper.BindEnv("billing.charge_hour", "BILLING_CHARGE_HOUR")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize infrastructure
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Initialize services
	bus := events.NewInMemoryBus()
	gwConfig := gateway.GetConfig()
	gwClient := gateway.NewFlutterwaveClient(gwConfig)

	walletService := services.NewWalletService(db, bus)
	userDirectory := services.NewSQLUserDirectory(db)
	paymentService := services.NewPaymentService(db, walletService, userDirectory, gwClient, gwConfig, bus)
	subscriptionService := services.NewSubscriptionService(db, walletService, redisClient, bus)

	// Reactive side effects stay behind the bus so they can never block or
	// roll back a committed monetary mutation.
	services.NewAutoTopup(paymentService, subscriptionService).Register(bus)

	walletHandler := handlers.NewWalletHandler(walletService)
	paymentHandler := handlers.NewPaymentHandler(paymentService)
	subscriptionHandler := handlers.NewSubscriptionHandler(subscriptionService)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints
		r.Get("/subscriptions/plans", subscriptionHandler.ListPlans)
		r.Post("/payments/flutterwave/webhook", paymentHandler.Webhook)

		// Protected endpoints
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/wallet/balance", walletHandler.GetBalance)
			r.Post("/wallet/credit", walletHandler.Credit)
			r.Post("/wallet/debit", walletHandler.Debit)
			r.Post("/wallet/freeze", walletHandler.Freeze)

			r.Post("/payments/init", paymentHandler.InitPayment)
			r.Get("/payments/verify", paymentHandler.Verify)
			r.Post("/payments/simulate", paymentHandler.Simulate)

			r.Post("/subscriptions/subscribe", subscriptionHandler.Subscribe)
			r.Post("/subscriptions/prepay", subscriptionHandler.Prepay)
			r.Post("/subscriptions/reactivate", subscriptionHandler.Reactivate)

			r.Post("/admin/billing/run", subscriptionHandler.RunBilling)
		})
	})

	// Start the daily billing scheduler
	schedulerCtx, stopScheduler := context.WithCancel(context.Background())
	defer stopScheduler()
	go scheduler.NewDailyCharge(subscriptionService).Start(schedulerCtx)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopScheduler()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
