package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"stella-platform/config"
	"stella-platform/internal/crm"
	"stella-platform/internal/database"
	"stella-platform/internal/gateway/handlers"
	"stella-platform/internal/gateway/middleware"
	"stella-platform/internal/payments"
	"stella-platform/internal/settlement"
	"stella-platform/pkg/logger"
	"stella-platform/pkg/shutdown"
)

func main() {
	cfg := config.LoadConfig()

	logg := logger.New(logger.Options{
		Service: "stella-platform",
		Env:     cfg.Server.Env,
		Level:   cfg.Server.LogLevel,
	})

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	redisClient, err := config.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	db, err := database.NewConnection(cfg.DB.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := database.MigrateStaffDB(db); err != nil {
		log.Fatalf("Failed to migrate staff tables: %v", err)
	}
	if err := database.MigrateLedgerDB(db); err != nil {
		log.Fatalf("Failed to migrate ledger tables: %v", err)
	}

	paymentGateway := payments.NewStripeGateway(cfg.Stripe.APIKey, cfg.Stripe.WebhookSecret)
	crmClient := crm.NewKlaviyoClient(cfg.Klaviyo.BaseURL, cfg.Klaviyo.APIKey)

	engine := settlement.NewEngine(db, redisClient, paymentGateway, crmClient, logg, settlement.EngineOptions{
		Currency:               cfg.Stripe.Currency,
		DefaultConsignmentRate: cfg.Storefront.DefaultConsignmentRate,
		NewPurchaserListID:     cfg.Klaviyo.NewPurchaserListID,
	})

	authHandler := handlers.NewAuthHandler(db, []byte(cfg.Auth.JWTSecret), logg)
	storeHandler := handlers.NewStoreHandler(db, logg)
	sellerHandler := handlers.NewSellerHandler(db, logg)
	productHandler := handlers.NewProductHandler(db, redisClient, logg)
	orderHandler := handlers.NewOrderHandler(db, engine, logg)
	customerHandler := handlers.NewCustomerHandler(db, logg)
	checkoutHandler := handlers.NewCheckoutHandler(
		db, paymentGateway, engine, logg,
		cfg.Stripe.Currency, cfg.Storefront.BaseURL,
	)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.CORS())
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// --- Public API Group ---
	public := r.Group("/api/v1")
	public.Use(middleware.RateLimit("60-M"))
	{
		auth := public.Group("/auth")
		{
			auth.POST("/login", authHandler.Login)
			auth.POST("/register", authHandler.Register)
		}

		public.POST("/checkout", checkoutHandler.CreateCheckout)
		public.POST("/checkout/verify", checkoutHandler.VerifySession)

		public.GET("/products", productHandler.ListProducts)
		public.GET("/products/:id", productHandler.GetProduct)
		public.POST("/products/:id/like", productHandler.LikeProduct)
		public.POST("/products/:id/click", productHandler.ClickProduct)
		public.GET("/categories", productHandler.ListCategories)
	}

	// The webhook carries its own authentication (the gateway signature)
	// and a burstier rate allowance than browser traffic.
	r.POST("/api/v1/webhook", middleware.RateLimit("300-M"), checkoutHandler.Webhook)

	// --- Protected API Group ---
	protected := r.Group("/api/v1")
	protected.Use(middleware.RateLimit("120-M"))
	protected.Use(middleware.JWTAuth([]byte(cfg.Auth.JWTSecret)))
	{
		protected.POST("/pos/checkout", checkoutHandler.TerminalCheckout)

		stores := protected.Group("/stores")
		{
			stores.POST("", storeHandler.CreateStore)
			stores.GET("", storeHandler.ListStores)
			stores.GET("/:id", storeHandler.GetStore)
			stores.PUT("/:id", storeHandler.UpdateStore)
		}

		sellers := protected.Group("/sellers")
		{
			sellers.POST("", sellerHandler.CreateSeller)
			sellers.GET("", sellerHandler.ListSellers)
			sellers.GET("/:id", sellerHandler.GetSeller)
			sellers.PUT("/:id", sellerHandler.UpdateSeller)
			sellers.DELETE("/:id", sellerHandler.ArchiveSeller)
			sellers.GET("/:id/payouts", sellerHandler.ListSellerPayouts)
		}

		products := protected.Group("/products")
		{
			products.POST("", productHandler.CreateProduct)
			products.PUT("/:id", productHandler.UpdateProduct)
			products.DELETE("/:id", productHandler.ArchiveProduct)
		}
		protected.POST("/categories", productHandler.CreateCategory)

		orders := protected.Group("/orders")
		{
			orders.GET("", orderHandler.ListOrders)
			orders.GET("/:id", orderHandler.GetOrder)
			orders.POST("/:id/dispatch", orderHandler.DispatchOrder)
			orders.POST("/:id/cancel", orderHandler.CancelOrder)
			orders.POST("/:id/payouts/retry", orderHandler.RetryPayouts)
		}

		customers := protected.Group("/customers")
		{
			customers.GET("", customerHandler.ListCustomers)
			customers.GET("/:id", customerHandler.GetCustomer)
			customers.GET("/:id/orders", customerHandler.ListCustomerOrders)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"message":   "Server is running",
			"timestamp": time.Now(),
		})
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logg.Info("starting server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logg.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Error("server shutdown failed", "error", err)
	}

	// Let in-flight buyer notifications finish before the process exits.
	engine.Wait()
	logg.Info("shutdown complete")
}
