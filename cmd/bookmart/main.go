package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fjod/go_bookmart/internal/cache"
	"github.com/fjod/go_bookmart/internal/config"
	"github.com/fjod/go_bookmart/internal/domain"
	h "github.com/fjod/go_bookmart/internal/http"
	"github.com/fjod/go_bookmart/internal/metrics"
	"github.com/fjod/go_bookmart/internal/publisher"
	"github.com/fjod/go_bookmart/internal/repository"
	"github.com/fjod/go_bookmart/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "storage", cfg.Storage, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var cartCache cache.CartCache = cache.NopCache{}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		})
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Error("redis connection failed", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		cartCache = cache.NewRedisCache(redisClient)
		logger.Info("redis cart cache enabled", "addr", cfg.RedisAddr)
	}

	m := metrics.NewCheckoutMetrics(prometheus.DefaultRegisterer)

	cartService := service.NewCartService(store, store, cartCache, logger)
	checkoutService := service.NewCheckoutService(store, cartCache, m, logger, service.CheckoutConfig{
		SettlementCurrency: cfg.SettlementCurrency,
		TxTimeout:          cfg.CheckoutTxTimeout,
	})
	orderService := service.NewOrderService(store, store)

	var wg sync.WaitGroup
	pollerCtx, pollerCancel := context.WithCancel(context.Background())
	var poller *publisher.OutboxPoller
	if len(cfg.KafkaBrokers) > 0 {
		poller = publisher.NewOutboxPoller(store, publisher.NewKafkaWriter(cfg.KafkaTopic, cfg.KafkaBrokers...), m, logger, cfg.OutboxPollInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(pollerCtx)
		}()
		logger.Info("outbox publisher started", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	router := h.NewRouter(
		h.RouterConfig{
			JWTSecret:          []byte(cfg.JWTSecret),
			RequestTimeout:     cfg.RequestTimeout,
			MaxRequestBodySize: cfg.MaxRequestBodySize,
		},
		h.NewCartHandler(cartService, cfg.RequestTimeout),
		h.NewCheckoutHandler(checkoutService, cfg.RequestTimeout),
		h.NewOrdersHandler(orderService, cfg.RequestTimeout),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("bookmart starting", "port", cfg.HTTPPort, "storage", cfg.Storage)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	pollerCancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("outbox publisher did not stop in time")
	}
	if poller != nil {
		if err := poller.Close(); err != nil {
			logger.Warn("failed to close kafka writer", "error", err)
		}
	}

	logger.Info("server exited")
}

func openStore(cfg *config.Config, logger *slog.Logger) (repository.Store, error) {
	if cfg.Storage == config.StorageMemory {
		store := repository.NewMemoryStore()
		if err := seedCatalog(store); err != nil {
			return nil, err
		}
		token, err := h.IssueToken([]byte(cfg.JWTSecret), 1, 24*time.Hour)
		if err != nil {
			return nil, err
		}
		logger.Info("in-memory store seeded with demo catalog", "demo_user_id", 1, "demo_token", token)
		return store, nil
	}

	creds := &repository.Credentials{
		Host:              cfg.DBHost,
		Port:              cfg.DBPort,
		User:              cfg.DBUser,
		Password:          cfg.DBPassword,
		DBName:            cfg.DBName,
		MigrationsDirPath: cfg.MigrationsPath,
	}

	repo, err := repository.NewRepository(creds)
	if err != nil {
		return nil, err
	}
	if err := repo.RunMigrations(creds); err != nil {
		repo.Close()
		return nil, err
	}
	logger.Info("database migrations completed")
	return repo, nil
}

func seedCatalog(store *repository.MemoryStore) error {
	books := []domain.Book{
		{Title: "Noli Me Tangere", Genre: "Classic", Price: decimal.RequireFromString("450.00"), StockQuantity: 10},
		{Title: "The Go Programming Language", Genre: "Programming", Price: decimal.RequireFromString("2150.00"), StockQuantity: 5},
		{Title: "Dune", Genre: "Science Fiction", Price: decimal.RequireFromString("599.00"), StockQuantity: 3},
		{Title: "Designing Data-Intensive Applications", Genre: "Programming", Price: decimal.RequireFromString("2800.00"), StockQuantity: 1},
	}
	for i := range books {
		if err := store.SaveBook(context.Background(), &books[i]); err != nil {
			return err
		}
	}
	return nil
}
