package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"sjsage522/pricetracker/config"
	"sjsage522/pricetracker/helpers"
	"sjsage522/pricetracker/internal/catalog"
	"sjsage522/pricetracker/internal/clock"
	"sjsage522/pricetracker/internal/fetcher"
	"sjsage522/pricetracker/internal/metrics"
	"sjsage522/pricetracker/internal/queue"
	"sjsage522/pricetracker/internal/ratelimit"
	"sjsage522/pricetracker/internal/retry"
	"sjsage522/pricetracker/internal/scanner"
	"sjsage522/pricetracker/internal/store"
	"sjsage522/pricetracker/internal/tracker"
	"sjsage522/pricetracker/logger"
	"sjsage522/pricetracker/services/cache"
	"sjsage522/pricetracker/services/opsserver"
	"sjsage522/pricetracker/services/publisher"
	"sjsage522/pricetracker/services/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

func main() {
	// Load environment variables
	godotenv.Load()

	// Initialize logger first
	logger.Init()
	log := logger.Default

	// Load and validate configuration
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	helpers.SetTimeout(cfg.RequestTimeout)

	log.Info().
		Str("environment", cfg.Environment).
		Strs("supermarkets", cfg.Supermarkets).
		Float64("batch_fraction", cfg.BatchFraction).
		Dur("batch_window", cfg.BatchWindow).
		Dur("batch_interval", cfg.BatchInterval).
		Dur("refresh_interval", cfg.RefreshInterval).
		Int("concurrency", cfg.Concurrency).
		Msg("Starting application")

	// Cancel on SIGINT / SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize services
	services, err := initializeServices(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer services.Cleanup()

	app, err := buildApp(cfg, services)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build tracker")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		app.Scheduler.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := app.Ops.Run(ctx, cfg.OpsAddr); err != nil {
			log.Error().Err(err).Msg("Ops server exited with error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down gracefully...")
	wg.Wait()
}

// Services holds the connections shared by the engine
type Services struct {
	DB        *gorm.DB
	Cache     cache.CacheService
	Publisher publisher.Publisher
}

// Cleanup closes every connection
func (s *Services) Cleanup() {
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.DB != nil {
		if sqlDB, err := s.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
}

// initializeServices opens the store and the cache and publisher connections
func initializeServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	services := &Services{}

	db, err := store.Open(cfg.DatabaseType, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		return nil, err
	}
	services.DB = db
	logger.Info("Connected to %s database", cfg.DatabaseType)

	services.Cache = cache.New(cfg.MemcacheAddr)
	if cfg.MemcacheAddr != "" {
		logger.Info("Connected to Memcache at %s", cfg.MemcacheAddr)
	}

	services.Publisher = publisher.NopPublisher{}
	if cfg.PublisherEnabled {
		redisPublisher := publisher.NewRedisPublisher(
			cfg.RedisAddr,
			cfg.RedisDB,
			cfg.RedisStream,
			cfg.RedisStreamMaxLength,
		)
		if err := redisPublisher.Ping(ctx); err != nil {
			logger.Warn("Redis at %s is not reachable yet: %v", cfg.RedisAddr, err)
		}
		services.Publisher = redisPublisher
		logger.Info("Publishing price changes to Redis at %s (DB: %d, Stream: %s)",
			cfg.RedisAddr, cfg.RedisDB, cfg.RedisStream)
	}

	return services, nil
}

// App is the wired engine
type App struct {
	Tracker   *tracker.Tracker
	Scheduler *scheduler.Scheduler
	Ops       *opsserver.Server
}

func buildApp(cfg *config.Config, services *Services) (*App, error) {
	policy := retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}

	fetchers, err := fetcher.CreateFetchers(cfg, services.Cache, policy)
	if err != nil {
		return nil, err
	}

	clk := clock.System()
	m := metrics.Default()
	q := queue.New(services.DB)

	scan := scanner.New(scanner.Config{
		BatchFraction:      cfg.BatchFraction,
		RevisitInterval:    cfg.RevisitInterval,
		FailureBackoffBase: cfg.FailureBackoffBase,
		FailureBackoffMax:  cfg.FailureBackoffMax,
		StaleTimeout:       cfg.StaleTimeout,
	}, scanner.Deps{
		DB:    services.DB,
		Queue: q,
		Limiter: ratelimit.New(ratelimit.Config{
			Concurrency: cfg.Concurrency,
			Window:      cfg.BatchWindow,
			Jitter:      0.2,
		}),
		Retry:     policy,
		Clock:     clk,
		Publisher: services.Publisher,
		Metrics:   m,
	})

	tr := tracker.New(services.DB, fetchers, catalog.NewRefresher(services.DB, clk, policy, m), scan, q, clk, m)

	sched := scheduler.New(tr, services.Publisher, clk, scheduler.Config{
		RefreshInterval: cfg.RefreshInterval,
		BatchInterval:   cfg.BatchInterval,
		StaleTimeout:    cfg.StaleTimeout,
	})

	sqlDB, err := services.DB.DB()
	if err != nil {
		return nil, err
	}

	return &App{
		Tracker:   tr,
		Scheduler: sched,
		Ops:       opsserver.New(tr, sqlDB, nil),
	}, nil
}
