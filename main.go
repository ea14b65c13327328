package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"listingwatch/config"
	"listingwatch/helpers"
	"listingwatch/internal/crashreport"
	"listingwatch/internal/listing"
	"listingwatch/internal/metrics"
	"listingwatch/internal/monitor"
	"listingwatch/internal/renderer"
	"listingwatch/internal/source"
	"listingwatch/internal/source/craigslist"
	"listingwatch/internal/storage"
	"listingwatch/logger"
	"listingwatch/services/cache"
	"listingwatch/services/publisher"
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

	log.Info().
		Str("environment", cfg.Environment).
		Dur("craigslist_interval", cfg.CraigslistInterval).
		Dur("backdate_horizon", cfg.BackdateHorizon).
		Msg("Starting application")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Initialize services
	services, err := initializeServices(ctx, &cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer services.Cleanup()

	// Metrics listener is optional
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", services.Metrics.Handler())
			log.Info().Str("addr", cfg.MetricsAddr).Msg("Serving metrics")
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("Metrics listener failed")
			}
		}()
	}

	registry := source.NewRegistry(craigslist.New(craigslist.Config{
		Interval: cfg.CraigslistInterval,
		Renderer: services.Renderer,
		CacheSvc: services.Cache,
	}))

	m := monitor.New(
		monitor.Config{
			BackdateHorizon: cfg.BackdateHorizon,
			PollLimit:       cfg.PollLimit,
		},
		registry,
		services.Store,
		services.Publisher,
		services.Reporter,
		services.Metrics,
	)
	m.Start()

	registered := registerConfiguredSearches(m, &cfg)
	if registered == 0 {
		log.Warn().Msg("No searches registered; set CRAIGSLIST_SEARCHES to site/category pairs")
	}
	log.Info().Int("search_count", registered).Msg("Registered searches")

	// Wait for shutdown signal
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	cancel()

	log.Info().Msg("Shutting down gracefully...")
	if err := m.Stop(cfg.ShutdownTimeout); err != nil {
		log.Warn().Err(err).Msg("Shutdown incomplete")
	}
}

// registerConfiguredSearches registers one search per configured
// site/category pair, with ids assigned in order.
func registerConfiguredSearches(m *monitor.Monitor, cfg *config.Config) int {
	registered := 0
	for i, pair := range cfg.CraigslistSearches {
		site, err := helpers.GetSplitPart(pair, "/", 0)
		if err != nil {
			logger.Error("Skipping malformed search %q: %v", pair, err)
			continue
		}
		category, err := helpers.GetSplitPart(pair, "/", 1)
		if err != nil {
			logger.Error("Skipping malformed search %q: %v", pair, err)
			continue
		}
		spec := listing.SearchSpec{
			ID:     int64(i + 1),
			Source: "craigslist",
			Params: map[string]string{
				"site":     site,
				"category": category,
			},
		}
		if err := m.Register(spec); err != nil {
			logger.Error("Failed to register search %q: %v", pair, err)
			continue
		}
		registered++
	}
	return registered
}

// Services holds all the initialized services
type Services struct {
	Cache     cache.CacheService
	Publisher publisher.Publisher
	Store     storage.Store
	Renderer  *renderer.Renderer
	Reporter  crashreport.Reporter
	Metrics   *metrics.Metrics

	pgStore *storage.PostgresStore
}

// Cleanup cleans up all services
func (s *Services) Cleanup() {
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.pgStore != nil {
		s.pgStore.Close()
	}
}

// initializeServices initializes all required services
func initializeServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	services := &Services{Metrics: metrics.New()}

	// Cache service holds rate-limit block keys
	services.Cache = cache.NewMemcacheService(cfg.MemcacheAddr)
	logger.Info("Connected to Memcache at %s", cfg.MemcacheAddr)

	// Publisher announces new listings downstream
	services.Publisher = publisher.NewRedisPublisher(
		ctx,
		cfg.RedisAddr,
		cfg.RedisDB,
		cfg.RedisStream,
		cfg.RedisStreamMaxLen,
	)
	logger.Info("Connected to Redis at %s (DB: %d, Stream: %s)",
		cfg.RedisAddr, cfg.RedisDB, cfg.RedisStream)

	// Listing store; in-memory unless a database is configured
	if cfg.PostgresDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		services.Store = pg
		services.pgStore = pg
		logger.Info("Connected to Postgres")
	} else {
		services.Store = storage.NewMemoryStore()
		logger.Warn("POSTGRES_DSN not set, listings are kept in memory")
	}

	// Render service client; plain HTTP fetching when not configured
	if cfg.BrowserlessAddr != "" {
		services.Renderer = renderer.New(renderer.Config{
			Addr:      cfg.BrowserlessAddr,
			PoolSize:  cfg.RenderPoolSize,
			Timeout:   cfg.RenderTimeout,
			SavePages: cfg.SaveScrapedPages,
			SaveDir:   cfg.ScrapedPagesDir,
		}, services.Cache, services.Metrics)
		logger.Info("Using render service at %s", cfg.BrowserlessAddr)
	}

	if cfg.SaveCrashReports {
		services.Reporter = crashreport.NewFileReporter(cfg.CrashReportsDir)
	} else {
		services.Reporter = crashreport.NopReporter{}
	}

	return services, nil
}
