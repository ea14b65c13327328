package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents the application configuration
type Config struct {
	// Redis configuration
	RedisAddr         string
	RedisDB           int
	RedisStream       string
	RedisStreamMaxLen int

	// Memcache configuration
	MemcacheAddr string

	// Postgres configuration; when empty the in-memory listing store is used
	PostgresDSN string

	// Render service (browserless) configuration; when empty sources are
	// fetched with plain HTTP
	BrowserlessAddr string
	RenderPoolSize  int
	RenderTimeout   time.Duration

	// Metrics listener address; empty disables the listener
	MetricsAddr string

	// Monitor configuration
	BackdateHorizon time.Duration
	PollLimit       int
	ShutdownTimeout time.Duration

	// Craigslist adapter configuration
	CraigslistInterval time.Duration
	// Searches to register at startup, "site/category" pairs
	CraigslistSearches []string

	// Diagnostics
	SaveScrapedPages bool
	ScrapedPagesDir  string
	SaveCrashReports bool
	CrashReportsDir  string

	// Environment
	Environment string
}

// LoadConfig loads the configuration from environment variables with defaults
func LoadConfig() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	redisStreamMaxLen, _ := strconv.Atoi(getEnv("REDIS_STREAM_MAXLEN", "500"))
	renderPoolSize, _ := strconv.Atoi(getEnv("RENDER_POOL_SIZE", "2"))
	renderTimeout, _ := strconv.Atoi(getEnv("RENDER_TIMEOUT_SECONDS", "60"))
	backdateHours, _ := strconv.Atoi(getEnv("BACKDATE_HOURS", "6"))
	pollLimit, _ := strconv.Atoi(getEnv("POLL_LISTING_LIMIT", "0"))
	shutdownTimeout, _ := strconv.Atoi(getEnv("SHUTDOWN_TIMEOUT_SECONDS", "30"))
	craigslistInterval, _ := strconv.Atoi(getEnv("CRAIGSLIST_POLL_INTERVAL_SECONDS", "600"))
	savePages, _ := strconv.ParseBool(getEnv("SAVE_SCRAPED_PAGES", "false"))
	saveCrashReports, _ := strconv.ParseBool(getEnv("SAVE_CRASH_REPORTS", "true"))

	var searches []string
	if raw := os.Getenv("CRAIGSLIST_SEARCHES"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				searches = append(searches, s)
			}
		}
	}

	return Config{
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:            redisDB,
		RedisStream:        getEnv("REDIS_STREAM", "listings"),
		RedisStreamMaxLen:  redisStreamMaxLen,
		MemcacheAddr:       getEnv("MEMCACHE_ADDR", "localhost:11211"),
		PostgresDSN:        getEnv("POSTGRES_DSN", ""),
		BrowserlessAddr:    getEnv("BROWSERLESS_ADDR", "http://localhost:3000"),
		RenderPoolSize:     renderPoolSize,
		RenderTimeout:      time.Duration(renderTimeout) * time.Second,
		MetricsAddr:        getEnv("METRICS_ADDR", ""),
		BackdateHorizon:    time.Duration(backdateHours) * time.Hour,
		PollLimit:          pollLimit,
		ShutdownTimeout:    time.Duration(shutdownTimeout) * time.Second,
		CraigslistInterval: time.Duration(craigslistInterval) * time.Second,
		CraigslistSearches: searches,
		SaveScrapedPages:   savePages,
		ScrapedPagesDir:    getEnv("SCRAPED_PAGES_DIR", "logs"),
		SaveCrashReports:   saveCrashReports,
		CrashReportsDir:    getEnv("CRASH_REPORTS_DIR", "logs"),
		Environment:        getEnv("LISTINGWATCH_ENVIRONMENT", "development"),
	}
}

// Validate checks the configuration for values the monitor cannot run with
func (c *Config) Validate() error {
	if c.BackdateHorizon <= 0 {
		return fmt.Errorf("backdate horizon must be positive, got %s", c.BackdateHorizon)
	}
	if c.CraigslistInterval <= 0 {
		return fmt.Errorf("craigslist poll interval must be positive, got %s", c.CraigslistInterval)
	}
	if c.RenderPoolSize <= 0 {
		return fmt.Errorf("render pool size must be positive, got %d", c.RenderPoolSize)
	}
	if c.PollLimit < 0 {
		return fmt.Errorf("poll listing limit must not be negative, got %d", c.PollLimit)
	}
	for _, s := range c.CraigslistSearches {
		if strings.Count(s, "/") != 1 {
			return fmt.Errorf("craigslist search %q is not a site/category pair", s)
		}
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
