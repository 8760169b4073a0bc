package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"sjsage522/pricetracker/internal/ratelimit"
	apperrors "sjsage522/pricetracker/pkg/errors"
)

// Config represents the application configuration
type Config struct {
	// Database configuration
	DatabaseType string
	DatabaseDSN  string

	// Redis configuration (price change stream)
	PublisherEnabled     bool
	RedisAddr            string
	RedisDB              int
	RedisStream          string
	RedisStreamMaxLength int

	// Memcache configuration (rate limit blocks)
	MemcacheAddr string

	// Ops HTTP server
	OpsAddr string

	// Supermarkets to track
	Supermarkets []string

	// Scraping configuration
	BatchFraction      float64
	BatchWindow        time.Duration
	Concurrency        int
	RetryMaxAttempts   int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	RequestTimeout     time.Duration
	BlockTime          time.Duration
	RefreshInterval    time.Duration
	BatchInterval      time.Duration
	RevisitInterval    time.Duration
	FailureBackoffBase time.Duration
	FailureBackoffMax  time.Duration
	StaleTimeout       time.Duration

	// URLs for the built-in supermarkets
	MercadonaSitemapURL string
	MercadonaAPIURL     string
	BonpreuSitemapURL   string
	BonpreuAPIURL       string

	// Supermarkets scraped from their product pages with CSS selectors
	HTMLSupermarkets []HTMLSupermarket

	// Environment
	Environment string
}

// HTMLSupermarket describes a supermarket without a product API. It is read
// from variables prefixed with the upper-cased name, e.g. CAPRABO_SITEMAP_URL
// and CAPRABO_SELECTOR_PRICE.
type HTMLSupermarket struct {
	Name           string
	SitemapURL     string
	ProductPattern string
	Currency       string
	Selectors      HTMLSelectors
}

// HTMLSelectors are the CSS selectors of a product page
type HTMLSelectors struct {
	Name          string
	Brand         string
	Category      string
	Price         string
	PriceAttr     string
	Currency      string
	UnitPrice     string
	UnitPriceUnit string
	OutOfStock    string
}

// LoadConfig loads the configuration from environment variables with defaults
func LoadConfig() *Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	streamMaxLength, _ := strconv.Atoi(getEnv("REDIS_STREAM_MAX_LENGTH", "10000"))
	concurrency, _ := strconv.Atoi(getEnv("CONCURRENT_REQUESTS", "15"))
	maxAttempts, _ := strconv.Atoi(getEnv("RETRY_MAX_ATTEMPTS", "3"))

	batchWindow := getDuration("BATCH_WINDOW", 10*time.Minute)
	batchInterval := getDuration("BATCH_INTERVAL", 30*time.Minute)
	retryMaxDelay := getDuration("RETRY_MAX_DELAY", time.Minute)
	requestTimeout := getDuration("REQUEST_TIMEOUT", 30*time.Second)
	minStale := minStaleTimeout(batchWindow, maxAttempts, retryMaxDelay, requestTimeout)

	return &Config{
		DatabaseType:         getEnv("DB_TYPE", "sqlite"),
		DatabaseDSN:          getEnv("DB_DSN", "pricetracker.db"),
		PublisherEnabled:     getEnv("PUBLISHER_ENABLED", "false") == "true",
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:              redisDB,
		RedisStream:          getEnv("REDIS_STREAM", "price_changes"),
		RedisStreamMaxLength: streamMaxLength,
		MemcacheAddr:         getEnv("MEMCACHE_ADDR", ""),
		OpsAddr:              getEnv("OPS_ADDR", ":8080"),
		Supermarkets:         splitList(getEnv("SUPERMARKETS", "mercadona,bonpreu")),
		BatchFraction:        getFraction("BATCH_FRACTION", 1.0/48),
		BatchWindow:          batchWindow,
		Concurrency:          concurrency,
		RetryMaxAttempts:     maxAttempts,
		RetryBaseDelay:       getDuration("RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:        retryMaxDelay,
		RequestTimeout:       requestTimeout,
		BlockTime:            getDuration("RATE_LIMIT_BLOCK_TIME", 5*time.Minute),
		RefreshInterval:      getDuration("REFRESH_INTERVAL", 24*time.Hour),
		BatchInterval:        batchInterval,
		RevisitInterval:      getDuration("REVISIT_INTERVAL", batchInterval),
		FailureBackoffBase:   getDuration("FAILURE_BACKOFF_BASE", 15*time.Minute),
		FailureBackoffMax:    getDuration("FAILURE_BACKOFF_MAX", 12*time.Hour),
		StaleTimeout:         getDuration("STALE_TIMEOUT", minStale+batchWindow),
		MercadonaSitemapURL:  getEnv("MERCADONA_SITEMAP_URL", "https://tienda.mercadona.es/sitemap.xml"),
		MercadonaAPIURL:      getEnv("MERCADONA_API_URL", "https://tienda.mercadona.es/api/products"),
		BonpreuSitemapURL:    getEnv("BONPREU_SITEMAP_URL", "https://www.compraonline.bonpreuesclat.cat/sitemaps/sitemap-products-part1.xml"),
		BonpreuAPIURL:        getEnv("BONPREU_API_URL", "https://www.compraonline.bonpreuesclat.cat/api/webproductpagews/v5/products/bop"),
		HTMLSupermarkets:     loadHTMLSupermarkets(splitList(getEnv("HTML_SUPERMARKETS", ""))),
		Environment:          getEnv("PRICETRACKER_ENVIRONMENT", "development"),
	}
}

func loadHTMLSupermarkets(names []string) []HTMLSupermarket {
	var out []HTMLSupermarket
	for _, name := range names {
		prefix := strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_"
		out = append(out, HTMLSupermarket{
			Name:           name,
			SitemapURL:     os.Getenv(prefix + "SITEMAP_URL"),
			ProductPattern: os.Getenv(prefix + "PRODUCT_PATTERN"),
			Currency:       getEnv(prefix+"CURRENCY", "EUR"),
			Selectors: HTMLSelectors{
				Name:          os.Getenv(prefix + "SELECTOR_NAME"),
				Brand:         os.Getenv(prefix + "SELECTOR_BRAND"),
				Category:      os.Getenv(prefix + "SELECTOR_CATEGORY"),
				Price:         os.Getenv(prefix + "SELECTOR_PRICE"),
				PriceAttr:     os.Getenv(prefix + "SELECTOR_PRICE_ATTR"),
				Currency:      os.Getenv(prefix + "SELECTOR_CURRENCY"),
				UnitPrice:     os.Getenv(prefix + "SELECTOR_UNIT_PRICE"),
				UnitPriceUnit: os.Getenv(prefix + "SELECTOR_UNIT_PRICE_UNIT"),
				OutOfStock:    os.Getenv(prefix + "SELECTOR_OUT_OF_STOCK"),
			},
		})
	}
	return out
}

// minStaleTimeout is the longest a healthy batch can hold a claim: the window
// stretched by the maximum slowdown plus the retry budget of one item
func minStaleTimeout(window time.Duration, attempts int, retryMaxDelay, requestTimeout time.Duration) time.Duration {
	return ratelimit.MaxSlowdown*window + time.Duration(attempts)*(retryMaxDelay+requestTimeout)
}

// MinStaleTimeout returns the smallest STALE_TIMEOUT that cannot take back a
// claim from a batch that is still running
func (c *Config) MinStaleTimeout() time.Duration {
	return minStaleTimeout(c.BatchWindow, c.RetryMaxAttempts, c.RetryMaxDelay, c.RequestTimeout)
}

// Validate checks the configuration for values the engine cannot work with
func (c *Config) Validate() error {
	switch c.DatabaseType {
	case "postgres", "sqlite":
	default:
		return apperrors.NewConfiguration(fmt.Sprintf("unsupported DB_TYPE %q", c.DatabaseType), nil)
	}
	if c.DatabaseDSN == "" {
		return apperrors.NewConfiguration("DB_DSN is required", nil)
	}
	if len(c.Supermarkets) == 0 {
		return apperrors.NewConfiguration("at least one supermarket must be configured", nil)
	}
	if c.BatchFraction <= 0 || c.BatchFraction > 1 {
		return apperrors.NewConfiguration(fmt.Sprintf("BATCH_FRACTION must be in (0, 1], got %v", c.BatchFraction), nil)
	}
	if c.Concurrency <= 0 {
		return apperrors.NewConfiguration("CONCURRENT_REQUESTS must be positive", nil)
	}
	if c.RetryMaxAttempts <= 0 {
		return apperrors.NewConfiguration("RETRY_MAX_ATTEMPTS must be positive", nil)
	}
	if c.BatchWindow <= 0 || c.BatchInterval <= 0 || c.RefreshInterval <= 0 {
		return apperrors.NewConfiguration("BATCH_WINDOW, BATCH_INTERVAL and REFRESH_INTERVAL must be positive", nil)
	}
	if c.BatchWindow > c.BatchInterval {
		return apperrors.NewConfiguration("BATCH_WINDOW must not exceed BATCH_INTERVAL", nil)
	}
	if floor := c.MinStaleTimeout(); c.StaleTimeout <= floor {
		return apperrors.NewConfiguration(fmt.Sprintf("STALE_TIMEOUT must be longer than %s (slowed-down BATCH_WINDOW plus retry budget)", floor), nil)
	}
	for _, h := range c.HTMLSupermarkets {
		if h.SitemapURL == "" || h.Selectors.Name == "" || h.Selectors.Price == "" {
			return apperrors.NewConfiguration(fmt.Sprintf("HTML supermarket %q needs a sitemap URL and name and price selectors", h.Name), nil)
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

// getDuration accepts Go durations ("90s", "10m") or plain seconds
func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getFraction accepts "1/48" or a decimal such as "0.05"
func getFraction(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if num, den, ok := strings.Cut(value, "/"); ok {
		n, err1 := strconv.ParseFloat(strings.TrimSpace(num), 64)
		d, err2 := strconv.ParseFloat(strings.TrimSpace(den), 64)
		if err1 != nil || err2 != nil || d == 0 {
			return defaultValue
		}
		return n / d
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
