package config

import (
	"testing"
	"time"

	"sjsage522/pricetracker/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	// Test with default values
	config := LoadConfig()
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, "localhost:6379", config.RedisAddr)
	assert.Equal(t, 0, config.RedisDB)
	assert.InDelta(t, 1.0/48, config.BatchFraction, 1e-12)
	assert.Equal(t, 10*time.Minute, config.BatchWindow)
	assert.Equal(t, 15, config.Concurrency)
	assert.Equal(t, 3, config.RetryMaxAttempts)
	assert.Equal(t, time.Second, config.RetryBaseDelay)
	assert.Equal(t, 24*time.Hour, config.RefreshInterval)
	assert.Equal(t, 30*time.Minute, config.BatchInterval)
	assert.Equal(t, 30*time.Minute, config.RevisitInterval)
	// 8 x 10m window + 3 x (1m + 30s) retry budget + one window
	assert.Equal(t, 94*time.Minute+30*time.Second, config.StaleTimeout)
	assert.Equal(t, []string{"mercadona", "bonpreu"}, config.Supermarkets)
	assert.NoError(t, config.Validate())

	// Test with environment variables
	t.Setenv("REDIS_ADDR", "redis.example.com:6379")
	t.Setenv("REDIS_DB", "1")
	t.Setenv("BATCH_FRACTION", "1/24")
	t.Setenv("BATCH_WINDOW", "300")
	t.Setenv("BATCH_INTERVAL", "1h")
	t.Setenv("CONCURRENT_REQUESTS", "5")
	t.Setenv("SUPERMARKETS", " mercadona , ")

	config = LoadConfig()
	assert.Equal(t, "redis.example.com:6379", config.RedisAddr)
	assert.Equal(t, 1, config.RedisDB)
	assert.InDelta(t, 1.0/24, config.BatchFraction, 1e-12)
	assert.Equal(t, 5*time.Minute, config.BatchWindow)
	assert.Equal(t, time.Hour, config.BatchInterval)
	assert.Equal(t, time.Hour, config.RevisitInterval)
	assert.Equal(t, 49*time.Minute+30*time.Second, config.StaleTimeout)
	assert.Equal(t, 5, config.Concurrency)
	assert.Equal(t, []string{"mercadona"}, config.Supermarkets)
}

func TestValidate(t *testing.T) {
	config := LoadConfig()
	config.DatabaseType = "mysql"
	assert.Error(t, config.Validate())

	config = LoadConfig()
	config.BatchFraction = 0
	assert.Error(t, config.Validate())

	config = LoadConfig()
	config.StaleTimeout = config.BatchWindow
	assert.Error(t, config.Validate())

	// A slowed-down batch may run for eight windows
	config = LoadConfig()
	config.StaleTimeout = ratelimit.MaxSlowdown * config.BatchWindow
	assert.Error(t, config.Validate())
	config.StaleTimeout = config.MinStaleTimeout() + time.Second
	assert.NoError(t, config.Validate())

	config = LoadConfig()
	config.Supermarkets = nil
	assert.Error(t, config.Validate())
}

func TestGetFractionFallsBack(t *testing.T) {
	t.Setenv("BATCH_FRACTION", "1/0")
	assert.InDelta(t, 0.5, getFraction("BATCH_FRACTION", 0.5), 1e-12)
	t.Setenv("BATCH_FRACTION", "0.25")
	assert.InDelta(t, 0.25, getFraction("BATCH_FRACTION", 0.5), 1e-12)
}

func TestLoadHTMLSupermarkets(t *testing.T) {
	t.Setenv("HTML_SUPERMARKETS", "caprabo")
	t.Setenv("CAPRABO_SITEMAP_URL", "https://caprabo.test/sitemap.xml")
	t.Setenv("CAPRABO_PRODUCT_PATTERN", `/p/(\d+)`)
	t.Setenv("CAPRABO_SELECTOR_NAME", "h1")
	t.Setenv("CAPRABO_SELECTOR_PRICE", ".price")
	t.Setenv("CAPRABO_SELECTOR_PRICE_ATTR", "data-price")

	config := LoadConfig()
	require.Len(t, config.HTMLSupermarkets, 1)
	h := config.HTMLSupermarkets[0]
	assert.Equal(t, "caprabo", h.Name)
	assert.Equal(t, "https://caprabo.test/sitemap.xml", h.SitemapURL)
	assert.Equal(t, `/p/(\d+)`, h.ProductPattern)
	assert.Equal(t, "EUR", h.Currency)
	assert.Equal(t, "h1", h.Selectors.Name)
	assert.Equal(t, "data-price", h.Selectors.PriceAttr)
	assert.NoError(t, config.Validate())

	config.HTMLSupermarkets[0].Selectors.Price = ""
	assert.Error(t, config.Validate())
}
