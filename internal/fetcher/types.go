package fetcher

import (
	"context"
	"regexp"
	"time"

	"sjsage522/pricetracker/internal/retry"
	"sjsage522/pricetracker/logger"
	"sjsage522/pricetracker/services/cache"

	"github.com/shopspring/decimal"
)

// ProductRef identifies a product page found in a sitemap
type ProductRef struct {
	URL        string
	ExternalID string
}

// ProductData is what a product page says about a product right now
type ProductData struct {
	Name      string
	Brand     string
	Category  string
	Price     decimal.Decimal
	Currency  string
	Available bool
	// UnitPrice is the reference price per UnitPriceUnit (kg, L, ud), when
	// the supermarket publishes one
	UnitPrice     decimal.NullDecimal
	UnitPriceUnit string
}

// Fetcher is the contract every supermarket implements
type Fetcher interface {
	// Supermarket returns the supermarket identifier
	Supermarket() string

	// FetchSitemap lists every product page currently in the sitemap
	FetchSitemap(ctx context.Context) ([]ProductRef, error)

	// FetchProduct fetches and parses a single product
	FetchProduct(ctx context.Context, ref ProductRef) (*ProductData, error)
}

// Kind selects how product details are fetched
type Kind string

const (
	// KindAPI fetches product details from a JSON endpoint by external id
	KindAPI Kind = "api"
	// KindHTML parses the product page with CSS selectors
	KindHTML Kind = "html"
)

// FieldPaths are gjson paths into a JSON product document. Numeric segments
// index into arrays, e.g. "categories.0.name".
type FieldPaths struct {
	Name          string
	Brand         string
	Category      string
	Price         string
	Currency      string
	Available     string
	UnitPrice     string
	UnitPriceUnit string
}

// APIConfig describes a JSON product endpoint
type APIConfig struct {
	// ProductURL contains an {id} placeholder replaced by the external id
	ProductURL string
	Paths      FieldPaths
}

// Selectors contains CSS selectors for the fields of a product page
type Selectors struct {
	Name     string
	Brand    string
	Category string
	Price    string
	// PriceAttr reads the price from an attribute instead of the text
	PriceAttr     string
	Currency      string
	UnitPrice     string
	UnitPriceUnit string
	// OutOfStock marks the product unavailable when it matches
	OutOfStock string
}

// SupermarketConfig contains the configuration of one supermarket
type SupermarketConfig struct {
	Name            string
	SitemapURL      string
	ProductPattern  string
	CacheKey        string
	BlockTime       time.Duration
	DefaultCurrency string
	Kind            Kind
	API             APIConfig
	HTML            Selectors
}

// BaseFetcher provides sitemap discovery and rate limit blocking shared by
// every fetcher
type BaseFetcher struct {
	Name            string
	SitemapURL      string
	ProductPattern  *regexp.Regexp
	CacheKey        string
	CacheSvc        cache.CacheService
	BlockTime       time.Duration
	DefaultCurrency string
	Retry           retry.Policy

	log *logger.Logger
}

// Supermarket returns the supermarket identifier
func (b *BaseFetcher) Supermarket() string {
	return b.Name
}

func (b *BaseFetcher) logger() *logger.Logger {
	if b.log == nil {
		return logger.ForSupermarket(b.Name)
	}
	return b.log
}
