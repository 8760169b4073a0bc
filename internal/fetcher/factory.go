package fetcher

import (
	"fmt"
	"regexp"

	"sjsage522/pricetracker/config"
	"sjsage522/pricetracker/internal/retry"
	"sjsage522/pricetracker/logger"
	apperrors "sjsage522/pricetracker/pkg/errors"
	"sjsage522/pricetracker/services/cache"
)

// BuiltinConfigs returns the configurations of the supported supermarkets
func BuiltinConfigs(cfg *config.Config) []SupermarketConfig {
	return []SupermarketConfig{
		{
			// Mercadona: /product/10005/chocolate-liquido-taza-hacendado-brick
			Name:            "mercadona",
			SitemapURL:      cfg.MercadonaSitemapURL,
			ProductPattern:  `/product/(\d+)/`,
			CacheKey:        "mercadona_rate_limited",
			BlockTime:       cfg.BlockTime,
			DefaultCurrency: "EUR",
			Kind:            KindAPI,
			API: APIConfig{
				ProductURL: cfg.MercadonaAPIURL + "/{id}/",
				Paths: FieldPaths{
					Name:          "display_name",
					Brand:         "brand",
					Category:      "categories.0.name",
					Price:         "price_instructions.unit_price",
					Available:     "published",
					UnitPrice:     "price_instructions.reference_price",
					UnitPriceUnit: "price_instructions.reference_format",
				},
			},
		},
		{
			// Bonpreu: /products/llet-semidesnatada/12345
			Name:            "bonpreu",
			SitemapURL:      cfg.BonpreuSitemapURL,
			ProductPattern:  `/products/[^/]+/(\d+)/?$`,
			CacheKey:        "bonpreu_rate_limited",
			BlockTime:       cfg.BlockTime,
			DefaultCurrency: "EUR",
			Kind:            KindAPI,
			API: APIConfig{
				ProductURL: cfg.BonpreuAPIURL + "?retailerProductId={id}",
				Paths: FieldPaths{
					Name:          "product.name",
					Brand:         "product.brand",
					Category:      "product.categoryPath.0",
					Price:         "product.price",
					Currency:      "product.price.currency",
					Available:     "product.available",
					UnitPrice:     "product.unitPrice.price",
					UnitPriceUnit: "product.unitPrice.unit",
				},
			},
		},
	}
}

// HTMLConfigs returns the configurations of the supermarkets scraped from
// their product pages
func HTMLConfigs(cfg *config.Config) []SupermarketConfig {
	configs := make([]SupermarketConfig, 0, len(cfg.HTMLSupermarkets))
	for _, h := range cfg.HTMLSupermarkets {
		configs = append(configs, SupermarketConfig{
			Name:            h.Name,
			SitemapURL:      h.SitemapURL,
			ProductPattern:  h.ProductPattern,
			CacheKey:        h.Name + "_rate_limited",
			BlockTime:       cfg.BlockTime,
			DefaultCurrency: h.Currency,
			Kind:            KindHTML,
			HTML: Selectors{
				Name:          h.Selectors.Name,
				Brand:         h.Selectors.Brand,
				Category:      h.Selectors.Category,
				Price:         h.Selectors.Price,
				PriceAttr:     h.Selectors.PriceAttr,
				Currency:      h.Selectors.Currency,
				UnitPrice:     h.Selectors.UnitPrice,
				UnitPriceUnit: h.Selectors.UnitPriceUnit,
				OutOfStock:    h.Selectors.OutOfStock,
			},
		})
	}
	return configs
}

// NewFetcher creates the fetcher described by sc
func NewFetcher(sc SupermarketConfig, cacheSvc cache.CacheService, policy retry.Policy) (Fetcher, error) {
	base := BaseFetcher{
		Name:            sc.Name,
		SitemapURL:      sc.SitemapURL,
		CacheKey:        sc.CacheKey,
		CacheSvc:        cacheSvc,
		BlockTime:       sc.BlockTime,
		DefaultCurrency: sc.DefaultCurrency,
		Retry:           policy,
		log:             logger.ForSupermarket(sc.Name),
	}
	if base.DefaultCurrency == "" {
		base.DefaultCurrency = "EUR"
	}
	if sc.ProductPattern != "" {
		re, err := regexp.Compile(sc.ProductPattern)
		if err != nil {
			return nil, apperrors.NewConfiguration(fmt.Sprintf("invalid product pattern for %s", sc.Name), err)
		}
		base.ProductPattern = re
	}

	switch sc.Kind {
	case KindAPI:
		if sc.API.ProductURL == "" || sc.API.Paths.Price == "" {
			return nil, apperrors.NewConfiguration(fmt.Sprintf("%s: API fetcher needs a product URL and a price path", sc.Name), nil)
		}
		return &APIFetcher{BaseFetcher: base, API: sc.API}, nil
	case KindHTML:
		if sc.HTML.Name == "" || sc.HTML.Price == "" {
			return nil, apperrors.NewConfiguration(fmt.Sprintf("%s: HTML fetcher needs name and price selectors", sc.Name), nil)
		}
		return &HTMLFetcher{BaseFetcher: base, Selectors: sc.HTML}, nil
	default:
		return nil, apperrors.NewConfiguration(fmt.Sprintf("%s: unknown fetcher kind %q", sc.Name, sc.Kind), nil)
	}
}

// CreateFetchers creates a fetcher for every configured supermarket
func CreateFetchers(cfg *config.Config, cacheSvc cache.CacheService, policy retry.Policy) (map[string]Fetcher, error) {
	byName := make(map[string]SupermarketConfig)
	for _, sc := range append(BuiltinConfigs(cfg), HTMLConfigs(cfg)...) {
		byName[sc.Name] = sc
	}

	log := logger.ForComponent("fetcher")
	fetchers := make(map[string]Fetcher, len(cfg.Supermarkets))
	for _, name := range cfg.Supermarkets {
		sc, ok := byName[name]
		if !ok {
			return nil, apperrors.NewConfiguration(fmt.Sprintf("unknown supermarket %q", name), nil)
		}
		f, err := NewFetcher(sc, cacheSvc, policy)
		if err != nil {
			return nil, err
		}
		fetchers[name] = f
		log.Info().
			Str("supermarket", name).
			Str("kind", string(sc.Kind)).
			Str("sitemap", sc.SitemapURL).
			Msg("Created fetcher")
	}
	return fetchers, nil
}
