package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"sjsage522/pricetracker/config"
	apperrors "sjsage522/pricetracker/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func builtin(t *testing.T, name, apiURL string) Fetcher {
	t.Helper()
	cfg := config.LoadConfig()
	cfg.MercadonaAPIURL = apiURL
	cfg.BonpreuAPIURL = apiURL
	for _, sc := range BuiltinConfigs(cfg) {
		if sc.Name == name {
			f, err := NewFetcher(sc, NewMockCacheService(), noWaitPolicy())
			require.NoError(t, err)
			return f
		}
	}
	t.Fatalf("no builtin %s", name)
	return nil
}

func TestMercadonaFetchProduct(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/products/10005/", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "10005",
			"display_name": "Chocolate líquido a la taza Hacendado",
			"brand": "Hacendado",
			"published": true,
			"categories": [{"id": 18, "name": "Cacao, café e infusiones", "categories": [{"name": "Cacao soluble"}]}],
			"price_instructions": {"unit_price": "1.45", "reference_price": "1.450", "reference_format": "L"}
		}`))
	}))
	defer server.Close()

	f := builtin(t, "mercadona", server.URL+"/api/products")
	data, err := f.FetchProduct(context.Background(), ProductRef{
		URL:        "https://tienda.mercadona.es/product/10005/chocolate-liquido",
		ExternalID: "10005",
	})
	require.NoError(t, err)
	assert.Equal(t, "Chocolate líquido a la taza Hacendado", data.Name)
	assert.Equal(t, "Hacendado", data.Brand)
	assert.Equal(t, "Cacao, café e infusiones", data.Category)
	assert.True(t, data.Price.Equal(decimal.RequireFromString("1.45")))
	assert.Equal(t, "EUR", data.Currency)
	assert.True(t, data.Available)
	require.True(t, data.UnitPrice.Valid)
	assert.Equal(t, "1.45", data.UnitPrice.Decimal.StringFixed(2))
	assert.Equal(t, "L", data.UnitPriceUnit)
}

func TestBonpreuFetchProduct(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "12345", r.URL.Query().Get("retailerProductId"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"product": {
				"name": "Llet semidesnatada",
				"brand": "Bonpreu",
				"available": false,
				"price": {"amount": "0.99", "currency": "EUR"},
				"unitPrice": {"price": {"amount": 0.990, "currency": "EUR"}, "unit": "fop.price.per.litre"},
				"categoryPath": ["Làctics", "Llet"]
			}
		}`))
	}))
	defer server.Close()

	f := builtin(t, "bonpreu", server.URL)
	data, err := f.FetchProduct(context.Background(), ProductRef{ExternalID: "12345"})
	require.NoError(t, err)
	assert.Equal(t, "Llet semidesnatada", data.Name)
	assert.Equal(t, "Làctics", data.Category)
	assert.True(t, data.Price.Equal(decimal.RequireFromString("0.99")))
	assert.False(t, data.Available)
	require.True(t, data.UnitPrice.Valid)
	assert.True(t, data.UnitPrice.Decimal.Equal(decimal.RequireFromString("0.99")))
	assert.Equal(t, "litre", data.UnitPriceUnit)
}

func TestAPIFetchProductErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("retailerProductId") {
		case "404":
			w.WriteHeader(http.StatusNotFound)
		case "500":
			w.WriteHeader(http.StatusInternalServerError)
		case "noprice":
			w.Write([]byte(`{"product": {"name": "x"}}`))
		default:
			w.Write([]byte(`{not json`))
		}
	}))
	defer server.Close()

	f := builtin(t, "bonpreu", server.URL)
	ctx := context.Background()

	_, err := f.FetchProduct(ctx, ProductRef{ExternalID: "404"})
	assert.Equal(t, apperrors.ErrorTypePermanent, apperrors.Classify(err))

	_, err = f.FetchProduct(ctx, ProductRef{ExternalID: "500"})
	assert.Equal(t, apperrors.ErrorTypeTransient, apperrors.Classify(err))

	_, err = f.FetchProduct(ctx, ProductRef{ExternalID: "noprice"})
	assert.Equal(t, apperrors.ErrorTypePermanent, apperrors.Classify(err))

	_, err = f.FetchProduct(ctx, ProductRef{ExternalID: "garbage"})
	assert.Equal(t, apperrors.ErrorTypePermanent, apperrors.Classify(err))

	_, err = f.FetchProduct(ctx, ProductRef{URL: "https://x.test/products/a/1"})
	assert.Equal(t, apperrors.ErrorTypePermanent, apperrors.Classify(err))
}

func TestRateLimitBlocksSupermarket(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	mockCache := NewMockCacheService()
	f := &APIFetcher{
		BaseFetcher: BaseFetcher{
			Name:      "bonpreu",
			CacheKey:  "bonpreu_rate_limited",
			CacheSvc:  mockCache,
			BlockTime: time.Minute,
		},
		API: APIConfig{ProductURL: server.URL + "?id={id}", Paths: FieldPaths{Price: "price"}},
	}

	_, err := f.FetchProduct(context.Background(), ProductRef{ExternalID: "1"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeRateLimit, apperrors.Classify(err))

	var se *apperrors.ScrapeError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "bonpreu", se.Supermarket)

	_, err = mockCache.Get("bonpreu_rate_limited")
	require.NoError(t, err)

	// Blocked requests fail fast without reaching the server
	_, err = f.FetchProduct(context.Background(), ProductRef{ExternalID: "2"})
	assert.Equal(t, apperrors.ErrorTypeRateLimit, apperrors.Classify(err))
	assert.Greater(t, apperrors.RetryAfter(err), 50*time.Second)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestHTMLFetchProduct(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head>
			<meta itemprop="priceCurrency" content="EUR">
		</head><body>
			<h1 class="product-title">  Aceite de oliva
				virgen extra </h1>
			<span class="brand">Carbonell</span>
			<nav class="crumbs"><a>Aceites</a></nav>
			<span class="price" data-price="5.95">5,95 €</span>
			<span class="unit-price">7,93 €</span><span class="unit">kg</span>
			<div class="out-of-stock">Agotado</div>
		</body></html>`))
	}))
	defer server.Close()

	f, err := NewFetcher(SupermarketConfig{
		Name: "generic",
		Kind: KindHTML,
		HTML: Selectors{
			Name:          "h1.product-title",
			Brand:         ".brand",
			Category:      "nav.crumbs a",
			Price:         "span.price",
			Currency:      "meta[itemprop=priceCurrency]",
			UnitPrice:     ".unit-price",
			UnitPriceUnit: ".unit",
			OutOfStock:    ".out-of-stock",
		},
	}, nil, noWaitPolicy())
	require.NoError(t, err)

	data, err := f.FetchProduct(context.Background(), ProductRef{URL: server.URL + "/p/1"})
	require.NoError(t, err)
	assert.Equal(t, "Aceite de oliva virgen extra", data.Name)
	assert.Equal(t, "Carbonell", data.Brand)
	assert.Equal(t, "Aceites", data.Category)
	assert.True(t, data.Price.Equal(decimal.RequireFromString("5.95")))
	assert.Equal(t, "EUR", data.Currency)
	assert.False(t, data.Available)
	assert.True(t, data.UnitPrice.Decimal.Equal(decimal.RequireFromString("7.93")))
	assert.Equal(t, "kg", data.UnitPriceUnit)
}

func TestNewFetcherValidation(t *testing.T) {
	_, err := NewFetcher(SupermarketConfig{Name: "x", Kind: "ftp"}, nil, noWaitPolicy())
	assert.Equal(t, apperrors.ErrorTypeConfiguration, apperrors.Classify(err))

	_, err = NewFetcher(SupermarketConfig{Name: "x", Kind: KindAPI}, nil, noWaitPolicy())
	assert.Error(t, err)

	_, err = NewFetcher(SupermarketConfig{Name: "x", Kind: KindHTML, ProductPattern: "("}, nil, noWaitPolicy())
	assert.Error(t, err)
}

func TestCreateFetchers(t *testing.T) {
	cfg := config.LoadConfig()
	fetchers, err := CreateFetchers(cfg, NewMockCacheService(), noWaitPolicy())
	require.NoError(t, err)
	assert.Len(t, fetchers, 2)
	assert.Equal(t, "mercadona", fetchers["mercadona"].Supermarket())

	cfg.Supermarkets = []string{"lidl"}
	_, err = CreateFetchers(cfg, NewMockCacheService(), noWaitPolicy())
	assert.Error(t, err)
}

func TestCreateFetchersBuildsHTMLSupermarketFromConfig(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><body>
			<h1>Galletas María</h1>
			<span class="price" data-price="1.19">1,19 €</span>
		</body></html>`))
	}))
	defer server.Close()

	t.Setenv("SUPERMARKETS", "mercadona,caprabo")
	t.Setenv("HTML_SUPERMARKETS", "caprabo")
	t.Setenv("CAPRABO_SITEMAP_URL", server.URL+"/sitemap.xml")
	t.Setenv("CAPRABO_PRODUCT_PATTERN", `/p/(\d+)$`)
	t.Setenv("CAPRABO_SELECTOR_NAME", "h1")
	t.Setenv("CAPRABO_SELECTOR_PRICE", ".price")
	t.Setenv("CAPRABO_SELECTOR_PRICE_ATTR", "data-price")
	cfg := config.LoadConfig()
	require.NoError(t, cfg.Validate())

	fetchers, err := CreateFetchers(cfg, NewMockCacheService(), noWaitPolicy())
	require.NoError(t, err)
	require.Len(t, fetchers, 2)

	f, ok := fetchers["caprabo"].(*HTMLFetcher)
	require.True(t, ok)
	assert.Equal(t, "caprabo_rate_limited", f.CacheKey)
	assert.Equal(t, "data-price", f.Selectors.PriceAttr)

	data, err := f.FetchProduct(context.Background(), ProductRef{URL: server.URL + "/p/7"})
	require.NoError(t, err)
	assert.Equal(t, "Galletas María", data.Name)
	assert.True(t, data.Price.Equal(decimal.RequireFromString("1.19")))
	assert.Equal(t, "EUR", data.Currency)
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1,25 €", "1.25"},
		{"€1.25", "1.25"},
		{"1.234,56 €", "1234.56"},
		{"1,234.56", "1234.56"},
		{"12", "12"},
		{" 0,99€/ud ", "0.99"},
	}
	for _, tt := range tests {
		got, err := ParsePrice(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "%s => %s", tt.in, got)
	}

	_, err := ParsePrice("gratis")
	assert.Error(t, err)
}
