package opsserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"sjsage522/pricetracker/internal/catalog"
	"sjsage522/pricetracker/internal/queue"
	"sjsage522/pricetracker/internal/scanner"
	"sjsage522/pricetracker/internal/tracker"
	apperrors "sjsage522/pricetracker/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockTracker returns canned results and knows only mercadona
type MockTracker struct {
	scanOneErr error
	refreshErr error
	lastID     uint
	// batchLogger is whether ScanBatch received a request-scoped logger
	batchLogger bool
}

var _ Tracker = (*MockTracker)(nil)

func unknown(supermarket string) error {
	if supermarket != "mercadona" {
		return apperrors.NewConfiguration(fmt.Sprintf("unknown supermarket %q", supermarket), nil)
	}
	return nil
}

func (m *MockTracker) RefreshCatalog(ctx context.Context, supermarket string) (catalog.RefreshResult, error) {
	if err := unknown(supermarket); err != nil {
		return catalog.RefreshResult{}, err
	}
	return catalog.RefreshResult{Discovered: 100, Added: 10}, m.refreshErr
}

func (m *MockTracker) ScanBatch(ctx context.Context, supermarket string) (scanner.BatchResult, error) {
	if err := unknown(supermarket); err != nil {
		return scanner.BatchResult{}, err
	}
	m.batchLogger = zerolog.Ctx(ctx).GetLevel() != zerolog.Disabled
	return scanner.BatchResult{Selected: 10, Succeeded: 9, Failed: 1, Changed: 2}, nil
}

func (m *MockTracker) ScanOne(ctx context.Context, supermarket string, productID uint) (scanner.ScanResult, error) {
	if err := unknown(supermarket); err != nil {
		return scanner.ScanResult{}, err
	}
	m.lastID = productID
	if m.scanOneErr != nil {
		return scanner.ScanResult{}, m.scanOneErr
	}
	return scanner.ScanResult{ProductID: productID, Succeeded: true, Price: "1.25", Currency: "EUR"}, nil
}

func (m *MockTracker) GetStatus(ctx context.Context, supermarket string) (tracker.Status, error) {
	if err := unknown(supermarket); err != nil {
		return tracker.Status{}, err
	}
	return tracker.Status{Supermarket: supermarket, Pending: 470, Done: 10}, nil
}

// MockPinger fails when err is set
type MockPinger struct{ err error }

func (m MockPinger) PingContext(ctx context.Context) error { return m.err }

func init() {
	gin.SetMode(gin.TestMode)
}

func do(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body map[string]interface{}
	if rec.Header().Get("Content-Type") != "" && rec.Body.Len() > 0 && rec.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	s := New(&MockTracker{}, MockPinger{}, prometheus.NewRegistry())
	rec, body := do(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	s = New(&MockTracker{}, MockPinger{err: errors.New("database is locked")}, prometheus.NewRegistry())
	rec, body = do(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "database is locked", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "pricetracker_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	s := New(&MockTracker{}, nil, reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pricetracker_test_total 1")
}

func TestStatusAndTriggers(t *testing.T) {
	mt := &MockTracker{}
	s := New(mt, nil, prometheus.NewRegistry())

	rec, body := do(t, s, http.MethodGet, "/status/mercadona")
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]interface{})
	assert.EqualValues(t, 470, data["pending"])
	assert.EqualValues(t, 10, data["done"])

	rec, body = do(t, s, http.MethodPost, "/refresh/mercadona")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 10, body["data"].(map[string]interface{})["added"])

	rec, body = do(t, s, http.MethodPost, "/scan/mercadona")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 9, body["data"].(map[string]interface{})["succeeded"])
	assert.True(t, mt.batchLogger)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec, body = do(t, s, http.MethodPost, "/scan/mercadona/products/42")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 42, mt.lastID)
	assert.Equal(t, "1.25", body["data"].(map[string]interface{})["price"])
}

func TestErrorResponses(t *testing.T) {
	tests := []struct {
		name     string
		tracker  *MockTracker
		method   string
		path     string
		status   int
		wantType string
	}{
		{"unknown supermarket", &MockTracker{}, http.MethodGet, "/status/lidl", http.StatusNotFound, "configuration"},
		{"bad product id", &MockTracker{}, http.MethodPost, "/scan/mercadona/products/abc", http.StatusBadRequest, "invalid_request"},
		{"product not found", &MockTracker{scanOneErr: apperrors.NewPermanent("mercadona", "scan failed", queue.ErrNotFound)},
			http.MethodPost, "/scan/mercadona/products/7", http.StatusNotFound, "permanent"},
		{"product busy", &MockTracker{scanOneErr: apperrors.NewPermanent("mercadona", "scan failed", queue.ErrItemBusy)},
			http.MethodPost, "/scan/mercadona/products/7", http.StatusConflict, "permanent"},
		{"broken sitemap", &MockTracker{refreshErr: apperrors.NewRefreshIntegrity("mercadona", "empty sitemap", nil)},
			http.MethodPost, "/refresh/mercadona", http.StatusBadGateway, "refresh_integrity"},
		{"store down", &MockTracker{refreshErr: apperrors.NewStore("mercadona", "commit failed", nil)},
			http.MethodPost, "/refresh/mercadona", http.StatusServiceUnavailable, "store"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.tracker, nil, prometheus.NewRegistry())
			rec, body := do(t, s, tt.method, tt.path)
			assert.Equal(t, tt.status, rec.Code)
			payload := body["error"].(map[string]interface{})
			assert.Equal(t, tt.wantType, payload["type"])
			assert.NotEmpty(t, payload["message"])
		})
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	s := New(&MockTracker{}, nil, prometheus.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, "127.0.0.1:0") }()

	cancel()
	assert.NoError(t, <-done)
}
