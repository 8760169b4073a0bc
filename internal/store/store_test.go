package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"sjsage522/pricetracker/internal/store"
	"sjsage522/pricetracker/internal/store/storetest"
	apperrors "sjsage522/pricetracker/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialect(t *testing.T) {
	_, err := store.Dialect("mysql", "x")
	assert.Error(t, err)

	d, err := store.Dialect("sqlite", ":memory:")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.Name())
}

func TestMigrateEnforcesSingleOpenVersion(t *testing.T) {
	db := storetest.New(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.Create(&store.PriceHistory{
		ProductID: 1, Price: decimal.RequireFromString("1.25"), Currency: "EUR", ValidFrom: now,
	}).Error)

	err := db.Create(&store.PriceHistory{
		ProductID: 1, Price: decimal.RequireFromString("1.30"), Currency: "EUR", ValidFrom: now.Add(time.Hour),
	}).Error
	require.Error(t, err)
	assert.True(t, store.IsDuplicateKeyErr(err))

	// Closed rows do not count against the index
	closed := now.Add(-time.Hour)
	require.NoError(t, db.Create(&store.PriceHistory{
		ProductID: 1, Price: decimal.RequireFromString("1.10"), Currency: "EUR",
		ValidFrom: now.Add(-2 * time.Hour), ValidTo: &closed,
	}).Error)

	// Migrate is idempotent
	assert.NoError(t, store.Migrate(db))
}

func TestProductIdentityIsUnique(t *testing.T) {
	db := storetest.New(t)

	p := store.Product{Supermarket: "mercadona", URL: "https://tienda.mercadona.es/product/1/a", Active: true}
	require.NoError(t, db.Create(&p).Error)

	dup := store.Product{Supermarket: "mercadona", URL: p.URL, Active: true}
	assert.True(t, store.IsDuplicateKeyErr(db.Create(&dup).Error))

	other := store.Product{Supermarket: "bonpreu", URL: p.URL, Active: true}
	assert.NoError(t, db.Create(&other).Error)
}

func TestWrap(t *testing.T) {
	assert.NoError(t, store.Wrap("x", "msg", nil))
	assert.ErrorIs(t, store.Wrap("x", "msg", context.Canceled), context.Canceled)

	err := store.Wrap("mercadona", "commit failed", errors.New("database is locked"))
	assert.Equal(t, apperrors.ErrorTypeStore, apperrors.Classify(err))
	assert.True(t, apperrors.IsRetryable(err))

	perm := apperrors.NewPermanent("mercadona", "bad", nil)
	assert.Same(t, perm, store.Wrap("mercadona", "msg", perm))
}
