// Package storetest opens throwaway SQLite databases for tests.
package storetest

import (
	"path/filepath"
	"testing"

	"sjsage522/pricetracker/internal/store"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// New returns a migrated SQLite database stored in a temporary directory
func New(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "pricetracker.db") + "?_pragma=busy_timeout(5000)"
	db, err := store.Open("sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}
