package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sjsage522/pricetracker/logger"
	apperrors "sjsage522/pricetracker/pkg/errors"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Dialect returns the gorm dialector for the configured database type
func Dialect(dbType, dsn string) (gorm.Dialector, error) {
	switch dbType {
	case "postgres":
		return postgres.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported %s type", dbType)
	}
}

// Open connects to the database. SQLite is limited to a single connection so
// writers serialize instead of failing with SQLITE_BUSY.
func Open(dbType, dsn string) (*gorm.DB, error) {
	dialector, err := Dialect(dbType, dsn)
	if err != nil {
		return nil, apperrors.NewConfiguration("invalid database configuration", err)
	}

	level := gormlogger.Silent
	if logger.IsDebugEnabled() {
		level = gormlogger.Warn
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(level),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, apperrors.NewStore("", "failed to open database", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, apperrors.NewStore("", "failed to access connection pool", err)
	}
	if dbType == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}

// Migrate creates the tables and indexes the engine relies on
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Product{}, &PriceHistory{}, &ScanQueueItem{}, &JobRun{}); err != nil {
		return apperrors.NewStore("", "auto migrate failed", err)
	}

	// At most one open version per product
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_price_history_open
		ON product_price_history (product_id) WHERE valid_to IS NULL`).Error; err != nil {
		return apperrors.NewStore("", "failed to create open history index", err)
	}
	return nil
}

// IsPostgres reports whether db talks to PostgreSQL
func IsPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}

// IsDuplicateKeyErr reports unique constraint violations across drivers
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := err.Error()
	// PostgreSQL (error code 23505)
	if strings.Contains(msg, "duplicate key value violates unique constraint") {
		return true
	}
	// SQLite (error code 2067)
	return strings.Contains(msg, "UNIQUE constraint failed")
}

// Wrap classifies a database error as a retryable store error. Context errors
// and already classified errors pass through unchanged.
func Wrap(supermarket, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *apperrors.ScrapeError
	if errors.As(err, &se) {
		return err
	}
	return apperrors.NewStore(supermarket, message, err)
}
