package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sjsage522/pricetracker/internal/store"
	"sjsage522/pricetracker/logger"
	apperrors "sjsage522/pricetracker/pkg/errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Observation is a price seen on a product page at a point in time
type Observation struct {
	Price         decimal.Decimal
	Currency      string
	UnitPrice     decimal.NullDecimal
	UnitPriceUnit string
	ObservedAt    time.Time
}

// Applied describes what Apply did with an observation
type Applied struct {
	// Changed is true when a new version was opened
	Changed bool
	// Previous is the version that was open before the observation, if any
	Previous *store.PriceHistory
	// Current is the open version after the observation
	Current *store.PriceHistory
	// Stale is true when a different price was ignored because the open
	// version is at least as recent as the observation
	Stale bool
}

// Writer maintains the price history of products
type Writer struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewWriter creates a history writer
func NewWriter(db *gorm.DB) *Writer {
	return &Writer{
		db:  db,
		log: logger.ForComponent("history"),
	}
}

// Apply records obs for the product in its own transaction
func (w *Writer) Apply(ctx context.Context, productID uint, obs Observation) (Applied, error) {
	var applied Applied
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		applied, err = ApplyTx(tx, productID, obs)
		return err
	})
	if err != nil {
		return Applied{}, store.Wrap("", "history transaction failed", err)
	}

	if applied.Changed {
		w.log.WithContext(ctx).Debug().
			Uint("product_id", productID).
			Str("price", obs.Price.String()).
			Msg("Opened price version")
	}
	return applied, nil
}

// ApplyTx records obs inside an existing transaction. An equal price (and unit
// price) leaves the history untouched. A different price closes the open version at ObservedAt
// and opens a new one starting at the same instant. Observations that are not
// newer than the open version are ignored.
func ApplyTx(tx *gorm.DB, productID uint, obs Observation) (Applied, error) {
	if obs.Price.IsNegative() {
		return Applied{}, apperrors.NewPermanent("", fmt.Sprintf("negative price %s for product %d", obs.Price, productID), nil)
	}
	currency := strings.ToUpper(strings.TrimSpace(obs.Currency))
	if currency == "" {
		return Applied{}, apperrors.NewPermanent("", fmt.Sprintf("missing currency for product %d", productID), nil)
	}
	observedAt := obs.ObservedAt.UTC()

	open, err := openVersion(tx, productID)
	if err != nil {
		return Applied{}, err
	}

	if open != nil {
		if sameVersion(open, obs, currency) {
			return Applied{Previous: open, Current: open}, nil
		}
		if !observedAt.After(open.ValidFrom) {
			return Applied{Previous: open, Current: open, Stale: true}, nil
		}

		res := tx.Model(&store.PriceHistory{}).
			Where("id = ? AND valid_to IS NULL", open.ID).
			Update("valid_to", observedAt)
		if res.Error != nil {
			return Applied{}, store.Wrap("", "failed to close price version", res.Error)
		}
		if res.RowsAffected != 1 {
			return Applied{}, apperrors.NewStore("", fmt.Sprintf("price version %d was closed concurrently", open.ID), nil)
		}
		closedAt := observedAt
		open.ValidTo = &closedAt
	}

	next := &store.PriceHistory{
		ProductID:     productID,
		Price:         obs.Price,
		Currency:      currency,
		UnitPrice:     obs.UnitPrice,
		UnitPriceUnit: obs.UnitPriceUnit,
		ValidFrom:     observedAt,
	}
	if err := tx.Create(next).Error; err != nil {
		if store.IsDuplicateKeyErr(err) {
			return Applied{}, apperrors.NewStore("", fmt.Sprintf("product %d has a concurrent open version", productID), err)
		}
		return Applied{}, store.Wrap("", "failed to open price version", err)
	}

	return Applied{Changed: true, Previous: open, Current: next}, nil
}

func sameVersion(open *store.PriceHistory, obs Observation, currency string) bool {
	if !open.Price.Equal(obs.Price) || open.Currency != currency {
		return false
	}
	if open.UnitPrice.Valid != obs.UnitPrice.Valid || open.UnitPriceUnit != obs.UnitPriceUnit {
		return false
	}
	return !open.UnitPrice.Valid || open.UnitPrice.Decimal.Equal(obs.UnitPrice.Decimal)
}

func openVersion(tx *gorm.DB, productID uint) (*store.PriceHistory, error) {
	q := tx
	if store.IsPostgres(tx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var row store.PriceHistory
	err := q.Where("product_id = ? AND valid_to IS NULL", productID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Wrap("", "failed to read open price version", err)
	}
	return &row, nil
}

// Current returns the open version of a product, or nil
func (w *Writer) Current(ctx context.Context, productID uint) (*store.PriceHistory, error) {
	return openVersion(w.db.WithContext(ctx), productID)
}

// Versions returns every version of a product ordered by ValidFrom
func (w *Writer) Versions(ctx context.Context, productID uint) ([]store.PriceHistory, error) {
	var rows []store.PriceHistory
	err := w.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("valid_from, id").
		Find(&rows).Error
	if err != nil {
		return nil, store.Wrap("", "failed to list price versions", err)
	}
	return rows, nil
}
