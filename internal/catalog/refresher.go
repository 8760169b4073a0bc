package catalog

import (
	"context"
	"fmt"

	"sjsage522/pricetracker/helpers"
	"sjsage522/pricetracker/internal/clock"
	"sjsage522/pricetracker/internal/fetcher"
	"sjsage522/pricetracker/internal/metrics"
	"sjsage522/pricetracker/internal/retry"
	"sjsage522/pricetracker/internal/store"
	"sjsage522/pricetracker/logger"
	apperrors "sjsage522/pricetracker/pkg/errors"

	"gorm.io/gorm"
)

const insertBatchSize = 500

// RefreshResult summarizes a catalog refresh
type RefreshResult struct {
	Discovered  int `json:"discovered"`
	Added       int `json:"added"`
	Retired     int `json:"retired"`
	Reactivated int `json:"reactivated"`
}

// Refresher reconciles the product catalog with a supermarket's sitemap
type Refresher struct {
	db      *gorm.DB
	clock   clock.Clock
	retry   retry.Policy
	metrics *metrics.Metrics
}

// NewRefresher creates a refresher. The retry policy applies to the commit.
func NewRefresher(db *gorm.DB, clk clock.Clock, policy retry.Policy, m *metrics.Metrics) *Refresher {
	return &Refresher{
		db:      db,
		clock:   clk,
		retry:   policy,
		metrics: m,
	}
}

// Refresh downloads the sitemap and, in a single transaction, inserts new
// products with a pending queue item, retires products that disappeared and
// reactivates retired products that came back. Existing rows are otherwise
// left untouched. Nothing is written when the sitemap is unusable.
func (r *Refresher) Refresh(ctx context.Context, f fetcher.Fetcher) (RefreshResult, error) {
	supermarket := f.Supermarket()
	log := logger.ForSupermarket(supermarket).WithContext(ctx)

	result, err := r.refresh(ctx, f)
	r.metrics.ObserveRefresh(supermarket, result.Added, result.Retired, result.Reactivated, err)
	if err != nil {
		log.Error().Err(err).Msg("Catalog refresh failed")
		return RefreshResult{}, err
	}

	log.Info().
		Int("discovered", result.Discovered).
		Int("added", result.Added).
		Int("retired", result.Retired).
		Int("reactivated", result.Reactivated).
		Msg("Catalog refreshed")
	return result, nil
}

func (r *Refresher) refresh(ctx context.Context, f fetcher.Fetcher) (RefreshResult, error) {
	supermarket := f.Supermarket()

	refs, err := f.FetchSitemap(ctx)
	if err != nil {
		return RefreshResult{}, err
	}
	if len(refs) == 0 {
		return RefreshResult{}, apperrors.NewRefreshIntegrity(supermarket, "sitemap lists no products", nil)
	}

	return retry.Do(ctx, r.retry, func(ctx context.Context) (RefreshResult, error) {
		var result RefreshResult
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			result, err = r.apply(tx, supermarket, refs)
			return err
		})
		if err != nil {
			return RefreshResult{}, store.Wrap(supermarket, "catalog commit failed", err)
		}
		return result, nil
	})
}

type knownProduct struct {
	ID     uint
	URL    string
	Active bool
}

func (r *Refresher) apply(tx *gorm.DB, supermarket string, refs []fetcher.ProductRef) (RefreshResult, error) {
	now := r.clock.Now()
	result := RefreshResult{Discovered: len(refs)}

	var known []knownProduct
	if err := tx.Model(&store.Product{}).
		Select("id, url, active").
		Where("supermarket = ?", supermarket).
		Find(&known).Error; err != nil {
		return result, fmt.Errorf("load known products: %w", err)
	}
	byURL := make(map[string]knownProduct, len(known))
	for _, k := range known {
		byURL[k.URL] = k
	}

	var (
		added       []store.Product
		reactivated []uint
		listed      = make(map[string]struct{}, len(refs))
	)
	for _, ref := range refs {
		listed[ref.URL] = struct{}{}
		k, ok := byURL[ref.URL]
		if !ok {
			added = append(added, store.Product{
				Supermarket: supermarket,
				URL:         ref.URL,
				ExternalID:  ref.ExternalID,
				Name:        helpers.NameFromURL(ref.URL),
				Active:      true,
			})
			continue
		}
		if !k.Active {
			reactivated = append(reactivated, k.ID)
		}
	}

	var retired []uint
	for _, k := range known {
		if _, ok := listed[k.URL]; !ok && k.Active {
			retired = append(retired, k.ID)
		}
	}

	if len(added) > 0 {
		if err := tx.CreateInBatches(&added, insertBatchSize).Error; err != nil {
			return result, fmt.Errorf("insert products: %w", err)
		}
		items := make([]store.ScanQueueItem, 0, len(added))
		for _, p := range added {
			items = append(items, store.ScanQueueItem{
				ProductID:      p.ID,
				Supermarket:    supermarket,
				State:          store.StatePending,
				NextEligibleAt: now,
			})
		}
		if err := tx.CreateInBatches(&items, insertBatchSize).Error; err != nil {
			return result, fmt.Errorf("insert queue items: %w", err)
		}
	}

	for _, ids := range chunk(retired, insertBatchSize) {
		if err := tx.Model(&store.Product{}).Where("id IN ?", ids).Update("active", false).Error; err != nil {
			return result, fmt.Errorf("deactivate products: %w", err)
		}
		if err := tx.Model(&store.ScanQueueItem{}).Where("product_id IN ?", ids).
			Updates(map[string]interface{}{
				"state":       store.StateRetired,
				"claim_token": "",
				"claimed_at":  nil,
			}).Error; err != nil {
			return result, fmt.Errorf("retire queue items: %w", err)
		}
	}

	for _, ids := range chunk(reactivated, insertBatchSize) {
		if err := tx.Model(&store.Product{}).Where("id IN ?", ids).Update("active", true).Error; err != nil {
			return result, fmt.Errorf("reactivate products: %w", err)
		}
		if err := tx.Model(&store.ScanQueueItem{}).Where("product_id IN ?", ids).
			Updates(map[string]interface{}{
				"state":            store.StatePending,
				"next_eligible_at": now,
			}).Error; err != nil {
			return result, fmt.Errorf("reactivate queue items: %w", err)
		}
	}

	result.Added = len(added)
	result.Retired = len(retired)
	result.Reactivated = len(reactivated)
	return result, nil
}

func chunk(ids []uint, size int) [][]uint {
	var out [][]uint
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
