package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sjsage522/pricetracker/internal/store"
	"sjsage522/pricetracker/logger"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when a product has no queue row
	ErrNotFound = errors.New("queue: item not found")
	// ErrItemBusy is returned by ClaimOne when the item is claimed by a batch
	ErrItemBusy = errors.New("queue: item is scheduled or in progress")
	// ErrItemRetired is returned by ClaimOne for products no longer in the sitemap
	ErrItemRetired = errors.New("queue: item is retired")
	// ErrLostClaim is returned when a transition finds the row no longer owned
	// by the caller's claim token
	ErrLostClaim = errors.New("queue: claim lost")
)

// Claimed is a queue item owned by the caller until it is completed or failed
type Claimed struct {
	store.ScanQueueItem
	Product store.Product
}

// Queue is the persisted scan queue state machine
type Queue struct {
	db  *gorm.DB
	log *logger.Logger
}

// New creates a queue over db
func New(db *gorm.DB) *Queue {
	return &Queue{
		db:  db,
		log: logger.ForComponent("queue"),
	}
}

// DB returns the underlying handle so callers can join transitions with other
// writes in one transaction
func (q *Queue) DB() *gorm.DB {
	return q.db
}

// Release moves done and failed items whose next eligibility has passed back
// to pending
func (q *Queue) Release(ctx context.Context, supermarket string, now time.Time) (int64, error) {
	res := q.db.WithContext(ctx).Model(&store.ScanQueueItem{}).
		Where("supermarket = ? AND state IN ? AND next_eligible_at <= ?",
			supermarket, []store.QueueState{store.StateDone, store.StateFailed}, now.UTC()).
		Updates(map[string]interface{}{
			"state":       store.StatePending,
			"claim_token": "",
		})
	if res.Error != nil {
		return 0, store.Wrap(supermarket, "failed to release queue items", res.Error)
	}
	return res.RowsAffected, nil
}

// Claim atomically moves up to limit due pending items to scheduled and returns
// them with their products. Concurrent claimers never receive the same item.
func (q *Queue) Claim(ctx context.Context, supermarket string, limit int, now time.Time) ([]Claimed, error) {
	if limit <= 0 {
		return nil, nil
	}
	now = now.UTC()
	token := uuid.NewString()

	var claimed []Claimed
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sel := tx.Model(&store.ScanQueueItem{})
		if store.IsPostgres(tx) {
			sel = sel.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var ids []uint
		err := sel.
			Where("supermarket = ? AND state = ? AND next_eligible_at <= ?", supermarket, store.StatePending, now).
			Order("next_eligible_at, id").
			Limit(limit).
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		err = tx.Model(&store.ScanQueueItem{}).
			Where("id IN ? AND state = ?", ids, store.StatePending).
			Updates(map[string]interface{}{
				"state":       store.StateScheduled,
				"claim_token": token,
				"claimed_at":  now,
			}).Error
		if err != nil {
			return err
		}

		var items []store.ScanQueueItem
		if err := tx.Where("claim_token = ? AND state = ?", token, store.StateScheduled).
			Order("next_eligible_at, id").
			Find(&items).Error; err != nil {
			return err
		}

		products, err := loadProducts(tx, items)
		if err != nil {
			return err
		}
		for _, item := range items {
			claimed = append(claimed, Claimed{ScanQueueItem: item, Product: products[item.ProductID]})
		}
		return nil
	})
	if err != nil {
		return nil, store.Wrap(supermarket, "failed to claim queue items", err)
	}

	q.log.WithContext(ctx).Debug().
		Int("claimed", len(claimed)).
		Int("limit", limit).
		Msg("Claimed queue items")
	return claimed, nil
}

// ClaimOne claims the queue item of a single product regardless of its next
// eligibility. Items owned by a batch return ErrItemBusy.
func (q *Queue) ClaimOne(ctx context.Context, supermarket string, productID uint, now time.Time) (*Claimed, error) {
	now = now.UTC()
	token := uuid.NewString()

	var claimed *Claimed
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item store.ScanQueueItem
		err := tx.Where("supermarket = ? AND product_id = ?", supermarket, productID).Take(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		switch item.State {
		case store.StateRetired:
			return ErrItemRetired
		case store.StateScheduled, store.StateInProgress:
			return ErrItemBusy
		}

		res := tx.Model(&store.ScanQueueItem{}).
			Where("id = ? AND state IN ?", item.ID,
				[]store.QueueState{store.StatePending, store.StateDone, store.StateFailed}).
			Updates(map[string]interface{}{
				"state":       store.StateScheduled,
				"claim_token": token,
				"claimed_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrItemBusy
		}

		var product store.Product
		if err := tx.Take(&product, item.ProductID).Error; err != nil {
			return err
		}

		item.State = store.StateScheduled
		item.ClaimToken = token
		item.ClaimedAt = &now
		claimed = &Claimed{ScanQueueItem: item, Product: product}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrItemBusy) || errors.Is(err, ErrItemRetired) {
			return nil, err
		}
		return nil, store.Wrap(supermarket, "failed to claim queue item", err)
	}
	return claimed, nil
}

// Start moves a claimed item from scheduled to in_progress
func (q *Queue) Start(ctx context.Context, item *Claimed, now time.Time) error {
	now = now.UTC()
	res := q.db.WithContext(ctx).Model(&store.ScanQueueItem{}).
		Where("id = ? AND claim_token = ? AND state = ?", item.ID, item.ClaimToken, store.StateScheduled).
		Updates(map[string]interface{}{
			"state":           store.StateInProgress,
			"last_attempt_at": now,
			"claimed_at":      now,
		})
	if res.Error != nil {
		return store.Wrap(item.Supermarket, "failed to start queue item", res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("start item %d: %w", item.ID, ErrLostClaim)
	}
	item.State = store.StateInProgress
	item.LastAttemptAt = &now
	item.ClaimedAt = &now
	return nil
}

// CompleteTx marks an in-progress item done inside tx and schedules its next
// visit. Consecutive failures are reset.
func CompleteTx(tx *gorm.DB, item *Claimed, next time.Time) error {
	res := tx.Model(&store.ScanQueueItem{}).
		Where("id = ? AND claim_token = ? AND state = ?", item.ID, item.ClaimToken, store.StateInProgress).
		Updates(map[string]interface{}{
			"state":                store.StateDone,
			"next_eligible_at":     next.UTC(),
			"consecutive_failures": 0,
			"last_error":           "",
			"claim_token":          "",
			"claimed_at":           nil,
			"scan_count":           gorm.Expr("scan_count + 1"),
		})
	if res.Error != nil {
		return store.Wrap(item.Supermarket, "failed to complete queue item", res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("complete item %d: %w", item.ID, ErrLostClaim)
	}
	item.State = store.StateDone
	item.NextEligibleAt = next.UTC()
	item.ConsecutiveFailures = 0
	return nil
}

// FailTx marks an in-progress item failed inside tx, increments its
// consecutive failures and the product's failure count.
func FailTx(tx *gorm.DB, item *Claimed, next time.Time, reason string) error {
	if len(reason) > 1024 {
		reason = reason[:1024]
	}
	res := tx.Model(&store.ScanQueueItem{}).
		Where("id = ? AND claim_token = ? AND state = ?", item.ID, item.ClaimToken, store.StateInProgress).
		Updates(map[string]interface{}{
			"state":                store.StateFailed,
			"next_eligible_at":     next.UTC(),
			"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
			"last_error":           reason,
			"claim_token":          "",
			"claimed_at":           nil,
			"scan_count":           gorm.Expr("scan_count + 1"),
		})
	if res.Error != nil {
		return store.Wrap(item.Supermarket, "failed to fail queue item", res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("fail item %d: %w", item.ID, ErrLostClaim)
	}

	err := tx.Model(&store.Product{}).
		Where("id = ?", item.ProductID).
		Update("failure_count", gorm.Expr("failure_count + 1")).Error
	if err != nil {
		return store.Wrap(item.Supermarket, "failed to count product failure", err)
	}

	item.State = store.StateFailed
	item.NextEligibleAt = next.UTC()
	item.ConsecutiveFailures++
	item.LastError = reason
	return nil
}

// Complete marks an in-progress item done in its own transaction
func (q *Queue) Complete(ctx context.Context, item *Claimed, next time.Time) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return CompleteTx(tx, item, next)
	})
}

// Fail marks an in-progress item failed in its own transaction
func (q *Queue) Fail(ctx context.Context, item *Claimed, next time.Time, reason string) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return FailTx(tx, item, next, reason)
	})
}

// RecoverStale returns scheduled and in-progress items of supermarket claimed
// (or started) before olderThan to pending. An empty supermarket sweeps every
// supermarket. Claim tokens are cleared so late completions of the abandoned
// claim are rejected.
func (q *Queue) RecoverStale(ctx context.Context, supermarket string, olderThan time.Time) (int64, error) {
	query := q.db.WithContext(ctx).Model(&store.ScanQueueItem{}).
		Where("state IN ? AND (claimed_at IS NULL OR claimed_at < ?)",
			[]store.QueueState{store.StateScheduled, store.StateInProgress}, olderThan.UTC())
	if supermarket != "" {
		query = query.Where("supermarket = ?", supermarket)
	}
	res := query.Updates(map[string]interface{}{
		"state":       store.StatePending,
		"claim_token": "",
		"claimed_at":  nil,
	})
	if res.Error != nil {
		return 0, store.Wrap(supermarket, "failed to recover stale queue items", res.Error)
	}
	if res.RowsAffected > 0 {
		q.log.WithContext(ctx).Warn().
			Int64("recovered", res.RowsAffected).
			Time("older_than", olderThan).
			Msg("Recovered stale queue items")
	}
	return res.RowsAffected, nil
}

// Stats counts queue items per state
func (q *Queue) Stats(ctx context.Context, supermarket string) (map[store.QueueState]int64, error) {
	var rows []struct {
		State store.QueueState
		Count int64
	}
	err := q.db.WithContext(ctx).Model(&store.ScanQueueItem{}).
		Select("state, COUNT(*) AS count").
		Where("supermarket = ?", supermarket).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, store.Wrap(supermarket, "failed to count queue items", err)
	}

	stats := make(map[store.QueueState]int64, len(store.AllStates))
	for _, s := range store.AllStates {
		stats[s] = 0
	}
	for _, r := range rows {
		stats[r.State] = r.Count
	}
	return stats, nil
}

// Get returns the queue row of a product
func (q *Queue) Get(ctx context.Context, productID uint) (*store.ScanQueueItem, error) {
	var item store.ScanQueueItem
	err := q.db.WithContext(ctx).Where("product_id = ?", productID).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, store.Wrap("", "failed to load queue item", err)
	}
	return &item, nil
}

func loadProducts(tx *gorm.DB, items []store.ScanQueueItem) (map[uint]store.Product, error) {
	ids := make([]uint, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	var products []store.Product
	if len(ids) > 0 {
		if err := tx.Where("id IN ?", ids).Find(&products).Error; err != nil {
			return nil, err
		}
	}
	byID := make(map[uint]store.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	return byID, nil
}

// IsClaimError reports errors caused by queue ownership rather than the store
func IsClaimError(err error) bool {
	return errors.Is(err, ErrLostClaim) || errors.Is(err, ErrItemBusy) ||
		errors.Is(err, ErrItemRetired) || errors.Is(err, ErrNotFound)
}
