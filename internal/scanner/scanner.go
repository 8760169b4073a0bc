package scanner

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"sjsage522/pricetracker/internal/clock"
	"sjsage522/pricetracker/internal/fetcher"
	"sjsage522/pricetracker/internal/history"
	"sjsage522/pricetracker/internal/metrics"
	"sjsage522/pricetracker/internal/queue"
	"sjsage522/pricetracker/internal/ratelimit"
	"sjsage522/pricetracker/internal/retry"
	"sjsage522/pricetracker/internal/store"
	"sjsage522/pricetracker/logger"
	apperrors "sjsage522/pricetracker/pkg/errors"
	"sjsage522/pricetracker/services/publisher"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Config controls batch sizing and revisit scheduling
type Config struct {
	// BatchFraction is the share of active products scanned per batch
	BatchFraction float64
	// RevisitInterval is added to the scan time of a successful item
	RevisitInterval    time.Duration
	FailureBackoffBase time.Duration
	FailureBackoffMax  time.Duration
	// StaleTimeout is how long a claim may stay scheduled or in progress
	// before the next batch returns it to pending. Zero disables recovery.
	StaleTimeout time.Duration
}

// Deps are the collaborators of a scanner
type Deps struct {
	DB        *gorm.DB
	Queue     *queue.Queue
	Limiter   *ratelimit.Limiter
	Retry     retry.Policy
	Clock     clock.Clock
	Publisher publisher.Publisher
	Metrics   *metrics.Metrics
}

// BatchResult summarizes a batch
type BatchResult struct {
	Selected  int `json:"selected"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Changed   int `json:"changed"`
	// Lost counts claims taken back by stale recovery before they committed
	Lost int `json:"lost"`
}

// ScanResult describes the outcome of scanning one product
type ScanResult struct {
	ProductID      uint      `json:"product_id"`
	Succeeded      bool      `json:"succeeded"`
	Changed        bool      `json:"changed"`
	Price          string    `json:"price,omitempty"`
	Currency       string    `json:"currency,omitempty"`
	Error          string    `json:"error,omitempty"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
}

// Scanner runs scan batches: it selects due queue items, fetches them under
// the rate limiter and the retry policy, and commits the outcome.
type Scanner struct {
	cfg       Config
	db        *gorm.DB
	queue     *queue.Queue
	limiter   *ratelimit.Limiter
	retry     retry.Policy
	clock     clock.Clock
	publisher publisher.Publisher
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// New creates a scanner
func New(cfg Config, deps Deps) *Scanner {
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if deps.Publisher == nil {
		deps.Publisher = publisher.NopPublisher{}
	}
	return &Scanner{
		cfg:       cfg,
		db:        deps.DB,
		queue:     deps.Queue,
		limiter:   deps.Limiter,
		retry:     deps.Retry,
		clock:     deps.Clock,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		log:       logger.ForComponent("scanner"),
	}
}

// BatchSize returns ceil(active * fraction), at least one when there is
// anything to scan
func BatchSize(active int64, fraction float64) int {
	if active <= 0 || fraction <= 0 {
		return 0
	}
	n := int(math.Ceil(float64(active)*fraction - 1e-9))
	if n < 1 {
		n = 1
	}
	return n
}

// FailureBackoff returns base * 2^(n-1) capped at max for the n-th
// consecutive failure
func FailureBackoff(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

type outcome struct {
	started   bool
	succeeded bool
	changed   bool
	canceled  bool
	lost      bool
	price     decimal.Decimal
	currency  string
	next      time.Time
	err       error
}

// RunBatch scans one slice of the supermarket's catalog. A failing item never
// aborts the batch. When ctx is canceled dispatching stops; items already
// claimed stay scheduled or in progress until stale recovery returns them.
func (s *Scanner) RunBatch(ctx context.Context, f fetcher.Fetcher) (BatchResult, error) {
	supermarket := f.Supermarket()
	log := s.log.WithField("supermarket", supermarket).WithContext(ctx)
	started := time.Now()
	now := s.clock.Now()

	if s.cfg.StaleTimeout > 0 {
		recovered, err := s.queue.RecoverStale(ctx, supermarket, now.Add(-s.cfg.StaleTimeout))
		if err != nil {
			return BatchResult{}, err
		}
		s.metrics.AddRecovered(recovered)
	}

	if _, err := s.queue.Release(ctx, supermarket, now); err != nil {
		return BatchResult{}, err
	}

	var active int64
	if err := s.db.WithContext(ctx).Model(&store.Product{}).
		Where("supermarket = ? AND active = ?", supermarket, true).
		Count(&active).Error; err != nil {
		return BatchResult{}, store.Wrap(supermarket, "failed to count active products", err)
	}

	size := BatchSize(active, s.cfg.BatchFraction)
	claimed, err := s.queue.Claim(ctx, supermarket, size, now)
	if err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{Selected: len(claimed)}
	if len(claimed) == 0 {
		log.Info().Int64("active", active).Msg("No products due for scanning")
		s.metrics.ObserveBatch(supermarket, 0, 0, time.Since(started), nil)
		return result, nil
	}

	pacer := s.limiter.NewPacer(len(claimed))
	policy := s.retry.WithRateLimitHook(func(err error) {
		pacer.SlowDown()
		log.Warn().Err(err).Dur("interval", pacer.Interval()).Msg("Rate limited, slowing down batch")
	})

	log.Info().
		Int64("active", active).
		Int("selected", len(claimed)).
		Dur("interval", pacer.Interval()).
		Msg("Starting scan batch")

	var mu sync.Mutex
	runErr := pacer.Run(ctx, func(ctx context.Context, i int) {
		out := s.process(ctx, f, &claimed[i], policy)

		mu.Lock()
		defer mu.Unlock()
		switch {
		case out.succeeded:
			result.Succeeded++
			if out.changed {
				result.Changed++
			}
		case out.lost:
			result.Lost++
		case out.started && !out.canceled:
			result.Failed++
		}
	})

	s.metrics.ObserveBatch(supermarket, result.Succeeded, result.Failed, time.Since(started), runErr)
	event := log.Info()
	if runErr != nil {
		event = log.Warn().Err(runErr)
	}
	event.
		Int("selected", result.Selected).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("changed", result.Changed).
		Int("lost", result.Lost).
		Dur("elapsed", time.Since(started)).
		Msg("Scan batch finished")

	return result, runErr
}

// ScanOne scans a single product immediately, bypassing eligibility and
// pacing but not the retry policy
func (s *Scanner) ScanOne(ctx context.Context, f fetcher.Fetcher, productID uint) (ScanResult, error) {
	claimed, err := s.queue.ClaimOne(ctx, f.Supermarket(), productID, s.clock.Now())
	if err != nil {
		return ScanResult{}, err
	}

	out := s.process(ctx, f, claimed, s.retry)
	if out.canceled {
		return ScanResult{}, ctx.Err()
	}
	if !out.started {
		return ScanResult{}, out.err
	}

	res := ScanResult{
		ProductID:      productID,
		Succeeded:      out.succeeded,
		Changed:        out.changed,
		NextEligibleAt: out.next,
	}
	if out.succeeded {
		res.Price = out.price.String()
		res.Currency = out.currency
	}
	if out.err != nil {
		res.Error = out.err.Error()
	}
	return res, nil
}

func (s *Scanner) process(ctx context.Context, f fetcher.Fetcher, item *queue.Claimed, policy retry.Policy) outcome {
	supermarket := f.Supermarket()
	log := s.log.WithField("supermarket", supermarket).WithContext(ctx).WithField("product_id", item.ProductID)

	if err := s.queue.Start(ctx, item, s.clock.Now()); err != nil {
		log.Warn().Err(err).Msg("Could not start queue item")
		return outcome{lost: errors.Is(err, queue.ErrLostClaim), err: err}
	}

	ref := fetcher.ProductRef{URL: item.Product.URL, ExternalID: item.Product.ExternalID}
	fetchStarted := time.Now()
	data, err := retry.Do(ctx, policy, func(ctx context.Context) (*fetcher.ProductData, error) {
		return f.FetchProduct(ctx, ref)
	})
	s.metrics.ObserveFetch(supermarket, time.Since(fetchStarted), err)

	if ctx.Err() != nil {
		return outcome{started: true, canceled: true, err: ctx.Err()}
	}
	if err != nil {
		log.Debug().Err(err).Msg("Product fetch failed")
		return s.fail(ctx, item, policy, err)
	}

	now := s.clock.Now()
	next := now.Add(s.cfg.RevisitInterval)
	var applied history.Applied
	_, err = retry.Do(ctx, policy, func(ctx context.Context) (struct{}, error) {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			applied, err = history.ApplyTx(tx, item.ProductID, history.Observation{
				Price:         data.Price,
				Currency:      data.Currency,
				UnitPrice:     data.UnitPrice,
				UnitPriceUnit: data.UnitPriceUnit,
				ObservedAt:    now,
			})
			if err != nil {
				return err
			}
			if err := updateSnapshot(tx, item.ProductID, data, applied, now); err != nil {
				return err
			}
			return queue.CompleteTx(tx, item, next)
		})
		return struct{}{}, commitError(supermarket, "scan commit failed", err)
	})
	if err != nil {
		if ctx.Err() != nil {
			return outcome{started: true, canceled: true, err: ctx.Err()}
		}
		if errors.Is(err, queue.ErrLostClaim) {
			log.Warn().Err(err).Msg("Queue item was reclaimed before commit")
			return outcome{started: true, lost: true, err: err}
		}
		log.Error().Err(err).Msg("Failed to commit scan result")
		return s.fail(ctx, item, policy, err)
	}

	if applied.Changed {
		s.metrics.IncPriceChange(supermarket)
		s.publishChange(ctx, item, applied, data, now)
	}

	log.Debug().
		Str("price", data.Price.String()).
		Bool("changed", applied.Changed).
		Msg("Product scanned")
	return outcome{
		started:   true,
		succeeded: true,
		changed:   applied.Changed,
		price:     data.Price,
		currency:  applied.Current.Currency,
		next:      next,
	}
}

func (s *Scanner) fail(ctx context.Context, item *queue.Claimed, policy retry.Policy, cause error) outcome {
	now := s.clock.Now()
	next := now.Add(FailureBackoff(item.ConsecutiveFailures+1, s.cfg.FailureBackoffBase, s.cfg.FailureBackoffMax))

	_, err := retry.Do(ctx, policy, func(ctx context.Context) (struct{}, error) {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return queue.FailTx(tx, item, next, cause.Error())
		})
		return struct{}{}, commitError(item.Supermarket, "failure commit failed", err)
	})
	if err != nil {
		s.log.WithContext(ctx).Error().
			Err(err).
			Uint("product_id", item.ProductID).
			Msg("Failed to record scan failure")
		return outcome{
			started:  true,
			canceled: ctx.Err() != nil,
			lost:     errors.Is(err, queue.ErrLostClaim),
			err:      cause,
		}
	}
	return outcome{started: true, next: next, err: cause}
}

// commitError keeps a lost claim from being retried; the item now belongs to
// another claimer.
func commitError(supermarket, message string, err error) error {
	if errors.Is(err, queue.ErrLostClaim) {
		return apperrors.NewPermanent(supermarket, message, err)
	}
	return store.Wrap(supermarket, message, err)
}

// updateSnapshot copies the fetched fields onto the product row. The price
// fields follow the open history version, so a stale observation that the
// history ignored leaves them alone.
func updateSnapshot(tx *gorm.DB, productID uint, data *fetcher.ProductData, applied history.Applied, now time.Time) error {
	updates := map[string]interface{}{
		"available":       data.Available,
		"last_scanned_at": now,
	}
	if !applied.Stale {
		updates["last_price"] = decimal.NewNullDecimal(applied.Current.Price)
		updates["currency"] = applied.Current.Currency
		updates["unit_price"] = applied.Current.UnitPrice
		updates["unit_price_unit"] = applied.Current.UnitPriceUnit
	}
	if data.Name != "" {
		updates["name"] = data.Name
	}
	if data.Brand != "" {
		updates["brand"] = data.Brand
	}
	if data.Category != "" {
		updates["category"] = data.Category
	}
	return tx.Model(&store.Product{}).Where("id = ?", productID).Updates(updates).Error
}

func (s *Scanner) publishChange(ctx context.Context, item *queue.Claimed, applied history.Applied, data *fetcher.ProductData, now time.Time) {
	change := publisher.PriceChange{
		ProductID:   item.ProductID,
		Supermarket: item.Supermarket,
		URL:         item.Product.URL,
		Name:        data.Name,
		Price:       applied.Current.Price.String(),
		Currency:    applied.Current.Currency,
		ObservedAt:  now,
	}
	if applied.Previous != nil {
		prev := applied.Previous.Price.String()
		change.PreviousPrice = &prev
	}
	if applied.Current.UnitPrice.Valid {
		unit := applied.Current.UnitPrice.Decimal.String()
		change.UnitPrice = &unit
		change.UnitPriceUnit = applied.Current.UnitPriceUnit
	}
	if err := publisher.PublishPriceChange(ctx, s.publisher, change); err != nil {
		s.log.WithContext(ctx).Warn().Err(err).Uint("product_id", item.ProductID).Msg("Failed to publish price change")
	}
}
