// Package tracker is the entry point of the engine. It resolves supermarkets to
// their fetchers, records job runs and turns every failure into a classified
// error.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"sjsage522/pricetracker/internal/catalog"
	"sjsage522/pricetracker/internal/clock"
	"sjsage522/pricetracker/internal/fetcher"
	"sjsage522/pricetracker/internal/metrics"
	"sjsage522/pricetracker/internal/queue"
	"sjsage522/pricetracker/internal/scanner"
	"sjsage522/pricetracker/internal/store"
	"sjsage522/pricetracker/logger"
	apperrors "sjsage522/pricetracker/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Status is the queue summary of one supermarket
type Status struct {
	Supermarket   string     `json:"supermarket"`
	Pending       int64      `json:"pending"`
	Scheduled     int64      `json:"scheduled"`
	InProgress    int64      `json:"in_progress"`
	Done          int64      `json:"done"`
	Failed        int64      `json:"failed"`
	Retired       int64      `json:"retired"`
	LastRefreshAt *time.Time `json:"last_refresh_at"`
	LastBatchAt   *time.Time `json:"last_batch_at"`
}

// Tracker runs refreshes and scans for the configured supermarkets
type Tracker struct {
	db        *gorm.DB
	fetchers  map[string]fetcher.Fetcher
	refresher *catalog.Refresher
	scanner   *scanner.Scanner
	queue     *queue.Queue
	clock     clock.Clock
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// New creates a tracker
func New(
	db *gorm.DB,
	fetchers map[string]fetcher.Fetcher,
	refresher *catalog.Refresher,
	scan *scanner.Scanner,
	q *queue.Queue,
	clk clock.Clock,
	m *metrics.Metrics,
) *Tracker {
	if clk == nil {
		clk = clock.System()
	}
	return &Tracker{
		db:        db,
		fetchers:  fetchers,
		refresher: refresher,
		scanner:   scan,
		queue:     q,
		clock:     clk,
		metrics:   m,
		log:       logger.ForComponent("tracker"),
	}
}

// Supermarkets returns the configured supermarket names in sorted order
func (t *Tracker) Supermarkets() []string {
	names := make([]string, 0, len(t.fetchers))
	for name := range t.fetchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Tracker) fetcher(supermarket string) (fetcher.Fetcher, error) {
	f, ok := t.fetchers[supermarket]
	if !ok {
		return nil, apperrors.NewConfiguration(fmt.Sprintf("unknown supermarket %q", supermarket), nil)
	}
	return f, nil
}

// RefreshCatalog diffs the supermarket's sitemap against the known products
func (t *Tracker) RefreshCatalog(ctx context.Context, supermarket string) (catalog.RefreshResult, error) {
	f, err := t.fetcher(supermarket)
	if err != nil {
		return catalog.RefreshResult{}, err
	}

	runID, ctx := t.startRun(ctx, supermarket, store.JobRefresh)
	startedAt := t.clock.Now()
	result, err := t.refresher.Refresh(ctx, f)
	err = normalize(supermarket, "catalog refresh failed", err)
	t.recordRun(ctx, runID, supermarket, store.JobRefresh, startedAt, result, err)
	t.updateQueueMetrics(ctx, supermarket)
	return result, err
}

// ScanBatch scans the next slice of due products
func (t *Tracker) ScanBatch(ctx context.Context, supermarket string) (scanner.BatchResult, error) {
	f, err := t.fetcher(supermarket)
	if err != nil {
		return scanner.BatchResult{}, err
	}

	runID, ctx := t.startRun(ctx, supermarket, store.JobBatch)
	startedAt := t.clock.Now()
	result, err := t.scanner.RunBatch(ctx, f)
	err = normalize(supermarket, "scan batch failed", err)
	t.recordRun(ctx, runID, supermarket, store.JobBatch, startedAt, result, err)
	t.updateQueueMetrics(ctx, supermarket)
	return result, err
}

// ScanOne scans a single product immediately
func (t *Tracker) ScanOne(ctx context.Context, supermarket string, productID uint) (scanner.ScanResult, error) {
	f, err := t.fetcher(supermarket)
	if err != nil {
		return scanner.ScanResult{}, err
	}

	result, err := t.scanner.ScanOne(ctx, f, productID)
	if err != nil {
		return result, normalize(supermarket, fmt.Sprintf("scan of product %d failed", productID), err)
	}
	return result, nil
}

// GetStatus summarizes the queue and the last successful jobs
func (t *Tracker) GetStatus(ctx context.Context, supermarket string) (Status, error) {
	if _, err := t.fetcher(supermarket); err != nil {
		return Status{}, err
	}

	stats, err := t.queue.Stats(ctx, supermarket)
	if err != nil {
		return Status{}, normalize(supermarket, "failed to read queue stats", err)
	}

	status := Status{
		Supermarket: supermarket,
		Pending:     stats[store.StatePending],
		Scheduled:   stats[store.StateScheduled],
		InProgress:  stats[store.StateInProgress],
		Done:        stats[store.StateDone],
		Failed:      stats[store.StateFailed],
		Retired:     stats[store.StateRetired],
	}

	if status.LastRefreshAt, err = store.LastSuccess(ctx, t.db, supermarket, store.JobRefresh); err != nil {
		return Status{}, normalize(supermarket, "failed to read last refresh", err)
	}
	if status.LastBatchAt, err = store.LastSuccess(ctx, t.db, supermarket, store.JobBatch); err != nil {
		return Status{}, normalize(supermarket, "failed to read last batch", err)
	}
	return status, nil
}

// LastSuccess returns when job last finished successfully, nil if never
func (t *Tracker) LastSuccess(ctx context.Context, supermarket, job string) (*time.Time, error) {
	at, err := store.LastSuccess(ctx, t.db, supermarket, job)
	return at, normalize(supermarket, "failed to read job runs", err)
}

// RecoverStale returns claims older than olderThan to pending
func (t *Tracker) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := t.queue.RecoverStale(ctx, "", t.clock.Now().Add(-olderThan))
	if err != nil {
		return 0, normalize("", "stale recovery failed", err)
	}
	t.metrics.AddRecovered(n)
	return n, nil
}

// startRun attaches a logger tagged with a fresh run id to ctx. Every log line
// of the run, down to the queue, carries the id recorded in job_runs.
func (t *Tracker) startRun(ctx context.Context, supermarket, job string) (string, context.Context) {
	runID := uuid.NewString()
	log := t.log.WithContext(ctx).WithFields(logger.Fields{
		"supermarket": supermarket,
		"job":         job,
		"run_id":      runID,
	})
	return runID, log.Attach(ctx)
}

func (t *Tracker) recordRun(ctx context.Context, runID, supermarket, job string, startedAt time.Time, result interface{}, runErr error) {
	summary, _ := json.Marshal(result)
	if runErr != nil {
		summary = []byte(runErr.Error())
	}
	if len(summary) > 1024 {
		summary = summary[:1024]
	}

	run := &store.JobRun{
		RunID:       runID,
		Supermarket: supermarket,
		Job:         job,
		StartedAt:   startedAt,
		FinishedAt:  t.clock.Now(),
		Succeeded:   runErr == nil,
		Summary:     string(summary),
	}
	// Canceled runs are still recorded
	if err := store.RecordJobRun(context.WithoutCancel(ctx), t.db, run); err != nil {
		t.log.WithContext(ctx).Error().Err(err).Msg("Failed to record job run")
	}
}

func (t *Tracker) updateQueueMetrics(ctx context.Context, supermarket string) {
	if t.metrics == nil {
		return
	}
	stats, err := t.queue.Stats(context.WithoutCancel(ctx), supermarket)
	if err != nil {
		t.log.WithContext(ctx).Warn().Err(err).Msg("Failed to read queue stats")
		return
	}
	for state, n := range stats {
		t.metrics.SetQueueItems(supermarket, string(state), n)
	}
}

// normalize makes sure err is a classified error
func normalize(supermarket, message string, err error) error {
	if err == nil {
		return nil
	}
	var se *apperrors.ScrapeError
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperrors.New(apperrors.ErrorTypeCanceled, supermarket, message, err)
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, queue.ErrItemRetired),
		errors.Is(err, queue.ErrItemBusy), errors.Is(err, queue.ErrLostClaim):
		return apperrors.NewPermanent(supermarket, message, err)
	default:
		return apperrors.NewStore(supermarket, message, err)
	}
}
