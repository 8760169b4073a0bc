package scheduler

import (
	"context"
	"sync"
	"time"

	"sjsage522/pricetracker/internal/catalog"
	"sjsage522/pricetracker/internal/clock"
	"sjsage522/pricetracker/internal/scanner"
	"sjsage522/pricetracker/internal/store"
	"sjsage522/pricetracker/logger"
	"sjsage522/pricetracker/services/publisher"
)

// Runner is the part of the tracker the scheduler drives
type Runner interface {
	Supermarkets() []string
	RefreshCatalog(ctx context.Context, supermarket string) (catalog.RefreshResult, error)
	ScanBatch(ctx context.Context, supermarket string) (scanner.BatchResult, error)
	LastSuccess(ctx context.Context, supermarket, job string) (*time.Time, error)
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Config holds the two cadences
type Config struct {
	RefreshInterval time.Duration
	BatchInterval   time.Duration
	StaleTimeout    time.Duration
}

// Scheduler fires catalog refreshes and scan batches for every supermarket.
// It keeps no state of its own: whether a job is due at startup is decided
// from the last successful run recorded in the store.
type Scheduler struct {
	runner    Runner
	publisher publisher.Publisher
	clock     clock.Clock
	cfg       Config
	log       *logger.Logger

	locks map[string]*sync.Mutex
}

// New creates a scheduler
func New(runner Runner, pub publisher.Publisher, clk clock.Clock, cfg Config) *Scheduler {
	if pub == nil {
		pub = publisher.NopPublisher{}
	}
	if clk == nil {
		clk = clock.System()
	}
	locks := make(map[string]*sync.Mutex)
	for _, name := range runner.Supermarkets() {
		locks[name] = &sync.Mutex{}
	}
	return &Scheduler{
		runner:    runner,
		publisher: pub,
		clock:     clk,
		cfg:       cfg,
		log:       logger.ForComponent("scheduler"),
		locks:     locks,
	}
}

// Start recovers stale claims, runs whatever is overdue and then ticks until
// ctx is canceled
func (s *Scheduler) Start(ctx context.Context) {
	if s.cfg.StaleTimeout > 0 {
		if _, err := s.runner.RecoverStale(ctx, s.cfg.StaleTimeout); err != nil {
			s.log.Error().Err(err).Msg("Stale recovery failed at startup")
		}
	}

	s.log.Info().
		Strs("supermarkets", s.runner.Supermarkets()).
		Dur("refresh_interval", s.cfg.RefreshInterval).
		Dur("batch_interval", s.cfg.BatchInterval).
		Msg("Scheduler started")

	var wg sync.WaitGroup
	for _, name := range s.runner.Supermarkets() {
		wg.Add(2)
		go func(name string) {
			defer wg.Done()
			s.loop(ctx, name, store.JobRefresh, s.cfg.RefreshInterval, s.refresh)
		}(name)
		go func(name string) {
			defer wg.Done()
			s.loop(ctx, name, store.JobBatch, s.cfg.BatchInterval, s.batch)
		}(name)
	}
	wg.Wait()

	s.log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, supermarket, job string, interval time.Duration, run func(ctx context.Context, supermarket string)) {
	if s.due(ctx, supermarket, job, interval) {
		run(ctx, supermarket)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run(ctx, supermarket)
		}
	}
}

// due reports whether job has not succeeded within the last interval
func (s *Scheduler) due(ctx context.Context, supermarket, job string, interval time.Duration) bool {
	last, err := s.runner.LastSuccess(ctx, supermarket, job)
	if err != nil {
		s.log.Warn().Err(err).Str("supermarket", supermarket).Str("job", job).Msg("Could not read last run, running now")
		return true
	}
	return last == nil || !s.clock.Now().Before(last.Add(interval))
}

func (s *Scheduler) refresh(ctx context.Context, supermarket string) {
	lock := s.locks[supermarket]
	lock.Lock()
	defer lock.Unlock()
	if ctx.Err() != nil {
		return
	}

	log := s.log.WithField("supermarket", supermarket)
	start := time.Now()
	result, err := s.runner.RefreshCatalog(ctx, supermarket)
	if err != nil {
		log.Error().Err(err).Msg("Catalog refresh failed")
		return
	}
	log.Info().
		Int("added", result.Added).
		Int("retired", result.Retired).
		Dur("elapsed", time.Since(start)).
		Msg("Catalog refresh done")
}

func (s *Scheduler) batch(ctx context.Context, supermarket string) {
	lock := s.locks[supermarket]
	// A batch still running when the next tick fires is not doubled up
	if !lock.TryLock() {
		s.log.Warn().Str("supermarket", supermarket).Msg("Previous job still running, skipping batch tick")
		return
	}
	defer lock.Unlock()
	if ctx.Err() != nil {
		return
	}

	log := s.log.WithField("supermarket", supermarket)
	result, err := s.runner.ScanBatch(ctx, supermarket)
	if err != nil {
		log.Error().Err(err).Int("succeeded", result.Succeeded).Msg("Scan batch failed")
	}

	if result.Changed > 0 {
		if err := s.publisher.TrimStreams(ctx); err != nil {
			log.Warn().Err(err).Msg("Stream trimming failed")
		}
	}
}
