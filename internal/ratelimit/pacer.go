package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// MaxSlowdown is how far SlowDown can stretch the release interval of a batch
const MaxSlowdown = 8

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config bounds how fast a batch is dispatched
type Config struct {
	// Concurrency is the maximum number of items in flight
	Concurrency int
	// Window is the target duration of a whole batch
	Window time.Duration
	// Jitter is the fraction of the release interval randomly added to each
	// release. It delays single items without stretching the window.
	Jitter float64

	// Sleep replaces real waiting. When set, releases are reserved on the
	// limiter at Now and Sleep waits out the reservation.
	Sleep SleepFunc
	Now   func() time.Time
	Rand  func() float64
}

// Limiter creates pacers for batches
type Limiter struct {
	cfg     Config
	virtual bool
}

// New creates a limiter
func New(cfg Config) *Limiter {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = 0
	}
	virtual := cfg.Sleep != nil
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	return &Limiter{cfg: cfg, virtual: virtual}
}

// Concurrency returns the configured in-flight bound
func (l *Limiter) Concurrency() int {
	return l.cfg.Concurrency
}

// NewPacer returns a pacer that spreads n items over the window
func (l *Limiter) NewPacer(n int) *Pacer {
	var interval time.Duration
	if n > 0 {
		interval = l.cfg.Window / time.Duration(n)
	}
	return &Pacer{
		cfg:      l.cfg,
		virtual:  l.virtual,
		n:        n,
		base:     interval,
		interval: interval,
		lim:      rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Pacer releases the items of one batch at most Concurrency at a time and
// Window/N apart, whichever is slower.
type Pacer struct {
	cfg     Config
	virtual bool
	n       int
	base    time.Duration

	mu       sync.Mutex
	interval time.Duration
	lim      *rate.Limiter
}

// Interval returns the current release interval without jitter
func (p *Pacer) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// SlowDown halves the release rate for the rest of the batch, down to an
// eighth of the starting rate
func (p *Pacer) SlowDown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.interval * 2
	if next > p.base*MaxSlowdown {
		next = p.base * MaxSlowdown
	}
	if next == p.interval {
		return
	}
	p.interval = next
	p.lim.SetLimitAt(p.cfg.Now(), rate.Every(next))
}

func (p *Pacer) jitter() time.Duration {
	if p.cfg.Jitter == 0 {
		return 0
	}
	return time.Duration(float64(p.Interval()) * p.cfg.Jitter * p.cfg.Rand())
}

// wait blocks until the limiter releases the next item
func (p *Pacer) wait(ctx context.Context) error {
	if !p.virtual {
		if err := p.lim.Wait(ctx); err != nil {
			return err
		}
	} else {
		now := p.cfg.Now()
		r := p.lim.ReserveN(now, 1)
		if err := p.cfg.Sleep(ctx, r.DelayFrom(now)); err != nil {
			r.CancelAt(p.cfg.Now())
			return err
		}
	}
	if d := p.jitter(); d > 0 {
		return p.cfg.Sleep(ctx, d)
	}
	return ctx.Err()
}

// Run calls fn for every item index. It returns once every dispatched call
// has returned. When ctx is canceled no further items are dispatched and the
// context error is returned.
func (p *Pacer) Run(ctx context.Context, fn func(ctx context.Context, i int)) error {
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)

	for i := 0; i < p.n; i++ {
		if err := p.wait(ctx); err != nil {
			break
		}
		g.Go(func() error {
			// The slot may have been acquired after cancellation
			if ctx.Err() != nil {
				return nil
			}
			fn(ctx, i)
			return nil
		})
	}

	_ = g.Wait()
	return ctx.Err()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
