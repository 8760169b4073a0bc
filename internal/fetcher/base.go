package fetcher

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"sjsage522/pricetracker/helpers"
	apperrors "sjsage522/pricetracker/pkg/errors"
)

// fetchWithCache fetches a URL unless the supermarket is blocked after a rate
// limit. A rate limited response blocks further requests for BlockTime or the
// server requested delay, whichever is longer.
func (b *BaseFetcher) fetchWithCache(ctx context.Context, url, accept string) (io.Reader, error) {
	if remaining, blocked := b.blockedFor(); blocked {
		return nil, apperrors.NewRateLimit(b.Name, remaining)
	}

	body, err := helpers.Fetch(ctx, url, accept)
	if err != nil {
		var se *apperrors.ScrapeError
		if errors.As(err, &se) {
			se.Supermarket = b.Name
			if se.Type == apperrors.ErrorTypeRateLimit {
				b.block(se.RetryAfter)
			}
		}
		return nil, err
	}

	return body, nil
}

func (b *BaseFetcher) blockedFor() (time.Duration, bool) {
	if b.CacheSvc == nil || b.CacheKey == "" {
		return 0, false
	}
	value, err := b.CacheSvc.Get(b.CacheKey)
	if err != nil {
		return 0, false
	}
	until, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return b.BlockTime, true
	}
	remaining := time.Until(time.Unix(until, 0))
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

func (b *BaseFetcher) block(retryAfter time.Duration) {
	if b.CacheSvc == nil || b.CacheKey == "" {
		return
	}
	d := b.BlockTime
	if retryAfter > d {
		d = retryAfter
	}
	if d <= 0 {
		return
	}
	until := time.Now().Add(d).Unix()
	if err := b.CacheSvc.Set(b.CacheKey, []byte(strconv.FormatInt(until, 10)), d); err != nil {
		b.logger().Warn().Err(err).Msg("Failed to store rate limit block")
		return
	}
	b.logger().Warn().Dur("block", d).Msg("Rate limited, blocking further requests")
}
