package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestScrapeErrorIsRetryable(t *testing.T) {
	assert.True(t, NewTransient("mercadona", "boom", nil).IsRetryable())
	assert.True(t, NewRateLimit("mercadona", time.Minute).IsRetryable())
	assert.True(t, NewStore("mercadona", "conflict", nil).IsRetryable())
	assert.False(t, NewPermanent("mercadona", "404", nil).IsRetryable())
	assert.False(t, NewRefreshIntegrity("mercadona", "empty sitemap", nil).IsRetryable())
	assert.False(t, NewConfiguration("bad", nil).IsRetryable())
}

func TestScrapeErrorMessage(t *testing.T) {
	err := NewTransient("bonpreu", "fetch failed", stderrors.New("reset"))
	assert.Equal(t, "[transient] bonpreu: fetch failed - reset", err.Error())
	assert.Equal(t, "reset", stderrors.Unwrap(err).Error())

	err = NewRateLimit("bonpreu", 30*time.Second)
	assert.Contains(t, err.Error(), "rate limited for 30s")
	assert.Equal(t, 30*time.Second, RetryAfter(err))
}

func TestClassify(t *testing.T) {
	wrapped := fmt.Errorf("scan: %w", NewPermanent("x", "parse", nil))
	assert.Equal(t, ErrorTypePermanent, Classify(wrapped))
	assert.Equal(t, ErrorTypeCanceled, Classify(context.Canceled))
	assert.Equal(t, ErrorTypeCanceled, Classify(fmt.Errorf("get: %w", context.DeadlineExceeded)))
	assert.Equal(t, ErrorTypeTransient, Classify(fmt.Errorf("read: %w", syscall.ECONNRESET)))
	assert.Equal(t, ErrorTypeTransient, Classify(timeoutErr{}))
	assert.Equal(t, ErrorTypePermanent, Classify(stderrors.New("unexpected")))
	assert.Equal(t, ErrorType(""), Classify(nil))

	assert.True(t, IsRetryable(timeoutErr{}))
	assert.False(t, IsRetryable(context.Canceled))
}
