package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrorTypeTransient represents network failures, timeouts and 5xx responses
	ErrorTypeTransient ErrorType = "transient"
	// ErrorTypePermanent represents 4xx responses and parse/schema mismatches
	ErrorTypePermanent ErrorType = "permanent"
	// ErrorTypeRateLimit represents 429 or explicit block responses
	ErrorTypeRateLimit ErrorType = "rate_limited"
	// ErrorTypeStore represents transaction conflicts and database connectivity errors
	ErrorTypeStore ErrorType = "store"
	// ErrorTypeRefreshIntegrity represents an unreadable or empty sitemap
	ErrorTypeRefreshIntegrity ErrorType = "refresh_integrity"
	// ErrorTypeConfiguration represents configuration errors
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeCanceled represents an aborted operation
	ErrorTypeCanceled ErrorType = "canceled"
)

// ScrapeError represents a classified failure of a scraping or storage operation
type ScrapeError struct {
	Type        ErrorType
	Supermarket string
	Message     string
	Err         error
	// RetryAfter is the delay the remote side asked for, zero if unknown
	RetryAfter time.Duration
	Time       time.Time
}

// Error implements the error interface
func (e *ScrapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s - %v", e.Type, e.Supermarket, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Supermarket, e.Message)
}

// Unwrap returns the underlying error
func (e *ScrapeError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is retryable
func (e *ScrapeError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeTransient, ErrorTypeRateLimit, ErrorTypeStore:
		return true
	default:
		return false
	}
}

// New creates a new ScrapeError
func New(errType ErrorType, supermarket, message string, err error) *ScrapeError {
	return &ScrapeError{
		Type:        errType,
		Supermarket: supermarket,
		Message:     message,
		Err:         err,
		Time:        time.Now(),
	}
}

// NewTransient creates a new transient fetch error
func NewTransient(supermarket, message string, err error) *ScrapeError {
	return New(ErrorTypeTransient, supermarket, message, err)
}

// NewPermanent creates a new permanent fetch error
func NewPermanent(supermarket, message string, err error) *ScrapeError {
	return New(ErrorTypePermanent, supermarket, message, err)
}

// NewRateLimit creates a new rate limit error
func NewRateLimit(supermarket string, retryAfter time.Duration) *ScrapeError {
	message := "rate limited"
	if retryAfter > 0 {
		message = fmt.Sprintf("rate limited for %v", retryAfter)
	}
	e := New(ErrorTypeRateLimit, supermarket, message, nil)
	e.RetryAfter = retryAfter
	return e
}

// NewStore creates a new store error
func NewStore(supermarket, message string, err error) *ScrapeError {
	return New(ErrorTypeStore, supermarket, message, err)
}

// NewRefreshIntegrity creates a new refresh integrity error
func NewRefreshIntegrity(supermarket, message string, err error) *ScrapeError {
	return New(ErrorTypeRefreshIntegrity, supermarket, message, err)
}

// NewConfiguration creates a new configuration error
func NewConfiguration(message string, err error) *ScrapeError {
	return New(ErrorTypeConfiguration, "", message, err)
}

// Classify returns the ErrorType of err. Errors that were not created by this
// package are classified by inspection: context errors are canceled, network
// timeouts and connection resets are transient and everything else is permanent.
func Classify(err error) ErrorType {
	if err == nil {
		return ""
	}
	var se *ScrapeError
	if stderrors.As(err, &se) {
		return se.Type
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeCanceled
	}
	if stderrors.Is(err, syscall.ECONNRESET) || stderrors.Is(err, syscall.ECONNREFUSED) || stderrors.Is(err, syscall.EPIPE) {
		return ErrorTypeTransient
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return ErrorTypeTransient
	}
	return ErrorTypePermanent
}

// IsRetryable reports whether err is worth another attempt
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ErrorTypeTransient, ErrorTypeRateLimit, ErrorTypeStore:
		return true
	default:
		return false
	}
}

// RetryAfter returns the server requested delay carried by err, if any
func RetryAfter(err error) time.Duration {
	var se *ScrapeError
	if stderrors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
