package helpers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	mathrand "math/rand"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	apperrors "sjsage522/pricetracker/pkg/errors"

	"golang.org/x/net/html/charset"
)

// HTTP client and header configurations
var (
	userAgents = []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	}

	referers = []string{
		"https://www.google.com/",
		"https://www.google.es/",
		"https://duckduckgo.com/",
	}

	// HTTP client with timeout
	client = &http.Client{
		Timeout: 30 * time.Second,
	}
)

const (
	// AcceptHTML is the Accept header sent for product pages and sitemaps
	AcceptHTML = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	// AcceptJSON is the Accept header sent for product APIs
	AcceptJSON = "application/json, text/plain, */*"
)

// SetTimeout replaces the timeout of the shared HTTP client
func SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		client.Timeout = timeout
	}
}

// Fetch sends an HTTP GET request with randomized headers and the given Accept
// header. Failures are classified: 429/430 are rate limits, 5xx and network
// errors are transient, other non-200 statuses are permanent.
func Fetch(ctx context.Context, url string, accept string) (io.Reader, error) {
	rnd := mathrand.New(mathrand.NewSource(time.Now().UnixNano()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.NewPermanent("", "failed to create request", err)
	}
	host := req.URL.Host

	req.Header.Set("User-Agent", userAgents[rnd.Intn(len(userAgents))])
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "es-ES,es;q=0.9,ca;q=0.8,en-US;q=0.7,en;q=0.6")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Referer", referers[rnd.Intn(len(referers))])
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "cross-site")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.NewTransient(host, "failed to fetch URL", err)
	}
	defer resp.Body.Close()

	// Check for rate limiting
	if slices.Contains([]int{http.StatusTooManyRequests, 430}, resp.StatusCode) {
		return nil, apperrors.NewRateLimit(host, parseRetryAfter(resp.Header.Get("Retry-After")))
	}

	if resp.StatusCode >= 500 {
		return nil, apperrors.NewTransient(host, fmt.Sprintf("fetch %s unexpected status code: %d", url, resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewPermanent(host, fmt.Sprintf("fetch %s unexpected status code: %d", url, resp.StatusCode), nil)
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewTransient(host, "failed to read response body", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "json") {
		return bytes.NewReader(bodyBytes), nil
	}

	// Determine the encoding from Content-Type header and body content
	encoding, name, _ := charset.DetermineEncoding(bodyBytes, contentType)
	if strings.EqualFold(name, "utf-8") {
		return bytes.NewReader(bodyBytes), nil
	}

	utf8Reader := encoding.NewDecoder().Reader(bytes.NewReader(bodyBytes))
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, utf8Reader); err != nil {
		return nil, apperrors.NewPermanent(host, "failed to read converted UTF-8 body", err)
	}

	return &buf, nil
}

// parseRetryAfter understands both delta-seconds and HTTP-date values
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
