package fetcher

import (
	"context"
	"fmt"
	"io"
	"strings"

	"sjsage522/pricetracker/helpers"
	"sjsage522/pricetracker/internal/retry"
	apperrors "sjsage522/pricetracker/pkg/errors"

	"github.com/antchfx/xmlquery"
)

const (
	sitemapIndexExpr = "/*[local-name()='sitemapindex']/*[local-name()='sitemap']/*[local-name()='loc']"
	urlSetExpr       = "/*[local-name()='urlset']/*[local-name()='url']/*[local-name()='loc']"
)

// FetchSitemap downloads the sitemap, follows a sitemap index one level deep
// and returns the product pages matching ProductPattern. Every download goes
// through the retry policy.
func (b *BaseFetcher) FetchSitemap(ctx context.Context) ([]ProductRef, error) {
	locs, isIndex, err := b.sitemapLocations(ctx, b.SitemapURL)
	if err != nil {
		return nil, err
	}

	if isIndex {
		var pages []string
		for _, child := range locs {
			childLocs, childIsIndex, err := b.sitemapLocations(ctx, child)
			if err != nil {
				return nil, err
			}
			if childIsIndex {
				return nil, apperrors.NewRefreshIntegrity(b.Name, fmt.Sprintf("nested sitemap index at %s", child), nil)
			}
			pages = append(pages, childLocs...)
		}
		locs = pages
	}

	return b.filterProducts(locs), nil
}

func (b *BaseFetcher) sitemapLocations(ctx context.Context, url string) ([]string, bool, error) {
	body, err := retry.Do(ctx, b.Retry, func(ctx context.Context) (io.Reader, error) {
		return b.fetchWithCache(ctx, url, helpers.AcceptHTML)
	})
	if err != nil {
		if apperrors.Classify(err) == apperrors.ErrorTypeCanceled {
			return nil, false, err
		}
		return nil, false, apperrors.NewRefreshIntegrity(b.Name, fmt.Sprintf("failed to fetch sitemap %s", url), err)
	}
	return parseSitemap(b.Name, url, body)
}

// parseSitemap returns the <loc> values of a urlset or sitemapindex document
func parseSitemap(supermarket, url string, body io.Reader) ([]string, bool, error) {
	doc, err := xmlquery.Parse(body)
	if err != nil {
		return nil, false, apperrors.NewRefreshIntegrity(supermarket, fmt.Sprintf("unreadable sitemap %s", url), err)
	}

	if nodes := xmlquery.Find(doc, sitemapIndexExpr); len(nodes) > 0 {
		return innerTexts(nodes), true, nil
	}
	if xmlquery.FindOne(doc, "/*[local-name()='urlset']") == nil {
		return nil, false, apperrors.NewRefreshIntegrity(supermarket, fmt.Sprintf("%s is not a sitemap", url), nil)
	}
	return innerTexts(xmlquery.Find(doc, urlSetExpr)), false, nil
}

func innerTexts(nodes []*xmlquery.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if text := strings.TrimSpace(n.InnerText()); text != "" {
			out = append(out, text)
		}
	}
	return out
}

// filterProducts keeps unique product URLs and captures their external id
func (b *BaseFetcher) filterProducts(locs []string) []ProductRef {
	seen := make(map[string]struct{}, len(locs))
	refs := make([]ProductRef, 0, len(locs))

	for _, loc := range locs {
		url := canonicalURL(loc)
		if _, dup := seen[url]; dup {
			continue
		}

		ref := ProductRef{URL: url}
		if b.ProductPattern != nil {
			m := b.ProductPattern.FindStringSubmatch(url)
			if m == nil {
				continue
			}
			if len(m) > 1 {
				ref.ExternalID = m[1]
			}
		}

		seen[url] = struct{}{}
		refs = append(refs, ref)
	}
	return refs
}

// canonicalURL drops fragments and surrounding whitespace
func canonicalURL(loc string) string {
	loc = strings.TrimSpace(loc)
	if i := strings.IndexByte(loc, '#'); i >= 0 {
		loc = loc[:i]
	}
	return loc
}
