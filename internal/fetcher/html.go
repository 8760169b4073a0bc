package fetcher

import (
	"context"
	"fmt"
	"strings"

	"sjsage522/pricetracker/helpers"
	apperrors "sjsage522/pricetracker/pkg/errors"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
)

// HTMLFetcher parses product pages with CSS selectors
type HTMLFetcher struct {
	BaseFetcher
	Selectors Selectors
}

// FetchProduct fetches the product page and extracts the configured fields
func (f *HTMLFetcher) FetchProduct(ctx context.Context, ref ProductRef) (*ProductData, error) {
	body, err := f.fetchWithCache(ctx, ref.URL, helpers.AcceptHTML)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, apperrors.NewPermanent(f.Name, "HTML parse error", err)
	}

	return f.parseProduct(doc, ref)
}

func (f *HTMLFetcher) parseProduct(doc *goquery.Document, ref ProductRef) (*ProductData, error) {
	name := textOf(doc.Selection, f.Selectors.Name)
	if name == "" {
		return nil, apperrors.NewPermanent(f.Name, fmt.Sprintf("no name on %s", ref.URL), nil)
	}

	priceSel := doc.Find(f.Selectors.Price).First()
	if priceSel.Length() == 0 {
		return nil, apperrors.NewPermanent(f.Name, fmt.Sprintf("no price on %s", ref.URL), nil)
	}
	priceText := priceSel.Text()
	if f.Selectors.PriceAttr != "" {
		priceText, _ = priceSel.Attr(f.Selectors.PriceAttr)
	}
	price, err := ParsePrice(priceText)
	if err != nil {
		return nil, apperrors.NewPermanent(f.Name, fmt.Sprintf("unparseable price on %s", ref.URL), err)
	}

	data := &ProductData{
		Name:      name,
		Brand:     textOf(doc.Selection, f.Selectors.Brand),
		Category:  textOf(doc.Selection, f.Selectors.Category),
		Price:     price,
		Currency:  f.DefaultCurrency,
		Available: true,
	}
	if f.Selectors.Currency != "" {
		if sel := doc.Find(f.Selectors.Currency).First(); sel.Length() > 0 {
			if c, ok := sel.Attr("content"); ok && c != "" {
				data.Currency = strings.TrimSpace(c)
			} else if c := strings.TrimSpace(sel.Text()); c != "" {
				data.Currency = c
			}
		}
	}
	if text := textOf(doc.Selection, f.Selectors.UnitPrice); text != "" {
		if unit, err := ParsePrice(text); err == nil {
			data.UnitPrice = decimal.NewNullDecimal(unit)
			data.UnitPriceUnit = unitOf(textOf(doc.Selection, f.Selectors.UnitPriceUnit))
		}
	}
	if f.Selectors.OutOfStock != "" && doc.Find(f.Selectors.OutOfStock).Length() > 0 {
		data.Available = false
	}
	return data, nil
}

// textOf returns the trimmed text of the first match, preferring a content
// attribute as found on meta tags
func textOf(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	sel := s.Find(selector).First()
	if sel.Length() == 0 {
		return ""
	}
	if content, ok := sel.Attr("content"); ok {
		return strings.TrimSpace(content)
	}
	return strings.Join(strings.Fields(sel.Text()), " ")
}
