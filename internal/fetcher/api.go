package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"sjsage522/pricetracker/helpers"
	apperrors "sjsage522/pricetracker/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// APIFetcher reads product details from a JSON endpoint
type APIFetcher struct {
	BaseFetcher
	API APIConfig
}

// FetchProduct fetches the product document by external id and extracts the
// configured fields
func (f *APIFetcher) FetchProduct(ctx context.Context, ref ProductRef) (*ProductData, error) {
	if ref.ExternalID == "" {
		return nil, apperrors.NewPermanent(f.Name, fmt.Sprintf("product %s has no external id", ref.URL), nil)
	}

	productURL := strings.ReplaceAll(f.API.ProductURL, "{id}", url.QueryEscape(ref.ExternalID))
	body, err := f.fetchWithCache(ctx, productURL, helpers.AcceptJSON)
	if err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, apperrors.NewTransient(f.Name, fmt.Sprintf("failed to read product %s", ref.ExternalID), err)
	}
	if !gjson.ValidBytes(raw) {
		return nil, apperrors.NewPermanent(f.Name, fmt.Sprintf("invalid JSON for product %s", ref.ExternalID), nil)
	}

	return f.parseProduct(gjson.ParseBytes(raw), ref)
}

func (f *APIFetcher) parseProduct(doc gjson.Result, ref ProductRef) (*ProductData, error) {
	paths := f.API.Paths

	price, err := priceFromJSON(get(doc, paths.Price))
	if err != nil {
		return nil, apperrors.NewPermanent(f.Name, fmt.Sprintf("no price for product %s", ref.ExternalID), err)
	}

	data := &ProductData{
		Name:          stringAt(doc, paths.Name),
		Brand:         stringAt(doc, paths.Brand),
		Category:      stringAt(doc, paths.Category),
		Price:         price,
		Currency:      stringAt(doc, paths.Currency),
		Available:     true,
		UnitPriceUnit: unitOf(stringAt(doc, paths.UnitPriceUnit)),
	}
	if data.Currency == "" {
		data.Currency = f.DefaultCurrency
	}
	if v := get(doc, paths.Available); v.IsBool() {
		data.Available = v.Bool()
	}
	if v := get(doc, paths.UnitPrice); v.Exists() && v.Type != gjson.Null {
		if unit, err := priceFromJSON(v); err == nil {
			data.UnitPrice = decimal.NewNullDecimal(unit)
		} else {
			f.logger().Debug().Err(err).Str("product", ref.ExternalID).Msg("Ignoring unparseable unit price")
		}
	}
	if data.Name == "" {
		return nil, apperrors.NewPermanent(f.Name, fmt.Sprintf("no name for product %s", ref.ExternalID), nil)
	}
	return data, nil
}

// get returns the value at path, or a missing result for an empty path
func get(doc gjson.Result, path string) gjson.Result {
	if path == "" {
		return gjson.Result{}
	}
	return doc.Get(path)
}

// stringAt returns the string at path; objects yield their "name" field
func stringAt(doc gjson.Result, path string) string {
	v := get(doc, path)
	switch {
	case v.Type == gjson.String:
		return strings.TrimSpace(v.Str)
	case v.Type == gjson.Number:
		return v.Raw
	case v.IsObject():
		return strings.TrimSpace(v.Get("name").String())
	}
	return ""
}

// unitOf strips the translation key prefix some shops put on units
func unitOf(unit string) string {
	return strings.TrimPrefix(unit, "fop.price.per.")
}
