package fetcher

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// ParsePrice parses prices as written on supermarket pages: "1,25 €",
// "€1.25", "1.234,56". When both separators appear the last one is the
// decimal separator.
func ParsePrice(text string) (decimal.Decimal, error) {
	var b strings.Builder
	for _, r := range text {
		if unicode.IsDigit(r) || r == '.' || r == ',' || r == '-' {
			b.WriteRune(r)
		}
	}
	clean := strings.Trim(b.String(), ".,")
	if clean == "" {
		return decimal.Decimal{}, fmt.Errorf("no price in %q", text)
	}

	lastDot := strings.LastIndexByte(clean, '.')
	lastComma := strings.LastIndexByte(clean, ',')
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			clean = strings.ReplaceAll(clean, ".", "")
			clean = strings.Replace(clean, ",", ".", 1)
		} else {
			clean = strings.ReplaceAll(clean, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(clean, ",") > 1 {
			clean = strings.ReplaceAll(clean, ",", "")
		} else {
			clean = strings.Replace(clean, ",", ".", 1)
		}
	case strings.Count(clean, ".") > 1:
		clean = strings.ReplaceAll(clean, ".", "")
	}

	return decimal.NewFromString(clean)
}

// priceFromJSON accepts numbers, strings and {"amount": ...} objects. Numbers
// are parsed from their raw text so no precision is lost.
func priceFromJSON(v gjson.Result) (decimal.Decimal, error) {
	switch {
	case !v.Exists() || v.Type == gjson.Null:
		return decimal.Decimal{}, fmt.Errorf("price is missing")
	case v.Type == gjson.Number:
		return decimal.NewFromString(v.Raw)
	case v.Type == gjson.String:
		return ParsePrice(v.Str)
	case v.IsObject():
		for _, key := range []string{"amount", "value"} {
			if amount := v.Get(key); amount.Exists() && amount.Type != gjson.Null {
				return priceFromJSON(amount)
			}
		}
		return decimal.Decimal{}, fmt.Errorf("price object has no amount")
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported price %s", v.Raw)
	}
}
