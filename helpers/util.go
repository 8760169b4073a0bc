package helpers

import (
	"errors"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

func GetSplitPart(target string, separate string, index int) (string, error) {
	parts := strings.Split(target, separate)
	if index >= len(parts) {
		return "", errors.New("index out of range")
	}
	return parts[index], nil
}

// NameFromURL derives a display name from the last slug of a product URL,
// e.g. ".../product/10005/leche-entera-hacendado" becomes "Leche entera hacendado".
// Purely numeric segments are skipped.
func NameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		slug, err := GetSplitPart(segments[i], ".", 0)
		if err != nil || slug == "" || isNumeric(slug) {
			continue
		}
		name := strings.Join(strings.FieldsFunc(slug, func(r rune) bool { return r == '-' || r == '_' }), " ")
		if name == "" {
			continue
		}
		r, size := utf8.DecodeRuneInString(name)
		return string(unicode.ToUpper(r)) + name[size:]
	}
	return ""
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
