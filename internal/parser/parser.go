// Package parser turns raw classifieds catalog HTML into normalized
// listings. Each platform gets its own parser; selectors track the live
// markup and are the most churn-prone part of the system.
package parser

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"github.com/jonesrussell/adwatch/internal/domain"
)

// Parser extracts listings from one platform's catalog page.
type Parser interface {
	// Platform identifies the markup dialect this parser understands.
	Platform() domain.Platform
	// Parse extracts listings from catalog HTML. An empty result with a
	// nil error is a valid outcome (empty search page).
	Parse(body []byte, baseURL string) ([]domain.Listing, error)
}

// ForPlatform returns the parser for the platform.
func ForPlatform(p domain.Platform) (Parser, error) {
	switch p {
	case domain.PlatformAvito:
		return NewAvitoParser(), nil
	case domain.PlatformCian:
		return NewCianParser(), nil
	default:
		return nil, fmt.Errorf("no parser for platform %q", p)
	}
}

// parsePrice extracts the integer price from display text like
// "2 450 000 ₽" or "от 35 000 ₽/мес.". Returns 0 when no digits found.
func parsePrice(text string) int64 {
	var digits strings.Builder
	for _, r := range text {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return 0
	}
	v, err := strconv.ParseInt(digits.String(), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// parseArea extracts square meters from text like "45,2 м²".
func parseArea(text string) float64 {
	text = strings.ReplaceAll(text, ",", ".")
	var num strings.Builder
	for _, r := range text {
		switch {
		case unicode.IsDigit(r):
			num.WriteRune(r)
		case r == '.' && num.Len() > 0:
			num.WriteRune(r)
		case num.Len() > 0:
			return parseFloatPrefix(num.String())
		}
	}
	return parseFloatPrefix(num.String())
}

func parseFloatPrefix(s string) float64 {
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// absoluteURL resolves href against the catalog page URL.
func absoluteURL(href, baseURL string) string {
	if href == "" {
		return ""
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
