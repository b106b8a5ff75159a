package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	// DefaultMaxPrice is the price ceiling applied when a filter does
	// not set one.
	DefaultMaxPrice = 999_999_999

	// DefaultMaxListingAge is how far back a listing's publication time
	// may lie before the filter drops it.
	DefaultMaxListingAge = 24 * time.Hour
)

// FilterConfig is the per-subscription filter applied to parsed listings.
// Both platforms share this shape; fields a platform cannot populate are
// simply never matched.
type FilterConfig struct {
	MinPrice int64 `json:"min_price" mapstructure:"min_price"`
	MaxPrice int64 `json:"max_price" mapstructure:"max_price"`

	// KeywordWhitelist keeps only listings whose title or description
	// contains at least one of the words. Empty means keep everything.
	KeywordWhitelist []string `json:"keyword_whitelist,omitempty" mapstructure:"keyword_whitelist"`

	// KeywordBlacklist drops listings whose title or description
	// contains any of the words.
	KeywordBlacklist []string `json:"keyword_blacklist,omitempty" mapstructure:"keyword_blacklist"`

	// SellerBlacklist drops listings from the named sellers.
	SellerBlacklist []string `json:"seller_blacklist,omitempty" mapstructure:"seller_blacklist"`

	Geo string `json:"geo,omitempty" mapstructure:"geo"`

	// MaxAge drops listings published longer than this ago. Zero means
	// DefaultMaxListingAge.
	MaxAge time.Duration `json:"max_age,omitempty" mapstructure:"max_age"`

	MinAreaM2 float64 `json:"min_area_m2,omitempty" mapstructure:"min_area_m2"`
	MaxAreaM2 float64 `json:"max_area_m2,omitempty" mapstructure:"max_area_m2"`

	IgnoreReserved bool `json:"ignore_reserved" mapstructure:"ignore_reserved"`
	IgnorePromoted bool `json:"ignore_promoted" mapstructure:"ignore_promoted"`
}

// Normalize fills defaulted fields in place.
func (f *FilterConfig) Normalize() {
	if f.MaxPrice <= 0 {
		f.MaxPrice = DefaultMaxPrice
	}
	if f.MaxAge <= 0 {
		f.MaxAge = DefaultMaxListingAge
	}
}

// Validate checks the filter for contradictions.
func (f *FilterConfig) Validate() error {
	if f.MinPrice < 0 {
		return errors.New("min price cannot be negative")
	}
	if f.MaxPrice > 0 && f.MinPrice > f.MaxPrice {
		return errors.New("min price exceeds max price")
	}
	if f.MinAreaM2 < 0 {
		return errors.New("min area cannot be negative")
	}
	if f.MaxAreaM2 > 0 && f.MinAreaM2 > f.MaxAreaM2 {
		return errors.New("min area exceeds max area")
	}
	return nil
}

// Match reports whether the listing passes the filter at the given time.
func (f *FilterConfig) Match(l Listing, now time.Time) bool {
	if l.Price < f.MinPrice {
		return false
	}
	if f.MaxPrice > 0 && l.Price > f.MaxPrice {
		return false
	}
	if f.IgnoreReserved && l.Reserved {
		return false
	}
	if f.IgnorePromoted && l.Promoted {
		return false
	}
	if f.MinAreaM2 > 0 && l.AreaM2 > 0 && l.AreaM2 < f.MinAreaM2 {
		return false
	}
	if f.MaxAreaM2 > 0 && l.AreaM2 > 0 && l.AreaM2 > f.MaxAreaM2 {
		return false
	}
	if !l.PublishedAt.IsZero() {
		maxAge := f.MaxAge
		if maxAge <= 0 {
			maxAge = DefaultMaxListingAge
		}
		if now.Sub(l.PublishedAt) > maxAge {
			return false
		}
	}
	text := strings.ToLower(l.Title + " " + l.Description)
	for _, word := range f.KeywordBlacklist {
		if word != "" && strings.Contains(text, strings.ToLower(word)) {
			return false
		}
	}
	if len(f.KeywordWhitelist) > 0 {
		matched := false
		for _, word := range f.KeywordWhitelist {
			if word != "" && strings.Contains(text, strings.ToLower(word)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	seller := strings.ToLower(l.Seller)
	for _, blocked := range f.SellerBlacklist {
		if blocked != "" && seller == strings.ToLower(blocked) {
			return false
		}
	}
	return true
}
