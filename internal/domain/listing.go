// Package domain defines the core types shared across the monitoring,
// rotation, and notification components.
package domain

import (
	"strings"
	"time"
)

// Platform identifies a classifieds site.
type Platform string

const (
	// PlatformAvito is the avito.ru classifieds platform.
	PlatformAvito Platform = "avito"

	// PlatformCian is the cian.ru classifieds platform.
	PlatformCian Platform = "cian"
)

// String returns the platform tag as a string.
func (p Platform) String() string {
	return string(p)
}

// IsValid returns true if the platform is one of the supported sites.
func (p Platform) IsValid() bool {
	return p == PlatformAvito || p == PlatformCian
}

// ParsePlatform converts a string to a Platform.
func ParsePlatform(s string) (Platform, bool) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	return p, p.IsValid()
}

// Listing is the normalized representation of one classified ad. Each
// platform parser produces this common shape so downstream queueing and
// sending code needs no per-platform branching.
type Listing struct {
	Platform Platform `json:"platform"`
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Price    int64    `json:"price"`
	URL      string   `json:"url"`
	Seller   string   `json:"seller,omitempty"`

	// Description is the listing body text when the catalog page carries
	// it; keyword filters match against it in addition to the title.
	Description string `json:"description,omitempty"`

	// AreaM2 is the living area in square meters; zero means the
	// platform does not expose it for this listing.
	AreaM2 float64 `json:"area_m2,omitempty"`

	// PublishedAt is the listing publication time as reported by the
	// platform. Zero when unknown; unknown listings pass the
	// subscription time-window filter.
	PublishedAt time.Time `json:"published_at,omitempty"`

	ImageURL string `json:"image_url,omitempty"`
	Promoted bool   `json:"promoted,omitempty"`
	Reserved bool   `json:"reserved,omitempty"`
}
