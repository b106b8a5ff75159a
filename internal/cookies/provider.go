// Package cookies supplies per-platform session cookies for fetch
// sessions. Classifieds front ends hand out anti-bot cookies that must
// accompany catalog requests; without them the first request often
// lands on a challenge page.
package cookies

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/jonesrussell/adwatch/internal/domain"
	"github.com/jonesrussell/adwatch/internal/logger"
)

// ErrNoCookies is returned by harvesting providers when a refresh came
// back empty. Monitors treat it as "skip this cycle for the platform",
// not as a task failure.
var ErrNoCookies = errors.New("no cookies available")

// Provider yields cookies for a platform. An empty slice means "fetch
// without cookies"; providers that require a primed session return
// ErrNoCookies instead when they have nothing to offer.
type Provider interface {
	Cookies(ctx context.Context, platform domain.Platform) ([]*http.Cookie, error)
}

// Static serves a fixed cookie set per platform, typically loaded from
// configuration.
type Static struct {
	byPlatform map[domain.Platform][]*http.Cookie
}

// NewStatic builds a static provider from raw name=value pairs.
func NewStatic(raw map[domain.Platform]map[string]string) *Static {
	byPlatform := make(map[domain.Platform][]*http.Cookie, len(raw))
	for platform, pairs := range raw {
		cookies := make([]*http.Cookie, 0, len(pairs))
		for name, value := range pairs {
			cookies = append(cookies, &http.Cookie{Name: name, Value: value})
		}
		byPlatform[platform] = cookies
	}
	return &Static{byPlatform: byPlatform}
}

// Cookies returns the configured cookie set for the platform.
func (s *Static) Cookies(_ context.Context, platform domain.Platform) ([]*http.Cookie, error) {
	return s.byPlatform[platform], nil
}

// Cached wraps a provider with a per-platform TTL cache so that slow
// upstream cookie sources are consulted at most once per window.
type Cached struct {
	inner Provider
	ttl   time.Duration
	log   logger.Interface

	mu      sync.Mutex
	entries map[domain.Platform]cacheEntry
}

type cacheEntry struct {
	cookies   []*http.Cookie
	fetchedAt time.Time
}

// NewCached wraps inner with a TTL cache.
func NewCached(inner Provider, ttl time.Duration, log logger.Interface) *Cached {
	return &Cached{
		inner:   inner,
		ttl:     ttl,
		log:     log,
		entries: make(map[domain.Platform]cacheEntry),
	}
}

// Cookies returns the cached set when fresh, otherwise refreshes from
// the inner provider. A refresh failure falls back to the stale entry
// when one exists.
func (c *Cached) Cookies(ctx context.Context, platform domain.Platform) ([]*http.Cookie, error) {
	c.mu.Lock()
	entry, ok := c.entries[platform]
	c.mu.Unlock()

	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.cookies, nil
	}

	cookies, err := c.inner.Cookies(ctx, platform)
	if err != nil {
		if ok {
			c.log.Warn("cookie refresh failed, serving stale set",
				"platform", platform, "error", err)
			return entry.cookies, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[platform] = cacheEntry{cookies: cookies, fetchedAt: time.Now()}
	c.mu.Unlock()
	return cookies, nil
}

// Invalidate drops the cached entry for a platform, forcing the next
// call to refresh. Used after a block, when the old session is burned.
func (c *Cached) Invalidate(platform domain.Platform) {
	c.mu.Lock()
	delete(c.entries, platform)
	c.mu.Unlock()
}
