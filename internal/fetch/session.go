// Package fetch wraps colly into a per-worker fetch session for
// classifieds catalog pages. Sessions revisit the same URLs every cycle,
// route through the shared proxy, and attach platform session cookies.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	colly "github.com/gocolly/colly/v2"

	"github.com/jonesrussell/adwatch/internal/cookies"
	"github.com/jonesrussell/adwatch/internal/domain"
	"github.com/jonesrussell/adwatch/internal/logger"
)

// DefaultRequestTimeout bounds a single catalog fetch.
const DefaultRequestTimeout = 30 * time.Second

// resultCtxKey carries the per-request result through colly callbacks.
const resultCtxKey = "fetch_result"

// desktopUserAgents is a small pool rotated per session.
var desktopUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
}

// blockMarkers are body substrings that mean the page is a challenge or
// access-denied interstitial even when the status code is 200.
var blockMarkers = []string{
	"Доступ ограничен",
	"Доступ с Вашего IP временно ограничен",
	"Подтвердите, что вы не робот",
	"Are you a robot",
	"cf-challenge",
}

// Result is one completed catalog fetch.
type Result struct {
	StatusCode int
	Body       []byte
	FinalURL   string
}

// Blocked reports whether the result looks like an anti-bot block
// rather than ordinary content or a transient server error.
func (r *Result) Blocked() bool {
	if r.StatusCode == http.StatusForbidden || r.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if r.StatusCode != http.StatusOK {
		return false
	}
	body := string(r.Body)
	for _, marker := range blockMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

// Fetcher fetches one catalog page.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, platform domain.Platform) (*Result, error)
}

// Config configures a fetch session.
type Config struct {
	RequestTimeout time.Duration            `mapstructure:"request_timeout"`
	Proxy          *domain.ProxyCredentials `mapstructure:"-"`
}

// DefaultConfig returns fetch defaults.
func DefaultConfig() Config {
	return Config{RequestTimeout: DefaultRequestTimeout}
}

// Session is a single-goroutine fetch session. Each monitor worker owns
// one; Fetch must not be called concurrently on the same session.
type Session struct {
	collector *colly.Collector
	cookies   cookies.Provider
	log       logger.Interface
}

// NewSession builds a session with a fresh collector and a randomly
// chosen desktop user agent.
func NewSession(cfg Config, provider cookies.Provider, log logger.Interface) (*Session, error) {
	ua := desktopUserAgents[rand.Intn(len(desktopUserAgents))]

	c := colly.NewCollector(
		colly.UserAgent(ua),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
	)

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	c.SetRequestTimeout(timeout)

	if cfg.Proxy != nil && cfg.Proxy.ProxyString != "" {
		proxyURL, err := cfg.Proxy.ProxyURL()
		if err != nil {
			return nil, fmt.Errorf("failed to configure session proxy: %w", err)
		}
		if err := c.SetProxy(proxyURL.String()); err != nil {
			return nil, fmt.Errorf("failed to set session proxy: %w", err)
		}
	}

	s := &Session{collector: c, cookies: provider, log: log}

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml")
		r.Headers.Set("Accept-Language", "ru-RU,ru;q=0.9,en;q=0.5")
	})
	c.OnResponse(func(r *colly.Response) {
		if res, ok := r.Ctx.GetAny(resultCtxKey).(*Result); ok {
			res.StatusCode = r.StatusCode
			res.Body = r.Body
			res.FinalURL = r.Request.URL.String()
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		// Transport errors leave StatusCode at zero; HTTP error statuses
		// are delivered through OnResponse because error responses are
		// parsed.
		if res, ok := r.Ctx.GetAny(resultCtxKey).(*Result); ok && r.StatusCode != 0 {
			res.StatusCode = r.StatusCode
			res.Body = r.Body
		}
	})

	return s, nil
}

// Fetch performs one synchronous catalog fetch. Transport failures
// return an error; HTTP error statuses return a Result for the caller
// to classify.
func (s *Session) Fetch(ctx context.Context, rawURL string, platform domain.Platform) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.cookies != nil {
		cks, err := s.cookies.Cookies(ctx, platform)
		if err != nil {
			if errors.Is(err, cookies.ErrNoCookies) {
				// A session-priming provider with nothing to offer: the
				// request would land on a challenge page anyway.
				return nil, err
			}
			s.log.Warn("cookie provider failed, fetching without cookies",
				"platform", platform, "error", err)
		} else if len(cks) > 0 {
			if err := s.collector.SetCookies(rawURL, cks); err != nil {
				return nil, fmt.Errorf("failed to set cookies for %s: %w", rawURL, err)
			}
		}
	}

	res := &Result{}
	reqCtx := colly.NewContext()
	reqCtx.Put(resultCtxKey, res)

	err := s.collector.Request(http.MethodGet, rawURL, nil, reqCtx, nil)
	if err != nil && res.StatusCode == 0 {
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	if res.FinalURL == "" {
		res.FinalURL = rawURL
	}
	return res, nil
}
