package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jonesrussell/adwatch/internal/domain"
)

// cianIDPattern extracts the numeric listing id from an offer URL like
// https://cian.ru/sale/commercial/298765431/.
var cianIDPattern = regexp.MustCompile(`/(\d+)/?$`)

// CianParser extracts listings from Cian catalog cards. Cian renders
// offers server-side as HorizontalCard blocks, so this one reads the
// DOM rather than an embedded payload.
type CianParser struct{}

// NewCianParser creates a Cian catalog parser.
func NewCianParser() *CianParser {
	return &CianParser{}
}

// Platform implements Parser.
func (p *CianParser) Platform() domain.Platform {
	return domain.PlatformCian
}

// Parse implements Parser.
func (p *CianParser) Parse(body []byte, baseURL string) ([]domain.Listing, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse cian catalog html: %w", err)
	}

	var listings []domain.Listing
	doc.Find("div[data-name='HorizontalCard'], article[data-name='CardComponent']").Each(func(_ int, card *goquery.Selection) {
		l, ok := p.parseCard(card, baseURL)
		if ok {
			listings = append(listings, l)
		}
	})
	return listings, nil
}

func (p *CianParser) parseCard(card *goquery.Selection, baseURL string) (domain.Listing, bool) {
	link := card.Find("a[data-name='CommercialTitle'], a[data-mark='OfferTitle'], span[data-mark='OfferTitle']").First()
	if link.Length() == 0 {
		return domain.Listing{}, false
	}

	href, _ := link.Attr("href")
	if href == "" {
		// OfferTitle is sometimes a span inside the link.
		href, _ = link.Closest("a").Attr("href")
	}
	if href == "" {
		return domain.Listing{}, false
	}

	id := extractCianID(href)
	if id == "" {
		return domain.Listing{}, false
	}

	title := strings.TrimSpace(link.Text())
	priceText := strings.TrimSpace(card.Find("span[data-mark='MainPrice'], p[data-mark='MainPrice']").First().Text())
	price := parsePrice(priceText)
	if price == 0 {
		// Commercial offers carry the price inside the title.
		price = parsePrice(title)
	}

	l := domain.Listing{
		Platform:    domain.PlatformCian,
		ID:          id,
		Title:       title,
		Price:       price,
		URL:         absoluteURL(href, baseURL),
		Seller:      strings.TrimSpace(card.Find("div[data-name='BrandingLevelWrapper'] span, a[data-name='AgentTitle']").First().Text()),
		Description: strings.TrimSpace(card.Find("div[data-name='Description'] p, p[data-name='Description']").First().Text()),
		AreaM2:      parseArea(title),
	}
	if img, ok := card.Find("img").First().Attr("src"); ok {
		l.ImageURL = img
	}
	return l, true
}

func extractCianID(href string) string {
	trimmed := strings.TrimSuffix(href, "/")
	m := cianIDPattern.FindStringSubmatch(trimmed + "/")
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
