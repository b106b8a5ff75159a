package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/jonesrussell/adwatch/internal/domain"
)

// avitoScriptType marks the script tag carrying the catalog payload.
const avitoScriptType = "mime/invalid"

// AvitoParser extracts listings from the JSON blob Avito embeds in its
// catalog pages. The markup around it changes often; the blob does not.
type AvitoParser struct{}

// NewAvitoParser creates an Avito catalog parser.
func NewAvitoParser() *AvitoParser {
	return &AvitoParser{}
}

// Platform implements Parser.
func (p *AvitoParser) Platform() domain.Platform {
	return domain.PlatformAvito
}

type avitoPayload struct {
	State *avitoState `json:"state"`
	Data  *avitoState `json:"data"`
	avitoState
}

type avitoState struct {
	Data struct {
		Catalog struct {
			Items []avitoItem `json:"items"`
		} `json:"catalog"`
	} `json:"data"`
	Catalog struct {
		Items []avitoItem `json:"items"`
	} `json:"catalog"`
}

type avitoItem struct {
	ID            int64  `json:"id"`
	Title         string `json:"title"`
	PriceDetailed struct {
		Value int64 `json:"value"`
	} `json:"priceDetailed"`
	URLPath       string `json:"urlPath"`
	SortTimeStamp int64  `json:"sortTimeStamp"`
	IsReserved    bool   `json:"isReserved"`
	IsPromoted    bool   `json:"isPromoted"`
	Description   string `json:"description"`
	SellerInfo    struct {
		Name string `json:"name"`
	} `json:"sellerInfo"`
	Images []struct {
		URL string `json:"636x476"`
	} `json:"images"`
}

// Parse implements Parser.
func (p *AvitoParser) Parse(body []byte, baseURL string) ([]domain.Listing, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse avito catalog html: %w", err)
	}

	var payload *avitoPayload
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if typ, _ := s.Attr("type"); typ != avitoScriptType {
			return true
		}
		raw := html.UnescapeString(s.Text())
		var candidate avitoPayload
		if err := json.Unmarshal([]byte(raw), &candidate); err != nil {
			return true
		}
		payload = &candidate
		return false
	})
	if payload == nil {
		return nil, fmt.Errorf("no catalog payload found in avito page")
	}

	items := payload.items()
	listings := make([]domain.Listing, 0, len(items))
	for _, it := range items {
		if it.ID == 0 {
			continue
		}
		l := domain.Listing{
			Platform:    domain.PlatformAvito,
			ID:          strconv.FormatInt(it.ID, 10),
			Title:       it.Title,
			Price:       it.PriceDetailed.Value,
			URL:         absoluteURL(strings.TrimPrefix(it.URLPath, "/"), "https://www.avito.ru/"),
			Seller:      it.SellerInfo.Name,
			Description: it.Description,
			Reserved:    it.IsReserved,
			Promoted:    it.IsPromoted,
		}
		if it.SortTimeStamp > 0 {
			l.PublishedAt = time.UnixMilli(it.SortTimeStamp).UTC()
		}
		if len(it.Images) > 0 {
			l.ImageURL = it.Images[0].URL
		}
		listings = append(listings, l)
	}
	return listings, nil
}

// items returns the catalog items wherever the payload nests them: the
// blob arrives as {"state": ...}, {"data": ...}, or bare.
func (p *avitoPayload) items() []avitoItem {
	for _, state := range []*avitoState{p.State, p.Data, &p.avitoState} {
		if state == nil {
			continue
		}
		if len(state.Data.Catalog.Items) > 0 {
			return state.Data.Catalog.Items
		}
		if len(state.Catalog.Items) > 0 {
			return state.Catalog.Items
		}
	}
	return nil
}
