package parser_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/adwatch/internal/domain"
	"github.com/jonesrussell/adwatch/internal/parser"
)

const avitoCatalogHTML = `<!DOCTYPE html>
<html><head><title>Каталог</title></head><body>
<div id="app"></div>
<script type="mime/invalid">
{"state":{"data":{"catalog":{"items":[
  {"id":111222333,"title":"2-к. квартира, 45 м²","priceDetailed":{"value":6500000},
   "urlPath":"/moskva/kvartiry/2-k._kvartira_45m_111222333","sortTimeStamp":1755900000000,
   "isReserved":false,"isPromoted":false,
   "sellerInfo":{"name":"Частное лицо"},
   "images":[{"636x476":"https://img.avito.st/636x476/1.jpg"}]},
  {"id":0,"title":"рекламный блок"},
  {"id":444555666,"title":"Студия, 22 м²","priceDetailed":{"value":4100000},
   "urlPath":"/moskva/kvartiry/studiya_444555666","sortTimeStamp":1755903600000,
   "isReserved":true,"isPromoted":true}
]}}}}
</script>
<script type="application/json">{"unrelated":true}</script>
</body></html>`

const cianCatalogHTML = `<!DOCTYPE html>
<html><body>
<div data-name="HorizontalCard">
  <a data-name="CommercialTitle" href="/sale/commercial/298765431/">Офис, 120 м², 24 000 000 ₽</a>
  <span data-mark="MainPrice">24 000 000 ₽</span>
  <a data-name="AgentTitle">ООО Ромашка</a>
  <div data-name="Description"><p>Готовый арендный бизнес</p></div>
  <img src="https://images.cian.ru/1.jpg"/>
</div>
<div data-name="HorizontalCard">
  <span>карточка без ссылки</span>
</div>
</body></html>`

func TestForPlatform(t *testing.T) {
	for _, p := range []domain.Platform{domain.PlatformAvito, domain.PlatformCian} {
		got, err := parser.ForPlatform(p)
		require.NoError(t, err)
		assert.Equal(t, p, got.Platform())
	}

	_, err := parser.ForPlatform(domain.Platform("olx"))
	assert.Error(t, err)
}

func TestAvitoParserExtractsListings(t *testing.T) {
	p := parser.NewAvitoParser()

	listings, err := p.Parse([]byte(avitoCatalogHTML), "https://www.avito.ru/moskva/kvartiry")
	require.NoError(t, err)
	require.Len(t, listings, 2, "null-id items must be dropped")

	first := listings[0]
	assert.Equal(t, "111222333", first.ID)
	assert.Equal(t, domain.PlatformAvito, first.Platform)
	assert.Equal(t, int64(6500000), first.Price)
	assert.Equal(t, "2-к. квартира, 45 м²", first.Title)
	assert.Equal(t, "https://www.avito.ru/moskva/kvartiry/2-k._kvartira_45m_111222333", first.URL)
	assert.Equal(t, "Частное лицо", first.Seller)
	assert.Equal(t, "https://img.avito.st/636x476/1.jpg", first.ImageURL)
	assert.Equal(t, time.UnixMilli(1755900000000).UTC(), first.PublishedAt)
	assert.False(t, first.Reserved)

	second := listings[1]
	assert.True(t, second.Reserved)
	assert.True(t, second.Promoted)
}

func TestAvitoParserNoPayload(t *testing.T) {
	p := parser.NewAvitoParser()

	_, err := p.Parse([]byte("<html><body>пустая страница</body></html>"), "https://www.avito.ru")
	assert.Error(t, err)
}

func TestCianParserExtractsListings(t *testing.T) {
	p := parser.NewCianParser()

	listings, err := p.Parse([]byte(cianCatalogHTML), "https://cian.ru/cat.php?deal_type=sale")
	require.NoError(t, err)
	require.Len(t, listings, 1, "cards without a title link must be dropped")

	l := listings[0]
	assert.Equal(t, "298765431", l.ID)
	assert.Equal(t, domain.PlatformCian, l.Platform)
	assert.Equal(t, int64(24000000), l.Price)
	assert.Equal(t, "https://cian.ru/sale/commercial/298765431/", l.URL)
	assert.Equal(t, "ООО Ромашка", l.Seller)
	assert.Equal(t, "Готовый арендный бизнес", l.Description)
	assert.InDelta(t, 120.0, l.AreaM2, 0.01)
	assert.Equal(t, "https://images.cian.ru/1.jpg", l.ImageURL)
}

func TestCianParserEmptyPage(t *testing.T) {
	p := parser.NewCianParser()

	listings, err := p.Parse([]byte("<html><body>ничего не найдено</body></html>"), "https://cian.ru")
	require.NoError(t, err)
	assert.Empty(t, listings)
}
