package browser

import (
	"testing"

	"github.com/IliaW/directory-scrape-worker/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const itemPage = `<!doctype html>
<html><body>
  <h1> Ristorante Al Lago </h1>
  <h2>Cookie settings</h2>
  <h2>Ristorante in Lugano</h2>
  <button>4.5 stelle</button>
  <button>Via Nassa 5, 6900 Lugano</button>
  <a href="tel:+41911234567">091 123 45 67</a>
  <a href="mailto:info@allago.ch"></a>
  <a data-testid="contact-link" href="https://www.local.ch/it/other">other entry</a>
  <a data-testid="contact-link" href="https://wa.me/41911234567">whatsapp</a>
  <a data-testid="contact-link" href="https://allago.ch">allago.ch</a>
</body></html>`

func TestExtractorRecord(t *testing.T) {
	e := NewExtractor(nil)
	r, err := e.Record(itemPage, "https://www.local.ch/it/d/lugano/6900/ristorante/al-lago-abc")
	require.NoError(t, err)

	assert.Equal(t, "Ristorante Al Lago", r.Name)
	assert.Equal(t, "Ristorante in Lugano", r.Type)
	assert.Equal(t, "Via Nassa 5, 6900 Lugano", r.Address)
	assert.Equal(t, "091 123 45 67", r.Phone)
	assert.Equal(t, "info@allago.ch", r.Email, "empty link text falls back to the href")
	assert.Equal(t, "https://allago.ch", r.Website)
	assert.Equal(t, "https://www.local.ch/it/d/lugano/6900/ristorante/al-lago-abc", r.SourceURL)
}

func TestExtractorWithoutNameIsUnexpected(t *testing.T) {
	_, err := NewExtractor(nil).Record(`<html><body><h2>nothing</h2></body></html>`, "https://example.com/d/1")
	require.ErrorIs(t, err, model.ErrUnexpectedItem)
}

func TestExtractorSelectorOverrides(t *testing.T) {
	e := NewExtractor(map[string]string{"Name": "div.title", "phone": ""})
	r, err := e.Record(`<html><body><div class="title">Bar Centrale</div><a href="tel:+4191">call</a></body></html>`,
		"https://example.com/d/2")
	require.NoError(t, err)
	assert.Equal(t, "Bar Centrale", r.Name)
	assert.Equal(t, "call", r.Phone)
	assert.Empty(t, r.Website)
}

func TestExtractLinks(t *testing.T) {
	html := `<html><body>
	  <div class="lR"><a href="/it/d/lugano/6900/bar/one">One</a></div>
	  <div class="lR"><a href="https://www.local.ch/it/d/bellinzona/6500/bar/two">Two</a></div>
	  <div class="lR"><a href="/it/q/ads">Ad</a></div>
	  <div class="lR"><span>no link</span></div>
	  <div class="other"><a href="/it/d/ignored">Ignored</a></div>
	</body></html>`

	links, err := ExtractLinks(html, "https://www.local.ch/it/s/Ticino?rid=1&page=2", "div.lR", "/d/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://www.local.ch/it/d/lugano/6900/bar/one",
		"https://www.local.ch/it/d/bellinzona/6500/bar/two",
	}, links)
}
