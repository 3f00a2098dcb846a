package browser

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/IliaW/directory-scrape-worker/internal/model"
	"github.com/PuerkitoBio/goquery"
)

const (
	FieldName    = "name"
	FieldType    = "type"
	FieldAddress = "address"
	FieldPhone   = "phone"
	FieldEmail   = "email"
	FieldWebsite = "website"
)

var (
	DefaultSelectors = map[string]string{
		FieldName:    "h1",
		FieldType:    "h2",
		FieldAddress: "button",
		FieldPhone:   "a[href^='tel:']",
		FieldEmail:   "a[href^='mailto:']",
		FieldWebsite: "a[data-testid='contact-link']",
	}
	postalCode     = regexp.MustCompile(`\b\d{4}\b`)
	typeStopWords  = []string{"privacy", "cookie"}
	addrStopWords  = []string{"stelle", "valutazione"}
	websiteDenied  = []string{"wa.me", "whatsapp"}
	maxTypeTextLen = 100
)

// Extractor turns a rendered item page into a Record.
type Extractor struct {
	selectors map[string]string
}

// NewExtractor merges overrides into DefaultSelectors. Empty overrides are ignored.
func NewExtractor(overrides map[string]string) *Extractor {
	selectors := make(map[string]string, len(DefaultSelectors))
	for field, sel := range DefaultSelectors {
		selectors[field] = sel
	}
	for field, sel := range overrides {
		if sel != "" {
			selectors[strings.ToLower(field)] = sel
		}
	}
	return &Extractor{selectors: selectors}
}

// Record extracts a record from html. A page without a name is not a directory entry.
func (e *Extractor) Record(html, sourceURL string) (*model.Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: parse html: %w", model.ErrUnexpectedItem, err)
	}

	r := &model.Record{SourceURL: sourceURL}
	r.Name = strings.TrimSpace(doc.Find(e.selectors[FieldName]).First().Text())
	if r.Name == "" {
		return nil, fmt.Errorf("%w: no name found on %s", model.ErrUnexpectedItem, sourceURL)
	}

	doc.Find(e.selectors[FieldType]).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		if text == "" || containsAny(strings.ToLower(text), typeStopWords) {
			return true
		}
		if strings.Contains(text, " in ") || len(text) < maxTypeTextLen {
			r.Type = text
			return false
		}
		return true
	})

	doc.Find(e.selectors[FieldAddress]).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		if text != "" && postalCode.MatchString(text) && !containsAny(strings.ToLower(text), addrStopWords) {
			r.Address = text
			return false
		}
		return true
	})

	r.Phone = linkValue(doc.Find(e.selectors[FieldPhone]).First(), "tel:")
	r.Email = linkValue(doc.Find(e.selectors[FieldEmail]).First(), "mailto:")

	ownHost := hostOf(sourceURL)
	doc.Find(e.selectors[FieldWebsite]).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if !strings.HasPrefix(href, "http") || containsAny(href, websiteDenied) {
			return true
		}
		if ownHost != "" && hostOf(href) == ownHost {
			return true
		}
		r.Website = href
		return false
	})

	return r, nil
}

// ExtractLinks returns the absolute item links found in the result blocks of a listing page,
// in page order. Only links containing marker are kept when marker is set.
func ExtractLinks(html, pageURL, resultSelector, marker string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}
	base, _ := url.Parse(pageURL)

	links := make([]string, 0)
	doc.Find(resultSelector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Find("a").First().Attr("href")
		if !ok || href == "" {
			return
		}
		if base != nil {
			if ref, err := base.Parse(href); err == nil {
				href = ref.String()
			}
		}
		if marker != "" && !strings.Contains(href, marker) {
			return
		}
		links = append(links, href)
	})

	return links, nil
}

func linkValue(s *goquery.Selection, scheme string) string {
	if s.Length() == 0 {
		return ""
	}
	if text := strings.TrimSpace(s.Text()); text != "" {
		return text
	}
	href, _ := s.Attr("href")
	return strings.TrimSpace(strings.TrimPrefix(href, scheme))
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
