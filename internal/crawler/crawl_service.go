package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IliaW/directory-scrape-worker/config"
	"github.com/IliaW/directory-scrape-worker/internal/model"
	"github.com/gocolly/colly"
)

// ListingCrawler fetches listing pages over plain HTTP. It serves discovery when the curl
// mechanism is selected.
type ListingCrawler struct {
	cfg       *config.DiscoveryConfig
	userAgent string
	log       *slog.Logger
}

func NewListingCrawler(cfg *config.DiscoveryConfig, userAgent string, log *slog.Logger) *ListingCrawler {
	return &ListingCrawler{
		cfg:       cfg,
		userAgent: userAgent,
		log:       log,
	}
}

// FetchPage returns the item links of the result blocks on pageURL in page order.
// HTTP and connection failures wrap model.ErrTransient.
func (c *ListingCrawler) FetchPage(ctx context.Context, pageURL string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	col := colly.NewCollector()
	if c.cfg.RequestTimeout > 0 {
		col.SetRequestTimeout(c.cfg.RequestTimeout)
	}
	if c.userAgent != "" {
		col.UserAgent = c.userAgent
	}

	links := make([]string, 0)
	col.OnHTML(c.cfg.ResultSelector, func(e *colly.HTMLElement) {
		href := e.ChildAttr("a", "href")
		if href == "" {
			return
		}
		link := e.Request.AbsoluteURL(href)
		if c.cfg.ItemMarker != "" && !strings.Contains(link, c.cfg.ItemMarker) {
			return
		}
		links = append(links, link)
	})
	col.OnError(func(r *colly.Response, err error) {
		c.log.Warn("listing request failed.", slog.String("url", pageURL), slog.Int("status", r.StatusCode),
			slog.String("err", err.Error()))
	})

	if err := col.Visit(pageURL); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrTransient, pageURL, err)
	}
	c.log.Debug("listing page fetched.", slog.String("url", pageURL), slog.Int("links", len(links)))

	return links, nil
}
