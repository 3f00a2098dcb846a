package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IliaW/directory-scrape-worker/config"
	"github.com/IliaW/directory-scrape-worker/internal/model"
	"github.com/IliaW/directory-scrape-worker/internal/worker"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// SessionFactory starts one Chrome instance per session so every session can use its own proxy.
type SessionFactory struct {
	cfg       *config.BrowserConfig
	extractor *Extractor
	log       *slog.Logger
}

func NewSessionFactory(cfg *config.BrowserConfig, log *slog.Logger) *SessionFactory {
	return &SessionFactory{
		cfg:       cfg,
		extractor: NewExtractor(cfg.Selectors),
		log:       log,
	}
}

func (f *SessionFactory) Open(ctx context.Context, proxy string) (worker.Session, error) {
	return f.OpenSession(ctx, proxy)
}

// OpenSession starts the browser and waits until it accepts commands.
func (f *SessionFactory) OpenSession(ctx context.Context, proxy string) (*Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
	)
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	if proxy != "" {
		opts = append(opts, chromedp.ProxyServer(proxy))
	}

	// The browser outlives the call that opened it and is stopped by Close only.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("%w: %w", model.ErrSessionStart, err)
	}

	return &Session{
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		proxy:         proxy,
		cfg:           f.cfg,
		extractor:     f.extractor,
		log:           f.log,
	}, nil
}

type Session struct {
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	proxy         string
	cfg           *config.BrowserConfig
	extractor     *Extractor
	log           *slog.Logger
}

// FetchItem renders an item page and extracts its record. Navigation failures wrap
// model.ErrTransient, extraction failures wrap model.ErrUnexpectedItem.
func (s *Session) FetchItem(ctx context.Context, itemURL string) (*model.Record, error) {
	html, err := s.render(ctx, itemURL, s.cfg.ReadySelector)
	if err != nil {
		return nil, err
	}
	record, err := s.extractor.Record(html, itemURL)
	if err != nil {
		return nil, err
	}
	record.ScrapedAt = time.Now().UTC()

	return record, nil
}

// ListingFetcher renders listing pages in a browser session. It serves discovery when the
// headless browser mechanism is selected.
type ListingFetcher struct {
	Session        *Session
	ResultSelector string
	ItemMarker     string
}

func (l *ListingFetcher) FetchPage(ctx context.Context, pageURL string) ([]string, error) {
	html, err := l.Session.render(ctx, pageURL, l.ResultSelector)
	if err != nil {
		return nil, err
	}
	return ExtractLinks(html, pageURL, l.ResultSelector, l.ItemMarker)
}

func (s *Session) Close() error {
	s.browserCancel()
	s.allocCancel()
	return nil
}

// render navigates to pageURL, waits for readySelector when it shows up in time and returns
// the document html.
func (s *Session) render(ctx context.Context, pageURL, readySelector string) (string, error) {
	tCtx, cancel := context.WithTimeout(s.browserCtx, s.cfg.PageLoadTimeout+s.cfg.ElementWaitTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	err := chromedp.Run(tCtx,
		enableLifeCycleEvents(),
		navigateAndWaitFor(pageURL, "load", s.cfg.PageLoadTimeout),
		waitReady(readySelector, s.cfg.ElementWaitTimeout, s.log),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %s via %s: %w", model.ErrTransient, pageURL, proxyName(s.proxy), err)
	}

	return html, nil
}

func enableLifeCycleEvents() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		err := page.Enable().Do(ctx)
		if err != nil {
			return err
		}
		return page.SetLifecycleEventsEnabled(true).Do(ctx)
	}
}

// navigateAndWaitFor subscribes to lifecycle events before navigating so the event can't be missed.
func navigateAndWaitFor(url, eventName string, timeout time.Duration) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		ch := make(chan struct{})
		var once sync.Once
		lCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		chromedp.ListenTarget(lCtx, func(ev interface{}) {
			if e, ok := ev.(*page.EventLifecycleEvent); ok && e.Name == eventName {
				once.Do(func() {
					cancel()
					close(ch)
				})
			}
		})

		_, _, errorText, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return errors.New(errorText)
		}

		wCtx, wCancel := context.WithTimeout(ctx, timeout)
		defer wCancel()
		select {
		case <-ch:
			return nil
		case <-wCtx.Done():
			return fmt.Errorf("wait for %s: %w", eventName, wCtx.Err())
		}
	}
}

// waitReady never fails: a missing element is left to the extractor.
func waitReady(selector string, timeout time.Duration, log *slog.Logger) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		if selector == "" || timeout <= 0 {
			return nil
		}
		wCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := chromedp.WaitReady(selector, chromedp.ByQuery).Do(wCtx); err != nil {
			log.Debug("ready selector not found.", slog.String("selector", selector))
		}
		return nil
	}
}

func proxyName(proxy string) string {
	if proxy == "" {
		return "direct"
	}
	return proxy
}
