package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IliaW/directory-scrape-worker/config"
	"github.com/IliaW/directory-scrape-worker/internal/model"
	"github.com/IliaW/directory-scrape-worker/internal/proxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeFactory struct {
	mu      sync.Mutex
	fetch   func(proxy, itemURL string) (*model.Record, error)
	openErr func(proxy string) error
	opened  []string
	closed  int
	fetched []string
}

func (f *fakeFactory) Open(_ context.Context, proxy string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		if err := f.openErr(proxy); err != nil {
			return nil, err
		}
	}
	f.opened = append(f.opened, proxy)
	return &fakeSession{factory: f, proxy: proxy}, nil
}

func (f *fakeFactory) snapshot() (opened []string, closed int, fetched []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...), f.closed, append([]string(nil), f.fetched...)
}

type fakeSession struct {
	factory *fakeFactory
	proxy   string
}

func (s *fakeSession) FetchItem(_ context.Context, itemURL string) (*model.Record, error) {
	s.factory.mu.Lock()
	s.factory.fetched = append(s.factory.fetched, itemURL)
	fetch := s.factory.fetch
	s.factory.mu.Unlock()

	if fetch == nil {
		return &model.Record{Name: "Name of " + itemURL, SourceURL: itemURL}, nil
	}
	return fetch(s.proxy, itemURL)
}

func (s *fakeSession) Close() error {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	s.factory.closed++
	return nil
}

type fakeStore struct {
	mu   sync.Mutex
	rows map[string]*model.Record
	err  error
}

func (s *fakeStore) InsertIfAbsent(_ context.Context, record *model.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if s.rows == nil {
		s.rows = make(map[string]*model.Record)
	}
	if _, ok := s.rows[record.SourceURL]; ok {
		return false, nil
	}
	s.rows[record.SourceURL] = record
	return true, nil
}

func ok(_, itemURL string) (*model.Record, error) {
	return &model.Record{Name: "Name of " + itemURL, SourceURL: itemURL}, nil
}

func transient(msg string) error {
	return fmt.Errorf("%w: %s", model.ErrTransient, msg)
}

func testConfig(workers int) *config.WorkerConfig {
	return &config.WorkerConfig{
		Workers:           workers,
		MaxErrors:         3,
		ProxyWaitInterval: time.Millisecond,
		ProxyWaitRetries:  2,
		MaxSwapsPerItem:   5,
	}
}

func newWorker(f *fakeFactory, store *fakeStore, proxies ProxySource, cfg *config.WorkerConfig) *ScrapeWorker {
	return &ScrapeWorker{
		Sessions: f,
		Proxies:  proxies,
		Store:    store,
		Cfg:      cfg,
		Log:      discard,
	}
}

func TestRunStoresEveryItem(t *testing.T) {
	f := &fakeFactory{}
	store := &fakeStore{}
	w := newWorker(f, store, nil, testConfig(3))

	summary := w.Run(context.Background(), items(10))
	assert.Equal(t, Totals{Inserted: 10}, summary.Totals)
	assert.Zero(t, summary.Aborted)
	assert.Len(t, store.rows, 10)

	opened, closed, _ := f.snapshot()
	assert.Len(t, opened, 3)
	assert.Equal(t, 3, closed)
}

func TestDuplicateRecordIsSkipped(t *testing.T) {
	out := make(chan *model.Record, 10)
	w := newWorker(&fakeFactory{}, &fakeStore{}, nil, testConfig(1))
	w.OutputChan = out

	summary := w.Run(context.Background(), []string{"a", "b", "a"})
	assert.Equal(t, Totals{Inserted: 2, Skipped: 1}, summary.Totals)
	assert.Len(t, out, 2, "only inserted records are published")
}

func TestProxySwapAfterMaxErrors(t *testing.T) {
	pool := proxy.NewPool([]string{"p1", "p2"}, 300*time.Second, discard)
	f := &fakeFactory{fetch: func(proxy, itemURL string) (*model.Record, error) {
		if proxy == "p1" {
			return nil, transient("connection refused")
		}
		return ok(proxy, itemURL)
	}}
	cfg := testConfig(1)
	cfg.MaxErrors = 1
	w := newWorker(f, &fakeStore{}, pool, cfg)

	summary := w.Run(context.Background(), []string{"x"})
	assert.Equal(t, Totals{Inserted: 1, Failed: 1, ProxySwaps: 1}, summary.Totals)

	opened, closed, fetched := f.snapshot()
	assert.Equal(t, []string{"p1", "p2"}, opened)
	assert.Equal(t, 2, closed)
	assert.Equal(t, []string{"x", "x"}, fetched, "the same item is retried under the new proxy")
	assert.Equal(t, proxy.Status{Cold: 1, Hot: 1, Assigned: 0, Total: 2}, pool.Status())
}

func TestTransientErrorsBelowThresholdKeepSession(t *testing.T) {
	pool := proxy.NewPool([]string{"p1", "p2"}, 300*time.Second, discard)
	var mu sync.Mutex
	calls := 0
	f := &fakeFactory{fetch: func(proxy, itemURL string) (*model.Record, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= 2 {
			return nil, transient("timeout")
		}
		return ok(proxy, itemURL)
	}}
	w := newWorker(f, &fakeStore{}, pool, testConfig(1))

	summary := w.Run(context.Background(), []string{"x"})
	assert.Equal(t, Totals{Inserted: 1, Failed: 2}, summary.Totals)
	opened, _, _ := f.snapshot()
	assert.Equal(t, []string{"p1"}, opened)
}

func TestEmptyPoolAbortsUnit(t *testing.T) {
	pool := proxy.NewPool(nil, 300*time.Second, discard)
	require.False(t, pool.HasAvailable())
	f := &fakeFactory{}
	w := newWorker(f, &fakeStore{}, pool, testConfig(2))

	summary := w.Run(context.Background(), items(5))
	assert.Equal(t, Totals{}, summary.Totals, "unattempted items are not counted as failed")
	assert.Equal(t, 2, summary.Aborted)
	opened, _, fetched := f.snapshot()
	assert.Empty(t, opened)
	assert.Empty(t, fetched)
}

func TestSwapBoundGivesUpOnItem(t *testing.T) {
	pool := proxy.NewPool([]string{"p1", "p2", "p3"}, 300*time.Second, discard)
	f := &fakeFactory{fetch: func(proxy, itemURL string) (*model.Record, error) {
		if itemURL == "x" {
			return nil, transient("reset by peer")
		}
		return ok(proxy, itemURL)
	}}
	cfg := testConfig(1)
	cfg.MaxErrors = 1
	cfg.MaxSwapsPerItem = 1
	w := newWorker(f, &fakeStore{}, pool, cfg)

	summary := w.Run(context.Background(), []string{"x", "y"})
	assert.Equal(t, Totals{Inserted: 1, Failed: 2, ProxySwaps: 2}, summary.Totals)
	opened, _, fetched := f.snapshot()
	assert.Equal(t, []string{"p1", "p2", "p3"}, opened)
	assert.Equal(t, []string{"x", "x", "y"}, fetched)
}

func TestWithoutProxiesItemIsSkippedAfterMaxErrors(t *testing.T) {
	f := &fakeFactory{fetch: func(proxy, itemURL string) (*model.Record, error) {
		if itemURL == "bad" {
			return nil, transient("timeout")
		}
		return ok(proxy, itemURL)
	}}
	cfg := testConfig(1)
	cfg.MaxErrors = 2
	w := newWorker(f, &fakeStore{}, nil, cfg)

	summary := w.Run(context.Background(), []string{"bad", "good"})
	assert.Equal(t, Totals{Inserted: 1, Failed: 2}, summary.Totals)
	opened, _, fetched := f.snapshot()
	assert.Equal(t, []string{""}, opened)
	assert.Equal(t, []string{"bad", "bad", "good"}, fetched)
}

func TestFatalItemErrorAdvances(t *testing.T) {
	f := &fakeFactory{fetch: func(proxy, itemURL string) (*model.Record, error) {
		if itemURL == "x" {
			return nil, errors.New("name not found")
		}
		return ok(proxy, itemURL)
	}}
	w := newWorker(f, &fakeStore{}, nil, testConfig(1))

	summary := w.Run(context.Background(), []string{"x", "y"})
	assert.Equal(t, Totals{Inserted: 1, Failed: 1}, summary.Totals)
	_, _, fetched := f.snapshot()
	assert.Equal(t, []string{"x", "y"}, fetched)
}

func TestStoreErrorCountsAsFailed(t *testing.T) {
	w := newWorker(&fakeFactory{}, &fakeStore{err: errors.New("db is down")}, nil, testConfig(1))

	summary := w.Run(context.Background(), []string{"x", "y"})
	assert.Equal(t, Totals{Failed: 2}, summary.Totals)
}

func TestSessionStartFailureMarksProxyHot(t *testing.T) {
	pool := proxy.NewPool([]string{"p1", "p2"}, 300*time.Second, discard)
	f := &fakeFactory{openErr: func(proxy string) error {
		if proxy == "p1" {
			return fmt.Errorf("%w: chrome exited", model.ErrSessionStart)
		}
		return nil
	}}
	w := newWorker(f, &fakeStore{}, pool, testConfig(1))

	summary := w.Run(context.Background(), []string{"x"})
	assert.Equal(t, Totals{Inserted: 1}, summary.Totals)
	opened, _, _ := f.snapshot()
	assert.Equal(t, []string{"p2"}, opened)
	assert.Equal(t, 1, pool.Status().Hot)
}

func TestDirectSessionStartFailureAbortsAfterBudget(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	f := &fakeFactory{openErr: func(string) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return errors.New("chrome not found")
	}}
	w := newWorker(f, &fakeStore{}, nil, testConfig(1))

	summary := w.Run(context.Background(), []string{"x", "y"})
	assert.Equal(t, Totals{}, summary.Totals)
	assert.Equal(t, 1, summary.Aborted)
	assert.Equal(t, 2, attempts, "proxy_wait_retries is the total number of tries")
}

type emptyProxies struct {
	mu       sync.Mutex
	acquired int
}

func (p *emptyProxies) Acquire(int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquired++
	return "", false
}

func (p *emptyProxies) MarkHot(string, int) {}

func (p *emptyProxies) Release(int) {}

func TestProxyWaitTriesExactlyBudget(t *testing.T) {
	proxies := &emptyProxies{}
	cfg := testConfig(1)
	cfg.ProxyWaitRetries = 10
	w := newWorker(&fakeFactory{}, &fakeStore{}, proxies, cfg)

	summary := w.Run(context.Background(), []string{"x"})
	assert.Equal(t, 1, summary.Aborted)
	assert.Equal(t, 10, proxies.acquired)
}

func TestSwapBoundOnLastItemKeepsProxyHot(t *testing.T) {
	pool := proxy.NewPool([]string{"p1", "p2", "p3"}, 300*time.Second, discard)
	f := &fakeFactory{fetch: func(string, string) (*model.Record, error) {
		return nil, transient("reset by peer")
	}}
	cfg := testConfig(1)
	cfg.MaxErrors = 1
	cfg.MaxSwapsPerItem = 1
	w := newWorker(f, &fakeStore{}, pool, cfg)

	summary := w.Run(context.Background(), []string{"x"})
	assert.Equal(t, Totals{Failed: 2, ProxySwaps: 1}, summary.Totals)
	assert.Equal(t, proxy.Status{Cold: 1, Hot: 2, Assigned: 0, Total: 3}, pool.Status())

	next, ok := pool.Acquire(7)
	require.True(t, ok)
	assert.Equal(t, "p3", next, "the failing proxy is not handed out again")
}

func TestItemPanicFailsOnlyThatItem(t *testing.T) {
	f := &fakeFactory{fetch: func(proxy, itemURL string) (*model.Record, error) {
		if itemURL == "boom" {
			panic("unexpected markup")
		}
		return ok(proxy, itemURL)
	}}
	w := newWorker(f, &fakeStore{}, nil, testConfig(1))

	summary := w.Run(context.Background(), []string{"boom", "a", "b", "c"})
	assert.Equal(t, Totals{Inserted: 3, Failed: 1}, summary.Totals)
	assert.Zero(t, summary.Aborted)
	opened, closed, fetched := f.snapshot()
	assert.Equal(t, []string{"boom", "a", "b", "c"}, fetched)
	assert.Equal(t, len(opened), closed)
}

func TestUnitPanicDoesNotAbortSiblings(t *testing.T) {
	pool := proxy.NewPool([]string{"p1", "p2"}, 300*time.Second, discard)
	f := &fakeFactory{openErr: func(proxy string) error {
		if proxy == "p1" {
			panic("allocator crashed")
		}
		return nil
	}}
	w := newWorker(f, &fakeStore{}, pool, testConfig(1))
	counters := NewCounters(nil)

	done := w.runUnit(context.Background(), 0, []string{"a"}, counters)
	assert.False(t, done)

	done = w.runUnit(context.Background(), 1, []string{"b"}, counters)
	assert.True(t, done)
	assert.Equal(t, Totals{Inserted: 1}, counters.Snapshot())
}

func TestCancelFinishesCurrentItem(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &fakeFactory{fetch: func(proxy, itemURL string) (*model.Record, error) {
		cancel()
		return ok(proxy, itemURL)
	}}
	store := &fakeStore{}
	w := newWorker(f, store, nil, testConfig(1))

	summary := w.Run(ctx, []string{"a", "b", "c"})
	assert.Equal(t, Totals{Inserted: 1}, summary.Totals)
	assert.Contains(t, store.rows, "a")
	_, closed, fetched := f.snapshot()
	assert.Equal(t, []string{"a"}, fetched)
	assert.Equal(t, 1, closed)
}
