package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/IliaW/directory-scrape-worker/internal/checkpoint"
	"github.com/IliaW/directory-scrape-worker/internal/model"
	"golang.org/x/time/rate"
)

// PageFetcher returns the item identifiers listed on one results page.
type PageFetcher interface {
	FetchPage(ctx context.Context, pageURL string) ([]string, error)
}

type Result struct {
	Items      []string
	Checkpoint model.Checkpoint
	// PagesFetched counts the pages requested during this run only.
	PagesFetched int
}

// LinkDiscovery walks the result pages of a base query in order and checkpoints after every page.
type LinkDiscovery struct {
	fetcher   PageFetcher
	store     checkpoint.Storage
	pageParam string
	pageDelay time.Duration
	log       *slog.Logger
}

func New(fetcher PageFetcher, store checkpoint.Storage, pageParam string, pageDelay time.Duration,
	log *slog.Logger) *LinkDiscovery {
	if pageParam == "" {
		pageParam = "page"
	}
	return &LinkDiscovery{
		fetcher:   fetcher,
		store:     store,
		pageParam: pageParam,
		pageDelay: pageDelay,
		log:       log,
	}
}

// Run discovers items for baseQuery up to totalPages and saves progress under name.
// With a resume checkpoint, discovery continues at LastPage+1 and merges into the saved items;
// a completed checkpoint is returned as is. When the context is cancelled the result holds
// everything checkpointed so far together with the context error.
func (d *LinkDiscovery) Run(ctx context.Context, name, baseQuery string, totalPages int,
	resume *model.Checkpoint) (*Result, error) {
	items := newOrderedSet()
	startPage := 1
	if resume != nil {
		if baseQuery == "" {
			baseQuery = resume.BaseQuery
		}
		if totalPages <= 0 {
			totalPages = resume.TotalPages
		}
		items.add(resume.Items...)
		if resume.Completed {
			d.log.Info("link discovery already complete.", slog.String("name", name),
				slog.Int("items", items.len()))
			return &Result{Items: items.list(), Checkpoint: *resume}, nil
		}
		startPage = resume.LastPage + 1
	}
	if baseQuery == "" {
		return nil, errors.New("base query is empty")
	}
	if totalPages <= 0 {
		return nil, fmt.Errorf("total pages must be positive, got %d", totalPages)
	}

	cp := model.Checkpoint{
		BaseQuery:  baseQuery,
		LastPage:   startPage - 1,
		TotalPages: totalPages,
		Items:      items.list(),
	}
	res := &Result{Items: cp.Items, Checkpoint: cp}
	if startPage > totalPages {
		cp.Completed = true
		if err := d.store.Save(name, &cp); err != nil {
			return res, fmt.Errorf("save checkpoint: %w", err)
		}
		res.Checkpoint = cp
		return res, nil
	}

	if startPage > 1 {
		d.log.Info("resuming link discovery.", slog.String("name", name), slog.Int("page", startPage),
			slog.Int("items", items.len()))
	}
	pacer := newPacer(d.pageDelay)
	for page := startPage; page <= totalPages; page++ {
		if err := pacer.Wait(ctx); err != nil {
			d.log.Warn("link discovery interrupted.", slog.Int("last_page", cp.LastPage))
			return res, err
		}

		pageURL := PageURL(baseQuery, d.pageParam, page)
		// The page in flight is finished even when ctx is cancelled meanwhile.
		links, err := d.fetcher.FetchPage(context.WithoutCancel(ctx), pageURL)
		res.PagesFetched++
		if err != nil {
			d.log.Error("failed to fetch listing page.", slog.Int("page", page), slog.String("err", err.Error()))
			return res, fmt.Errorf("fetch page %d: %w", page, err)
		}
		added := items.add(links...)

		cp.LastPage = page
		cp.Items = items.list()
		cp.Completed = page == totalPages
		if err = d.store.Save(name, &cp); err != nil {
			return res, fmt.Errorf("save checkpoint: %w", err)
		}
		res.Items = cp.Items
		res.Checkpoint = cp
		d.log.Info("page processed.", slog.String("progress", fmt.Sprintf("%d/%d", page, totalPages)),
			slog.Int("links", len(links)), slog.Int("new", added), slog.Int("total", items.len()))
	}

	return res, nil
}

// PageURL builds the address of a results page. Page 1 is the bare base query.
func PageURL(baseQuery, pageParam string, page int) string {
	if page <= 1 {
		return baseQuery
	}
	sep := "?"
	if strings.Contains(baseQuery, "?") {
		sep = "&"
	}
	return baseQuery + sep + pageParam + "=" + strconv.Itoa(page)
}

func newPacer(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

// orderedSet keeps the first-seen order of identifiers.
type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{}), items: make([]string, 0)}
}

func (s *orderedSet) add(ids ...string) int {
	added := 0
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := s.seen[id]; ok {
			continue
		}
		s.seen[id] = struct{}{}
		s.items = append(s.items, id)
		added++
	}
	return added
}

func (s *orderedSet) list() []string {
	out := make([]string, len(s.items))
	copy(out, s.items)
	return out
}

func (s *orderedSet) len() int {
	return len(s.items)
}
