package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IliaW/directory-scrape-worker/config"
	"github.com/IliaW/directory-scrape-worker/internal/model"
)

// Session is one browser-like session bound to at most one proxy.
type Session interface {
	FetchItem(ctx context.Context, itemURL string) (*model.Record, error)
	Close() error
}

// SessionFactory opens sessions. An empty proxy means a direct connection.
type SessionFactory interface {
	Open(ctx context.Context, proxy string) (Session, error)
}

// RecordStore must be safe for concurrent use. Duplicates are reported as false, nil.
type RecordStore interface {
	InsertIfAbsent(ctx context.Context, record *model.Record) (bool, error)
}

type ProxySource interface {
	Acquire(workerID int) (string, bool)
	MarkHot(proxy string, workerID int)
	Release(workerID int)
}

type Summary struct {
	Totals
	// Aborted counts units that stopped before their chunk was exhausted.
	Aborted int           `json:"aborted"`
	Elapsed time.Duration `json:"elapsed"`
}

// ScrapeWorker runs one execution unit per chunk of items. Proxies is nil when rotation is disabled.
type ScrapeWorker struct {
	Sessions   SessionFactory
	Proxies    ProxySource
	Store      RecordStore
	OutputChan chan<- *model.Record
	Recorder   Recorder
	Cfg        *config.WorkerConfig
	Log        *slog.Logger
}

// Run splits items across Cfg.Workers units and blocks until every unit has finished.
// A cancelled context lets every unit finish its current item and then stop.
func (w *ScrapeWorker) Run(ctx context.Context, items []string) *Summary {
	start := time.Now()
	counters := NewCounters(w.Recorder)
	chunks := SplitChunks(items, w.Cfg.Workers)
	w.Log.Info("dividing items among workers.", slog.Int("items", len(items)), slog.Int("workers", len(chunks)))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		aborted int
	)
	for id, chunk := range chunks {
		w.Log.Debug("chunk assigned.", slog.Int("worker", id), slog.Int("items", len(chunk)))
		if len(chunk) == 0 {
			continue
		}
		wg.Add(1)
		go func(id int, chunk []string) {
			defer wg.Done()
			if !w.runUnit(ctx, id, chunk, counters) {
				mu.Lock()
				aborted++
				mu.Unlock()
			}
		}(id, chunk)
	}
	wg.Wait()

	return &Summary{
		Totals:  counters.Snapshot(),
		Aborted: aborted,
		Elapsed: time.Since(start),
	}
}

// runUnit reports whether the unit went through its whole chunk.
func (w *ScrapeWorker) runUnit(ctx context.Context, id int, chunk []string, counters *Counters) (done bool) {
	log := w.Log.With(slog.Int("worker", id))
	defer func() {
		if r := recover(); r != nil {
			log.Error("PANIC!", slog.Any("err", r))
			done = false
		}
	}()

	u := &unit{
		id:       id,
		items:    chunk,
		sessions: w.Sessions,
		proxies:  w.Proxies,
		store:    w.Store,
		out:      w.OutputChan,
		cfg:      w.Cfg,
		counters: counters,
		log:      log,
	}
	err := u.run(ctx)
	switch {
	case err == nil:
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Info("worker interrupted.", slog.Int("processed", u.pos), slog.Int("items", len(chunk)))
	default:
		log.Error("worker stopped.", slog.Int("processed", u.pos), slog.Int("items", len(chunk)),
			slog.String("err", err.Error()))
	}

	return false
}
