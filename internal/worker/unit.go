package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IliaW/directory-scrape-worker/config"
	"github.com/IliaW/directory-scrape-worker/internal/model"
	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"
)

type outcome int

const (
	outcomeOK outcome = iota
	outcomeTransient
	outcomeFatal
)

type result struct {
	kind     outcome
	record   *model.Record
	inserted bool
	err      error
}

// unit is one execution unit. It owns at most one session and at most one proxy and
// walks its chunk strictly in order.
type unit struct {
	id       int
	items    []string
	sessions SessionFactory
	proxies  ProxySource
	store    RecordStore
	out      chan<- *model.Record
	cfg      *config.WorkerConfig
	counters *Counters
	log      *slog.Logger

	session Session
	proxy   string
	// pos is the index of the pending item.
	pos int
	// errs counts consecutive transient failures under the current session.
	errs int
	// itemSwaps counts proxy swaps caused by the pending item.
	itemSwaps int
	local     Totals
}

func (u *unit) rotating() bool {
	return u.proxies != nil
}

func (u *unit) run(ctx context.Context) error {
	defer u.shutdown()
	pacer := newPacer(u.cfg.Delay)

	for u.pos < len(u.items) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if u.session == nil || (u.rotating() && u.errs >= u.cfg.MaxErrors) {
			if err := u.rotate(ctx); err != nil {
				return err
			}
			if u.session == nil {
				continue
			}
		}

		itemURL := u.items[u.pos]
		res := u.attempt(ctx, itemURL)
		switch res.kind {
		case outcomeOK:
			u.errs = 0
			u.advance()
			if res.inserted {
				u.add(CounterInserted)
				u.log.Info("inserted.", slog.String("progress", u.progress()), slog.String("name", res.record.Name))
				if u.out != nil {
					u.out <- res.record
				}
			} else {
				u.add(CounterSkipped)
				u.log.Debug("already stored.", slog.String("url", itemURL))
			}
			_ = pacer.Wait(ctx)
		case outcomeTransient:
			u.errs++
			u.add(CounterFailed)
			u.log.Warn("network error.", slog.String("progress", u.progress()),
				slog.String("errors", fmt.Sprintf("%d/%d", u.errs, u.cfg.MaxErrors)), slog.String("err", res.err.Error()))
			u.onTransient(ctx)
		case outcomeFatal:
			u.add(CounterFailed)
			u.log.Error("item failed.", slog.String("progress", u.progress()), slog.String("url", itemURL),
				slog.String("err", res.err.Error()))
			u.advance()
		}
	}

	return nil
}

func (u *unit) onTransient(ctx context.Context) {
	if !u.rotating() {
		sleep(ctx, u.cfg.NoProxyRetryDelay)
		if u.errs >= u.cfg.MaxErrors {
			u.log.Warn("skipping item after max errors.", slog.String("url", u.items[u.pos]))
			u.errs = 0
			u.advance()
		}
		return
	}
	if u.errs < u.cfg.MaxErrors {
		return
	}
	if u.cfg.MaxSwapsPerItem > 0 && u.itemSwaps >= u.cfg.MaxSwapsPerItem {
		// errs stays at the threshold so the failing proxy is still swapped before the next item.
		u.log.Warn("giving up on item.", slog.String("url", u.items[u.pos]), slog.Int("swaps", u.itemSwaps))
		u.advance()
		return
	}
	u.itemSwaps++
	u.log.Warn("too many errors, swapping proxy.", slog.String("proxy", u.proxy))
}

// rotate replaces the session. A threshold triggered rotation marks the current proxy hot first.
// It returns an error only when the unit has to stop. A nil session after a nil error means
// opening failed and rotate should be called again.
func (u *unit) rotate(ctx context.Context) error {
	u.closeSession()

	if !u.rotating() {
		if err := u.openDirect(ctx); err != nil {
			return err
		}
		u.errs = 0
		return nil
	}

	if u.proxy != "" && u.errs >= u.cfg.MaxErrors {
		u.proxies.MarkHot(u.proxy, u.id)
		u.proxy = ""
		u.add(CounterProxySwaps)
	}
	proxy, err := u.waitForProxy(ctx)
	if err != nil {
		return err
	}
	u.proxy = proxy
	u.log.Info("starting session.", slog.String("proxy", proxy))

	session, err := u.sessions.Open(ctx, proxy)
	if err != nil {
		u.log.Error("failed to start session.", slog.String("proxy", proxy), slog.String("err", err.Error()))
		u.proxies.MarkHot(proxy, u.id)
		u.proxy = ""
		return nil
	}
	u.session = session
	u.errs = 0

	return nil
}

func (u *unit) openDirect(ctx context.Context) error {
	u.log.Info("starting session.", slog.String("proxy", "direct"))
	b := retryBudget(ctx, u.cfg.NoProxyRetryDelay, u.cfg.ProxyWaitRetries)
	err := backoff.RetryNotify(func() error {
		session, err := u.sessions.Open(ctx, "")
		if err != nil {
			return err
		}
		u.session = session
		return nil
	}, b, func(err error, next time.Duration) {
		u.log.Error("failed to start session.", slog.String("err", err.Error()), slog.Duration("retry_in", next))
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !errors.Is(err, model.ErrSessionStart) {
			err = fmt.Errorf("%w: %w", model.ErrSessionStart, err)
		}
		return err
	}

	return nil
}

// waitForProxy polls the pool at a constant interval until a cold proxy is handed out
// or the retry budget is spent.
func (u *unit) waitForProxy(ctx context.Context) (string, error) {
	var proxy string
	b := retryBudget(ctx, u.cfg.ProxyWaitInterval, u.cfg.ProxyWaitRetries)
	err := backoff.RetryNotify(func() error {
		p, ok := u.proxies.Acquire(u.id)
		if !ok {
			return model.ErrNoProxy
		}
		proxy = p
		return nil
	}, b, func(_ error, next time.Duration) {
		u.log.Warn("waiting for cold proxy...", slog.Duration("retry_in", next))
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		u.log.Error("no proxies available, stopping.")
		return "", err
	}

	return proxy, nil
}

// attempt fetches and stores one item. Both calls run to completion even if ctx is cancelled
// meanwhile, so an interrupt never leaves a half processed item. A panic fails only the item.
func (u *unit) attempt(ctx context.Context, itemURL string) (res result) {
	defer func() {
		if r := recover(); r != nil {
			res = result{kind: outcomeFatal, err: fmt.Errorf("panic: %v", r)}
		}
	}()
	ctx = context.WithoutCancel(ctx)
	record, err := u.session.FetchItem(ctx, itemURL)
	if err != nil {
		if errors.Is(err, model.ErrTransient) {
			return result{kind: outcomeTransient, err: err}
		}
		return result{kind: outcomeFatal, err: err}
	}
	if record.SourceURL == "" {
		record.SourceURL = itemURL
	}
	inserted, err := u.store.InsertIfAbsent(ctx, record)
	if err != nil {
		return result{kind: outcomeFatal, err: fmt.Errorf("store record: %w", err)}
	}

	return result{kind: outcomeOK, record: record, inserted: inserted}
}

func (u *unit) advance() {
	u.pos++
	u.itemSwaps = 0
}

func (u *unit) add(counter Counter) {
	u.counters.Add(counter, 1)
	switch counter {
	case CounterInserted:
		u.local.Inserted++
	case CounterSkipped:
		u.local.Skipped++
	case CounterFailed:
		u.local.Failed++
	case CounterProxySwaps:
		u.local.ProxySwaps++
	}
}

func (u *unit) progress() string {
	return fmt.Sprintf("%d/%d", u.pos+1, len(u.items))
}

func (u *unit) closeSession() {
	if u.session == nil {
		return
	}
	if err := u.session.Close(); err != nil {
		u.log.Warn("failed to close session.", slog.String("err", err.Error()))
	}
	u.session = nil
}

func (u *unit) shutdown() {
	u.closeSession()
	if u.rotating() && u.proxy != "" {
		// A proxy that reached the error threshold is not handed to another unit.
		if u.errs >= u.cfg.MaxErrors {
			u.proxies.MarkHot(u.proxy, u.id)
		} else {
			u.proxies.Release(u.id)
		}
		u.proxy = ""
	}
	u.log.Info("worker done.", slog.Int("inserted", u.local.Inserted), slog.Int("skipped", u.local.Skipped),
		slog.Int("failed", u.local.Failed), slog.Int("swaps", u.local.ProxySwaps))
}

// retryBudget allows up to attempts tries spaced by interval. Values below 2 mean a single try.
func retryBudget(ctx context.Context, interval time.Duration, attempts int) backoff.BackOffContext {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if attempts > 1 {
		b = backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1))
	}
	return backoff.WithContext(b, ctx)
}

func newPacer(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
