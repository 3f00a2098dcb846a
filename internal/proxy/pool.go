package proxy

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Status is a snapshot of the pool taken after expired hot entries were reconciled.
// Cold counts every proxy that is not hot, Assigned is the part of Cold held by workers.
type Status struct {
	Cold     int `json:"cold"`
	Hot      int `json:"hot"`
	Assigned int `json:"assigned"`
	Total    int `json:"total"`
}

// Pool tracks proxy availability. A proxy is either cold (queued or assigned to exactly
// one worker) or hot (failed recently). Hot entries are moved back to the cold queue lazily,
// on the next query, once the cooldown has elapsed. There is no background timer.
type Pool struct {
	mu       sync.Mutex
	known    map[string]struct{}
	cold     []string
	hot      map[string]time.Time
	assigned map[int]string
	cooldown time.Duration
	now      func() time.Time
	log      *slog.Logger
}

func NewPool(proxies []string, cooldown time.Duration, log *slog.Logger) *Pool {
	p := &Pool{
		known:    make(map[string]struct{}, len(proxies)),
		cold:     make([]string, 0, len(proxies)),
		hot:      make(map[string]time.Time),
		assigned: make(map[int]string),
		cooldown: cooldown,
		now:      time.Now,
		log:      log,
	}
	for _, proxy := range proxies {
		if _, ok := p.known[proxy]; ok || proxy == "" {
			continue
		}
		p.known[proxy] = struct{}{}
		p.cold = append(p.cold, proxy)
	}

	return p
}

// Acquire returns the proxy assigned to workerID. A worker keeps its proxy until it is
// marked hot or released, so repeated calls return the same value. Otherwise the next
// cold proxy is dequeued (FIFO) and assigned. ok is false when no cold proxy is queued.
func (p *Pool) Acquire(workerID int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refresh()

	if current, ok := p.assigned[workerID]; ok {
		return current, true
	}
	if len(p.cold) == 0 {
		return "", false
	}
	proxy := p.cold[0]
	p.cold = p.cold[1:]
	p.assigned[workerID] = proxy

	return proxy, true
}

// MarkHot moves proxy to the hot set and drops its assignment. Marking a hot proxy again
// keeps the original timestamp.
func (p *Pool) MarkHot(proxy string, workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.known[proxy]; !ok {
		p.log.Warn("unknown proxy can't be marked hot.", slog.String("proxy", proxy))
		return
	}
	if _, ok := p.hot[proxy]; ok {
		return
	}
	for i, c := range p.cold {
		if c == proxy {
			p.cold = append(p.cold[:i], p.cold[i+1:]...)
			break
		}
	}
	if p.assigned[workerID] == proxy {
		delete(p.assigned, workerID)
	}
	for id, held := range p.assigned {
		if held == proxy {
			delete(p.assigned, id)
		}
	}
	p.hot[proxy] = p.now()
	p.log.Info("proxy marked hot.", slog.String("proxy", proxy), slog.Int("worker", workerID),
		slog.Duration("cooldown", p.cooldown))
}

// Release returns the worker's proxy to the tail of the cold queue.
func (p *Pool) Release(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if proxy, ok := p.assigned[workerID]; ok {
		delete(p.assigned, workerID)
		p.cold = append(p.cold, proxy)
	}
}

func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refresh()

	cold := len(p.cold) + len(p.assigned)
	return Status{
		Cold:     cold,
		Hot:      len(p.hot),
		Assigned: len(p.assigned),
		Total:    cold + len(p.hot),
	}
}

// HasAvailable reports whether Acquire would hand a new proxy to a worker without one.
func (p *Pool) HasAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refresh()

	return len(p.cold) > 0
}

// refresh must be called with mu held. Cooled proxies rejoin the queue in the order they went hot.
func (p *Pool) refresh() {
	if len(p.hot) == 0 {
		return
	}
	now := p.now()
	cooled := make([]string, 0, len(p.hot))
	for proxy, markedAt := range p.hot {
		if now.Sub(markedAt) >= p.cooldown {
			cooled = append(cooled, proxy)
		}
	}
	sort.Slice(cooled, func(i, j int) bool {
		return p.hot[cooled[i]].Before(p.hot[cooled[j]])
	})
	for _, proxy := range cooled {
		delete(p.hot, proxy)
		p.cold = append(p.cold, proxy)
	}
	if len(cooled) > 0 {
		p.log.Debug("proxies cooled down.", slog.Int("count", len(cooled)))
	}
}
