package worker

import "sync"

type Counter string

const (
	CounterInserted   Counter = "inserted"
	CounterSkipped    Counter = "skipped"
	CounterFailed     Counter = "failed"
	CounterProxySwaps Counter = "proxy_swaps"
)

// Recorder mirrors counter increments somewhere else, e.g. prometheus.
type Recorder interface {
	Add(counter Counter, n int)
}

type Totals struct {
	Inserted   int `json:"inserted"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	ProxySwaps int `json:"proxy_swaps"`
}

// Counters aggregates the results of all execution units of one run.
type Counters struct {
	mu       sync.Mutex
	totals   Totals
	recorder Recorder
}

func NewCounters(recorder Recorder) *Counters {
	return &Counters{recorder: recorder}
}

func (c *Counters) Add(counter Counter, n int) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	switch counter {
	case CounterInserted:
		c.totals.Inserted += n
	case CounterSkipped:
		c.totals.Skipped += n
	case CounterFailed:
		c.totals.Failed += n
	case CounterProxySwaps:
		c.totals.ProxySwaps += n
	}
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.Add(counter, n)
	}
}

func (c *Counters) Snapshot() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals
}
