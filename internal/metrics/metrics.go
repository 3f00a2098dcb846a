package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/IliaW/directory-scrape-worker/internal/proxy"
	"github.com/IliaW/directory-scrape-worker/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ProxyStatusSource interface {
	Status() proxy.Status
}

// Recorder mirrors the worker counters into prometheus.
type Recorder struct {
	items *prometheus.CounterVec
	reg   prometheus.Registerer
}

func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "directory_scrape_items_total",
			Help: "Items processed by the workers partitioned by result.",
		}, []string{"result"}),
		reg: reg,
	}
	if err := reg.Register(r.items); err != nil {
		return nil, fmt.Errorf("register items collector: %w", err)
	}
	return r, nil
}

func (r *Recorder) Add(counter worker.Counter, n int) {
	r.items.WithLabelValues(string(counter)).Add(float64(n))
}

// WatchProxyPool exports the pool state as gauges read on every scrape.
func (r *Recorder) WatchProxyPool(pool ProxyStatusSource) error {
	for _, g := range []struct {
		name, help string
		value      func(proxy.Status) int
	}{
		{"directory_scrape_proxies_cold", "Proxies available or assigned.", func(s proxy.Status) int { return s.Cold }},
		{"directory_scrape_proxies_hot", "Proxies serving a cooldown.", func(s proxy.Status) int { return s.Hot }},
	} {
		value := g.value
		gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: g.name, Help: g.help}, func() float64 {
			return float64(value(pool.Status()))
		})
		if err := r.reg.Register(gauge); err != nil {
			return fmt.Errorf("register %s: %w", g.name, err)
		}
	}
	return nil
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to stop metrics server.", slog.String("err", err.Error()))
		}
	}()

	log.Info("starting metrics server.", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed.", slog.String("err", err.Error()))
	}
}
