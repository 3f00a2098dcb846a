package metrics

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/IliaW/directory-scrape-worker/internal/proxy"
	"github.com/IliaW/directory-scrape-worker/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecorderCountsItems(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	require.NoError(t, err)

	counters := worker.NewCounters(r)
	counters.Add(worker.CounterInserted, 2)
	counters.Add(worker.CounterFailed, 1)

	require.Equal(t, 2.0, testutil.ToFloat64(r.items.WithLabelValues("inserted")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.items.WithLabelValues("failed")))
}

func TestRecorderWatchesProxyPool(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	require.NoError(t, err)

	pool := proxy.NewPool([]string{"p1", "p2", "p3"}, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, r.WatchProxyPool(pool))
	pool.MarkHot("p1", 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, f := range families {
		if f.GetName() == "directory_scrape_proxies_cold" || f.GetName() == "directory_scrape_proxies_hot" {
			values[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	require.Equal(t, 2.0, values["directory_scrape_proxies_cold"])
	require.Equal(t, 1.0, values["directory_scrape_proxies_hot"])
}

func TestNewRecorderRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewRecorder(reg)
	require.NoError(t, err)
	_, err = NewRecorder(reg)
	require.Error(t, err)
}
