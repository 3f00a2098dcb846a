package broker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IliaW/directory-scrape-worker/config"
	"github.com/IliaW/directory-scrape-worker/internal/model"
	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]kafka.Message
	closed  bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, append([]kafka.Message(nil), msgs...))
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestProducerBatchesAndFlushes(t *testing.T) {
	records := make(chan *model.Record, 3)
	w := &fakeWriter{}
	cfg := &config.ProducerConfig{WriteTopicName: "records", BatchSize: 2, BatchTimeout: time.Hour, WriteTimeout: time.Second}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	p := newProducerWith(records, w, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), wg)

	for _, u := range []string{"a", "b", "c"} {
		records <- &model.Record{Name: "name " + u, SourceURL: u}
	}
	close(records)
	p.Run()
	wg.Wait()

	require.Len(t, w.batches, 2)
	assert.Len(t, w.batches[0], 2)
	assert.Len(t, w.batches[1], 1, "the remainder is flushed when the channel closes")
	assert.True(t, w.closed)

	msg := w.batches[1][0]
	assert.Equal(t, "c", string(msg.Key))
	var got model.Record
	require.NoError(t, jsoniter.Unmarshal(msg.Value, &got))
	assert.Equal(t, "name c", got.Name)
}
