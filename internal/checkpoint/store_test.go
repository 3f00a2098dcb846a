package checkpoint

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/IliaW/directory-scrape-worker/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "data")
	s, err := NewFileStore(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s, dir
}

func TestSaveAndLoad(t *testing.T) {
	s, dir := newTestStore(t)

	cp := &model.Checkpoint{
		BaseQuery:  "https://www.local.ch/it/s/Ticino?rid=abc",
		LastPage:   3,
		TotalPages: 5,
		Items:      []string{"https://www.local.ch/it/d/a", "https://www.local.ch/it/d/b"},
	}
	require.NoError(t, s.Save("ticino", cp))

	loaded, err := s.Load("ticino")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, cp.BaseQuery, loaded.BaseQuery)
	assert.Equal(t, 3, loaded.LastPage)
	assert.Equal(t, 5, loaded.TotalPages)
	assert.Equal(t, cp.Items, loaded.Items)
	assert.Equal(t, 2, loaded.ItemCount)
	assert.False(t, loaded.Completed)
	assert.False(t, loaded.UpdatedAt.IsZero())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
	assert.Equal(t, "ticino_links.json", entries[0].Name())
}

func TestSaveOverwritesAtomically(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Save("zurich", &model.Checkpoint{LastPage: 1, TotalPages: 2, Items: []string{"a"}}))
	require.NoError(t, s.Save("zurich", &model.Checkpoint{LastPage: 2, TotalPages: 2, Items: []string{"a", "b"},
		Completed: true}))

	loaded, err := s.Load("zurich")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.LastPage)
	assert.True(t, loaded.Completed)
	assert.Equal(t, "complete", loaded.Status())
}

func TestLoadMissingReturnsNil(t *testing.T) {
	s, _ := newTestStore(t)

	cp, err := s.Load("nothing")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestLoadCorruptFails(t *testing.T) {
	s, dir := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad_links.json"), []byte("{\"last_page\":"), 0o644))

	_, err := s.Load("bad")
	assert.Error(t, err)
}

func TestDeleteAndList(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Save("bern", &model.Checkpoint{}))
	require.NoError(t, s.Save("aargau", &model.Checkpoint{}))

	names, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"aargau", "bern"}, names)

	require.NoError(t, s.Delete("bern"))
	require.NoError(t, s.Delete("bern"))

	names, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"aargau"}, names)
}

func TestInvalidNamesAreRejected(t *testing.T) {
	s, _ := newTestStore(t)

	assert.Error(t, s.Save("", &model.Checkpoint{}))
	assert.Error(t, s.Save("../escape", &model.Checkpoint{}))
	_, err := s.Load("Upper")
	assert.Error(t, err)
}

func TestNameFor(t *testing.T) {
	tests := map[string]string{
		"https://www.local.ch/it/s/Ticino?rid=xxx":                           "ticino",
		"https://www.local.ch/it/s/Mesolcina%20e%20Calanca%20(Regione)?rid=1": "mesolcina_e_calanca_regione",
		"https://www.local.ch/de/q/Bern":                                      "scraper_data",
		"::not a url":                                                         "scraper_data",
	}
	for in, want := range tests {
		assert.Equal(t, want, NameFor(in), in)
	}
}
