package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/IliaW/directory-scrape-worker/internal/model"
	jsoniter "github.com/json-iterator/go"
)

const fileSuffix = "_links.json"

var (
	json         = jsoniter.ConfigCompatibleWithStandardLibrary
	nonAlnum     = regexp.MustCompile(`[^a-zA-Z0-9]`)
	underscores  = regexp.MustCompile(`_+`)
	validName    = regexp.MustCompile(`^[a-z0-9_]+$`)
	defaultName  = "scraper_data"
	errEmptyName = errors.New("checkpoint name is empty")
)

type Storage interface {
	Load(name string) (*model.Checkpoint, error)
	Save(name string, cp *model.Checkpoint) error
	Delete(name string) error
	List() ([]string, error)
}

// FileStore keeps one JSON file per checkpoint name. Writes go to a temp file in the same
// directory and are renamed over the old file so a crash never leaves a truncated checkpoint.
type FileStore struct {
	dir string
	log *slog.Logger
}

func NewFileStore(dir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir, log: log}, nil
}

// Load returns nil, nil when no checkpoint exists under name.
func (s *FileStore) Load(name string) (*model.Checkpoint, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", name, err)
	}
	if cp.Items == nil {
		cp.Items = []string{}
	}

	return &cp, nil
}

func (s *FileStore) Save(name string, cp *model.Checkpoint) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	cp.ItemCount = len(cp.Items)
	cp.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}
	if _, err = tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	s.log.Debug("checkpoint saved.", slog.String("name", name), slog.Int("last_page", cp.LastPage),
		slog.Int("items", cp.ItemCount))

	return nil
}

// Delete removes the checkpoint. Deleting a missing checkpoint is not an error.
func (s *FileStore) Delete(name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err = os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	s.log.Info("checkpoint deleted.", slog.String("name", name))

	return nil
}

// List returns the names of all stored checkpoints, sorted.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), fileSuffix))
	}
	sort.Strings(names)

	return names, nil
}

func (s *FileStore) path(name string) (string, error) {
	if name == "" {
		return "", errEmptyName
	}
	if !validName.MatchString(name) {
		return "", fmt.Errorf("invalid checkpoint name %q", name)
	}
	return filepath.Join(s.dir, name+fileSuffix), nil
}

// NameFor derives a checkpoint name from a listing URL. A path of the form /<lang>/s/<Region>
// yields the lowercased region with every run of other characters collapsed to '_'.
func NameFor(baseQuery string) string {
	u, err := url.Parse(baseQuery)
	if err != nil {
		return defaultName
	}
	parts := strings.Split(u.Path, "/")
	if len(parts) < 4 || parts[2] != "s" {
		return defaultName
	}
	region, err := url.PathUnescape(parts[3])
	if err != nil {
		region = parts[3]
	}
	region = nonAlnum.ReplaceAllString(region, "_")
	region = strings.Trim(underscores.ReplaceAllString(region, "_"), "_")
	region = strings.ToLower(region)
	if region == "" {
		return defaultName
	}

	return region
}
