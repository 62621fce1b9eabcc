package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nomis52/deltaetl/logging"
)

// DiskStore persists finished executions as one JSON file each and keeps
// the newest maxCount of them.
type DiskStore struct {
	dir      string
	logger   *slog.Logger
	maxCount int

	mu   sync.Mutex
	runs []record
}

// NewDiskStore creates dir if needed and loads the executions already in it.
func NewDiskStore(dir string, maxCount int, logger *slog.Logger) (*DiskStore, error) {
	if maxCount <= 0 {
		maxCount = defaultHistorySize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	s := &DiskStore{dir: dir, logger: logger, maxCount: maxCount}
	runs, err := s.load()
	if err != nil {
		return nil, err
	}
	s.runs = runs
	return s, nil
}

// History implements Store.
func (s *DiskStore) History() []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Execution, len(s.runs))
	for i, r := range s.runs {
		result[i] = r.Execution
	}
	return result
}

// Logs implements Store.
func (s *DiskStore) Logs(name string) ([]logging.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.runs {
		if r.Name == name {
			logs := make([]logging.Record, len(r.Logs))
			copy(logs, r.Logs)
			return logs, true
		}
	}
	return nil, false
}

// Save implements Store. The oldest file is removed once more than
// maxCount executions are stored.
func (s *DiskStore) Save(e Execution, logs []logging.Record, dropped int) error {
	if e.Name == "" || e.StartedAt.IsZero() {
		return errors.New("cannot save an execution without a name and start time")
	}
	r := record{Execution: e, Logs: logs, DroppedLogs: dropped}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding execution %s: %w", e.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(e.Name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	s.runs = append([]record{r}, s.runs...)
	for len(s.runs) > s.maxCount {
		oldest := s.runs[len(s.runs)-1]
		if err := os.Remove(s.path(oldest.Name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("removing old execution", "execution", oldest.Name, "error", err)
		}
		s.runs = s.runs[:len(s.runs)-1]
	}
	s.logger.Debug("saved execution", "path", path)
	return nil
}

// path maps an execution name to a file name. Names never contain a
// slash, but child separators are replaced to stay inside dir.
func (s *DiskStore) path(name string) string {
	return filepath.Join(s.dir, strings.ReplaceAll(name, "/", "_")+".json")
}

func (s *DiskStore) load() ([]record, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading history directory: %w", err)
	}

	var runs []record
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, f.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable execution file", "file", path, "error", err)
			continue
		}
		var r record
		if err := json.Unmarshal(data, &r); err != nil {
			s.logger.Warn("skipping malformed execution file", "file", path, "error", err)
			continue
		}
		runs = append(runs, r)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if len(runs) > s.maxCount {
		runs = runs[:s.maxCount]
	}
	s.logger.Info("loaded execution history", "count", len(runs))
	return runs, nil
}
