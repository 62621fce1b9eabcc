package execlog

import (
	"context"
	"fmt"
	"sort"
)

const (
	BackendDocstore = "docstore"
	BackendSQLite   = "sqlite"
)

// Config selects and configures a Store backend.
type Config struct {
	// Backend is "docstore" or "sqlite".
	Backend string `yaml:"backend"`
	// URL is the docstore collection URL, e.g. "mem://execution_log" or
	// "dynamodb://etl-log?partition_key=executionName&sort_key=taskId".
	URL string `yaml:"url"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
}

// Open returns the Store described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendDocstore, "":
		if cfg.URL == "" {
			return nil, fmt.Errorf("docstore url is required")
		}
		return OpenDocstore(ctx, cfg.URL)
	case BackendSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		return OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown execution log backend %q", cfg.Backend)
	}
}

func sortByStart(entries []Entry, newestFirst bool) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].StartTime == entries[j].StartTime {
			return entries[i].TaskID < entries[j].TaskID
		}
		if newestFirst {
			return entries[i].StartTime > entries[j].StartTime
		}
		return entries[i].StartTime < entries[j].StartTime
	})
}
