package runner

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/deltaetl/logging"
	"github.com/nomis52/deltaetl/statemachine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func finished(name string, started time.Time) Execution {
	end := started.Add(time.Minute)
	return Execution{
		Name:       name,
		PipelineID: "app1",
		Definition: "processor",
		Status:     statemachine.StatusSucceeded,
		State:      "Write succeeded log",
		StartedAt:  started,
		EndedAt:    &end,
	}
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore(3) },
		"disk": func(t *testing.T) Store {
			s, err := NewDiskStore(t.TempDir(), 3, testLogger())
			require.NoError(t, err)
			return s
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			assert.Empty(t, s.History())

			base := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				logs := []logging.Record{{Message: fmt.Sprintf("line %d", i)}}
				require.NoError(t, s.Save(finished(fmt.Sprintf("exec-%d", i), base.Add(time.Duration(i)*time.Hour)), logs, 0))
			}

			history := s.History()
			require.Len(t, history, 3)
			assert.Equal(t, "exec-4", history[0].Name)
			assert.Equal(t, "exec-2", history[2].Name)

			logs, ok := s.Logs("exec-3")
			require.True(t, ok)
			require.Len(t, logs, 1)
			assert.Equal(t, "line 3", logs[0].Message)

			_, ok = s.Logs("exec-0")
			assert.False(t, ok)
		})
	}
}

func TestDiskStoreReloadsHistory(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, 2, testLogger())
	require.NoError(t, err)

	base := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Save(finished(fmt.Sprintf("exec-%d", i), base.Add(time.Duration(i)*time.Hour)), nil, 0))
	}
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("{"), 0o644))

	again, err := NewDiskStore(dir, 2, testLogger())
	require.NoError(t, err)
	history := again.History()
	require.Len(t, history, 2)
	assert.Equal(t, "exec-2", history[0].Name)
	assert.Equal(t, "exec-1", history[1].Name)
	assert.True(t, history[0].StartedAt.Equal(base.Add(2*time.Hour)))
}

func TestDiskStoreRejectsIncompleteExecution(t *testing.T) {
	s, err := NewDiskStore(t.TempDir(), 10, testLogger())
	require.NoError(t, err)

	err = s.Save(Execution{Name: "exec-1"}, nil, 0)
	assert.Error(t, err)
}
