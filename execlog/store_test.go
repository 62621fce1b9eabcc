package execlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	mem, err := Open(ctx, Config{Backend: BackendDocstore, URL: "mem://execution_log"})
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	lite, err := Open(ctx, Config{Backend: BackendSQLite, Path: filepath.Join(t.TempDir(), "log.db")})
	require.NoError(t, err)
	t.Cleanup(func() { lite.Close() })

	return map[string]Store{"docstore": mem, "sqlite": lite}
}

func mainEntry(execution string) Entry {
	return Entry{
		ExecutionName:    execution,
		TaskID:           MainTaskID,
		API:              "workflow start",
		PipelineID:       "app1",
		ScheduleType:     "hourly",
		StateMachineName: "processor",
		StateName:        "Write running log",
	}
}

func TestPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			created, err := store.PutIfAbsent(ctx, mainEntry("exec-001"))
			require.NoError(t, err)
			assert.True(t, created)

			second := mainEntry("exec-001")
			second.API = "something else"
			created, err = store.PutIfAbsent(ctx, second)
			require.NoError(t, err)
			assert.False(t, created)

			rows, err := store.ListByExecution(ctx, "exec-001")
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, "workflow start", rows[0].API)
			assert.Equal(t, StatusRunning, rows[0].Status)
			assert.Equal(t, "app1#hourly#"+MainTaskID, rows[0].PipelineIndexKey)
			assert.NotEmpty(t, rows[0].StartTime)
		})
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.PutIfAbsent(ctx, mainEntry("exec-002"))
			require.NoError(t, err)

			err = store.Update(ctx, "exec-002", MainTaskID, Update{Status: StatusSucceeded, StateName: "Write succeeded log"})
			require.NoError(t, err)

			// Repeating the same transition is a no-op.
			err = store.Update(ctx, "exec-002", MainTaskID, Update{Status: StatusSucceeded})
			require.NoError(t, err)

			err = store.Update(ctx, "exec-002", MainTaskID, Update{Status: StatusFailed})
			assert.ErrorIs(t, err, ErrAlreadyTerminal)

			got, err := store.Get(ctx, "exec-002", MainTaskID)
			require.NoError(t, err)
			assert.Equal(t, StatusSucceeded, got.Status)
			assert.Equal(t, "Write succeeded log", got.StateName)
			assert.NotEmpty(t, got.EndTime)
		})
	}
}

func TestUpdateErrors(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.Update(ctx, "missing", MainTaskID, Update{Status: StatusFailed})
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = store.PutIfAbsent(ctx, mainEntry("exec-003"))
			require.NoError(t, err)
			err = store.Update(ctx, "exec-003", MainTaskID, Update{Status: StatusRunning})
			assert.ErrorIs(t, err, ErrInvalidEntry)

			_, err = store.Get(ctx, "missing", MainTaskID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListByPipeline(t *testing.T) {
	ctx := context.Background()
	starts := map[string]string{
		"exec-a": "2024-01-01T01:00:00Z",
		"exec-b": "2024-01-01T03:00:00Z",
		"exec-c": "2024-01-01T02:00:00Z",
	}

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for exec, start := range starts {
				e := mainEntry(exec)
				e.StartTime = start
				_, err := store.PutIfAbsent(ctx, e)
				require.NoError(t, err)
			}
			other := mainEntry("exec-other")
			other.PipelineID = "app2"
			_, err := store.PutIfAbsent(ctx, other)
			require.NoError(t, err)

			key := IndexKey("app1", "hourly", MainTaskID)
			rows, err := store.ListByPipeline(ctx, key, 0)
			require.NoError(t, err)
			require.Len(t, rows, 3)
			assert.Equal(t, "exec-b", rows[0].ExecutionName)
			assert.Equal(t, "exec-c", rows[1].ExecutionName)
			assert.Equal(t, "exec-a", rows[2].ExecutionName)

			rows, err = store.ListByPipeline(ctx, key, 2)
			require.NoError(t, err)
			assert.Len(t, rows, 2)
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		entry   Entry
		wantErr bool
	}{
		{name: "missing execution", entry: Entry{TaskID: MainTaskID}, wantErr: true},
		{name: "missing task", entry: Entry{ExecutionName: "e"}, wantErr: true},
		{name: "bad status", entry: Entry{ExecutionName: "e", TaskID: "t", Status: "Paused"}, wantErr: true},
		{name: "defaults", entry: Entry{ExecutionName: "e", TaskID: "t"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.entry.Normalize(testNow)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEntry)
				return
			}
			require.NoError(t, err)
		})
	}
}
