package statemachine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/deltaetl/retry"
)

func TestCheckpointers(t *testing.T) {
	ctx := context.Background()
	docs, err := OpenCheckpointer(ctx, "mem://checkpoints")
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	backends := map[string]Checkpointer{
		"memory":   NewMemoryCheckpointer(),
		"docstore": docs,
	}
	for name, c := range backends {
		t.Run(name, func(t *testing.T) {
			started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			in, err := testInput().WithResult("scan", map[string]bool{"hasObjects": true})
			require.NoError(t, err)

			cps := []Checkpoint{
				{ExecutionName: "b", Definition: "processor", State: "Scan", Status: StatusRunning, Context: in, StartedAt: started.Add(time.Minute), UpdatedAt: started},
				{ExecutionName: "a", Definition: "processor", State: "Insert", Status: StatusRunning, Context: in, StartedAt: started, UpdatedAt: started},
				{ExecutionName: "a/query", Parent: "a", Definition: "query", State: "Submit", Status: StatusRunning, Context: in, StartedAt: started, UpdatedAt: started},
				{ExecutionName: "c", Definition: "archiver", State: "Done", Status: StatusSucceeded, Context: in, StartedAt: started, UpdatedAt: started},
			}
			for _, cp := range cps {
				require.NoError(t, c.Save(ctx, cp))
			}

			got, err := c.Load(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "Insert", got.State)
			assert.Equal(t, started, got.StartedAt)
			assert.Equal(t, "exec-001", got.Context.Metadata.ExecutionName)
			assert.JSONEq(t, `{"hasObjects":true}`, string(got.Context.Results["scan"]))

			running, err := c.ListRunning(ctx)
			require.NoError(t, err)
			var names []string
			for _, cp := range running {
				names = append(names, cp.ExecutionName)
			}
			assert.Equal(t, []string{"a", "b"}, names, "top-level, oldest first")

			_, err = c.Load(ctx, "missing")
			assert.ErrorIs(t, err, ErrCheckpointNotFound)
		})
	}
}

func TestDocstoreCheckpointerDrivesEngine(t *testing.T) {
	docs, err := OpenCheckpointer(context.Background(), "mem://checkpoints")
	require.NoError(t, err)
	defer docs.Close()

	e, _ := newTestEngine(t, WithCheckpointer(docs))
	def := mustDefinition(t, "A",
		State{Name: "A", Type: Task, Run: store("a", 1), Next: "Done"},
		State{Name: "Done", Type: Succeed},
	)
	_, err = e.Start(context.Background(), def, "exec", testInput())
	require.NoError(t, err)

	cp, err := docs.Load(context.Background(), "exec")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, cp.Status)
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	c, err := OpenCheckpointer(ctx, "mem://classify")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	missing := c.coll.Get(ctx, &checkpointDoc{ExecutionName: "exec-404"})
	require.Error(t, missing)

	tests := []struct {
		name          string
		err           error
		wantTransient bool
	}{
		{name: "deadline exceeded", err: context.DeadlineExceeded, wantTransient: true},
		{name: "wrapped deadline", err: fmt.Errorf("save: %w", context.DeadlineExceeded), wantTransient: true},
		{name: "canceled", err: context.Canceled},
		{name: "not found", err: missing},
		{name: "plain error", err: errors.New("bad checkpoint")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			assert.Equal(t, tt.wantTransient, retry.IsTransient(got))
			assert.ErrorIs(t, got, tt.err)
		})
	}
}
