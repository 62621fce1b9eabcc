package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nomis52/deltaetl/app"
	"github.com/nomis52/deltaetl/execlog"
	"github.com/nomis52/deltaetl/logging"
	"github.com/nomis52/deltaetl/server/runner"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeRunner struct {
	mu       sync.Mutex
	startErr error
	started  []app.StartRequest
	live     []runner.Execution
	history  []runner.Execution
	logs     map[string][]logging.Record
}

func (f *fakeRunner) Start(req app.StartRequest) (runner.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return runner.Execution{}, f.startErr
	}
	f.started = append(f.started, req)
	name := req.ExecutionName
	if name == "" {
		name = fmt.Sprintf("%s-%d", req.PipelineID, len(f.started))
	}
	return runner.Execution{Name: name, PipelineID: req.PipelineID}, nil
}

func (f *fakeRunner) Live() []runner.Execution    { return f.live }
func (f *fakeRunner) History() []runner.Execution { return f.history }

func (f *fakeRunner) Get(name string) (runner.Execution, error) {
	for _, e := range append(f.live, f.history...) {
		if e.Name == name {
			return e, nil
		}
	}
	return runner.Execution{}, fmt.Errorf("%w: %s", runner.ErrNotFound, name)
}

func (f *fakeRunner) Logs(name string) ([]logging.Record, error) {
	logs, ok := f.logs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", runner.ErrNotFound, name)
	}
	return logs, nil
}

func openLogs(t *testing.T, entries ...execlog.Entry) execlog.Store {
	t.Helper()
	ctx := context.Background()
	store, err := execlog.OpenDocstore(ctx, "mem://execution_log")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	for _, e := range entries {
		_, err := store.PutIfAbsent(ctx, e)
		require.NoError(t, err)
	}
	return store
}
