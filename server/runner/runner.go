// Package runner starts pipeline executions in the background for the
// server, tracks the ones in flight and keeps a history of finished ones.
//
// An execution interrupted by Shutdown keeps its Running checkpoint. The
// next server calls ResumeRunning on boot and picks it up where it stopped.
//
//	r := runner.New(logger, application, runner.WithCollector(collector))
//	e, err := r.Start(app.StartRequest{PipelineID: "app1"})
//	if errors.Is(err, runner.ErrUnknownPipeline) {
//	    // not configured
//	}
//	live := r.Live()
//	history := r.History() // most recent first
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nomis52/deltaetl/app"
	"github.com/nomis52/deltaetl/logging"
	"github.com/nomis52/deltaetl/metrics"
	"github.com/nomis52/deltaetl/statemachine"
)

const (
	defaultHistorySize = 100
	stateLookupTimeout = 2 * time.Second
)

var (
	// ErrUnknownPipeline is returned when starting a pipeline that is not configured.
	ErrUnknownPipeline = app.ErrUnknownPipeline
	// ErrExecutionExists is returned when an execution name is already taken.
	ErrExecutionExists = statemachine.ErrExecutionExists
	// ErrNotFound is returned for executions the runner does not know.
	ErrNotFound = errors.New("execution not found")
	// ErrStopped is returned once Shutdown has been called.
	ErrStopped = errors.New("runner stopped")
)

// Executor prepares and runs executions. *app.App implements it.
type Executor interface {
	Prepare(req app.StartRequest, now time.Time) (*statemachine.Definition, statemachine.Context, error)
	Execute(ctx context.Context, def *statemachine.Definition, input statemachine.Context) (statemachine.Result, error)
	Resume(ctx context.Context, executionName string) (statemachine.Result, error)
	Running(ctx context.Context) ([]statemachine.Checkpoint, error)
	Checkpoint(ctx context.Context, executionName string) (statemachine.Checkpoint, error)
}

// Runner manages background executions.
type Runner struct {
	logger    *slog.Logger
	exec      Executor
	store     Store
	collector *logging.Collector
	metrics   *metrics.ETL
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	live map[string]*Execution
}

// Option configures a Runner.
type Option func(*Runner)

// WithStore sets where finished executions are kept. Defaults to a MemoryStore.
func WithStore(s Store) Option {
	return func(r *Runner) {
		r.store = s
	}
}

// WithCollector sets the collector that captures execution logs. It must
// be the one wired into the executor's logger factory.
func WithCollector(c *logging.Collector) Option {
	return func(r *Runner) {
		r.collector = c
	}
}

// WithMetrics counts executions.
func WithMetrics(m *metrics.ETL) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// New creates a Runner.
func New(logger *slog.Logger, exec Executor, opts ...Option) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		logger: logger.With("component", "runner"),
		exec:   exec,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		live:   make(map[string]*Execution),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil {
		r.store = NewMemoryStore(defaultHistorySize)
	}
	if r.collector == nil {
		r.collector = logging.NewCollector(0)
	}
	return r
}

// Start launches a configured pipeline in the background and returns its
// execution as first seen.
func (r *Runner) Start(req app.StartRequest) (Execution, error) {
	if r.ctx.Err() != nil {
		return Execution{}, ErrStopped
	}
	now := r.now()
	def, input, err := r.exec.Prepare(req, now)
	if err != nil {
		return Execution{}, err
	}
	md := input.Metadata
	if _, err := r.exec.Checkpoint(r.ctx, md.ExecutionName); err == nil {
		return Execution{}, fmt.Errorf("%w: %s", ErrExecutionExists, md.ExecutionName)
	} else if !errors.Is(err, statemachine.ErrCheckpointNotFound) {
		return Execution{}, err
	}

	e := &Execution{
		Name:       md.ExecutionName,
		PipelineID: md.PipelineID,
		Definition: def.Name,
		Status:     statemachine.StatusRunning,
		State:      def.StartAt,
		StartedAt:  now,
	}
	if err := r.track(e); err != nil {
		return Execution{}, err
	}
	started := *e
	r.logger.Info("starting execution", "execution", started.Name, "pipeline", started.PipelineID)

	go func() {
		defer r.wg.Done()
		res, err := r.exec.Execute(r.ctx, def, input)
		r.finish(started.Name, res, err)
	}()
	return started, nil
}

// ResumeRunning resumes every checkpointed execution still marked Running
// and returns how many were picked up.
func (r *Runner) ResumeRunning(ctx context.Context) (int, error) {
	cps, err := r.exec.Running(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing running executions: %w", err)
	}
	n := 0
	for _, cp := range cps {
		e := &Execution{
			Name:       cp.ExecutionName,
			PipelineID: cp.Context.Metadata.PipelineID,
			Definition: cp.Definition,
			Status:     statemachine.StatusRunning,
			State:      cp.State,
			StartedAt:  cp.StartedAt,
			Resumed:    true,
		}
		if err := r.track(e); err != nil {
			if errors.Is(err, ErrStopped) {
				return n, err
			}
			continue
		}
		name := e.Name
		r.logger.Info("resuming execution", "execution", name, "state", e.State)
		go func() {
			defer r.wg.Done()
			res, err := r.exec.Resume(r.ctx, name)
			r.finish(name, res, err)
		}()
		n++
	}
	return n, nil
}

// track registers e as live and reserves a slot in the wait group.
func (r *Runner) track(e *Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return ErrStopped
	}
	if _, ok := r.live[e.Name]; ok {
		return fmt.Errorf("%w: %s", ErrExecutionExists, e.Name)
	}
	r.live[e.Name] = e
	r.wg.Add(1)
	r.metrics.ExecutionStarted()
	return nil
}

// finish records the outcome on a copy of the tracked execution, so readers
// holding a snapshot never see it change.
func (r *Runner) finish(name string, res statemachine.Result, err error) {
	r.mu.Lock()
	e := *r.live[name]
	delete(r.live, name)
	r.mu.Unlock()

	if !res.Status.IsTerminal() && r.ctx.Err() != nil {
		r.logger.Info("execution interrupted, left for resume", "execution", name, "state", res.State)
		r.metrics.ExecutionFinished(e.PipelineID, "Interrupted")
		r.collector.Forget(name)
		return
	}

	end := r.now()
	e.EndedAt = &end
	e.Status = res.Status
	if res.State != "" {
		e.State = res.State
	}
	e.Error, e.Cause = res.Error, res.Cause
	if !e.Status.IsTerminal() {
		e.Status = statemachine.StatusFailed
	}
	if err != nil && e.Cause == "" {
		e.Cause = err.Error()
	}
	r.metrics.ExecutionFinished(e.PipelineID, string(e.Status))

	if e.Status == statemachine.StatusSucceeded {
		r.logger.Info("execution succeeded", "execution", name, "duration", e.Duration(end))
	} else {
		r.logger.Warn("execution failed", "execution", name, "state", e.State, "error", e.Error, "cause", e.Cause)
	}

	logs, dropped := r.collector.Records(name)
	if err := r.store.Save(e, logs, dropped); err != nil {
		r.logger.Error("saving execution history", "execution", name, "error", err)
	}
	r.collector.Forget(name)
}

// Live returns executions in flight, newest first, with their current state.
func (r *Runner) Live() []Execution {
	r.mu.Lock()
	live := make([]Execution, 0, len(r.live))
	for _, e := range r.live {
		live = append(live, *e)
	}
	r.mu.Unlock()

	for i := range live {
		live[i].State = r.currentState(live[i])
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].StartedAt.After(live[j].StartedAt)
	})
	return live
}

func (r *Runner) currentState(e Execution) string {
	ctx, cancel := context.WithTimeout(r.ctx, stateLookupTimeout)
	defer cancel()
	cp, err := r.exec.Checkpoint(ctx, e.Name)
	if err != nil {
		return e.State
	}
	return cp.State
}

// History returns finished executions, most recent first.
func (r *Runner) History() []Execution {
	return r.store.History()
}

// Get returns a live or finished execution.
func (r *Runner) Get(name string) (Execution, error) {
	r.mu.Lock()
	e, ok := r.live[name]
	var live Execution
	if ok {
		live = *e
	}
	r.mu.Unlock()
	if ok {
		live.State = r.currentState(live)
		return live, nil
	}
	for _, e := range r.store.History() {
		if e.Name == name {
			return e, nil
		}
	}
	return Execution{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Logs returns the captured logs of a live or finished execution.
func (r *Runner) Logs(name string) ([]logging.Record, error) {
	r.mu.Lock()
	_, live := r.live[name]
	r.mu.Unlock()
	if live {
		logs, _ := r.collector.Records(name)
		return logs, nil
	}
	if logs, ok := r.store.Logs(name); ok {
		return logs, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Shutdown interrupts live executions and waits for them to return. Their
// checkpoints stay Running.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
