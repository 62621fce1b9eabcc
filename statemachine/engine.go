// Package statemachine interprets workflow definitions: named states with
// retry and catch policies, executed one at a time and checkpointed after
// every transition so an execution can be resumed after a restart.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nomis52/deltaetl/metrics"
	"github.com/nomis52/deltaetl/retry"
)

var (
	// ErrUnknownState is returned for transitions to states a definition lacks.
	ErrUnknownState = errors.New("unknown state")
	// ErrExecutionFailed is wrapped by the error of an execution that ended Failed.
	ErrExecutionFailed = errors.New("execution failed")
	// ErrExecutionExists is returned by Start for a name that already has a checkpoint.
	ErrExecutionExists = errors.New("execution already exists")
	// ErrStateTimeout is wrapped by the error of a Task attempt that ran out of time.
	ErrStateTimeout = errors.New("state timed out")
	// ErrNoChoice is returned when no Choice branch matches and there is no default.
	ErrNoChoice = errors.New("no choice matched")
)

// Failure classes recorded in StepError.Error.
const (
	ErrorTaskFailed       = "TaskFailed"
	ErrorTimeout          = "Timeout"
	ErrorRetriesExhausted = "RetriesExhausted"
	ErrorChildFailed      = "ChildExecutionFailed"
)

var checkpointPolicy = retry.Policy{
	Interval:    200 * time.Millisecond,
	MaxAttempts: 5,
	BackoffRate: 2,
	MaxDelay:    5 * time.Second,
	Jitter:      retry.JitterFull,
}

// Result is the outcome of an execution.
type Result struct {
	ExecutionName string
	Status        Status
	// State is the last state entered.
	State   string
	Context Context
	Error   string
	Cause   string
}

// Observer is told about state transitions.
type Observer interface {
	StateEntered(execution, state string)
	StateExited(execution, state string, err error)
	ExecutionFinished(execution string, res Result)
}

// Engine runs definitions.
type Engine struct {
	checkpoints   Checkpointer
	logger        *slog.Logger
	loggerFactory func(execution string) *slog.Logger
	sleep         retry.SleepFunc
	observers     []Observer
	metrics       *metrics.ETL
	now           func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger.With("component", "statemachine")
	}
}

// WithLoggerFactory derives the logger handed to steps of an execution.
func WithLoggerFactory(f func(execution string) *slog.Logger) Option {
	return func(e *Engine) {
		e.loggerFactory = f
	}
}

// WithCheckpointer sets where checkpoints are stored. Defaults to memory.
func WithCheckpointer(c Checkpointer) Option {
	return func(e *Engine) {
		e.checkpoints = c
	}
}

// WithSleep replaces the wait between retries.
func WithSleep(s retry.SleepFunc) Option {
	return func(e *Engine) {
		e.sleep = s
	}
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observers = append(e.observers, o)
	}
}

// WithMetrics records state outcomes and retries.
func WithMetrics(m *metrics.ETL) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		checkpoints: NewMemoryCheckpointer(),
		logger:      slog.Default().With("component", "statemachine"),
		sleep:       retry.Sleep,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Checkpoints returns the engine's checkpointer.
func (e *Engine) Checkpoints() Checkpointer {
	return e.checkpoints
}

type loggerKey struct{}

// Logger returns the execution logger of a running step, or the default logger.
func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

type executionKey struct{}

// ExecutionName returns the name of the execution a step runs in.
func ExecutionName(ctx context.Context) string {
	name, _ := ctx.Value(executionKey{}).(string)
	return name
}

// Start runs a new execution of def to completion. A failed execution
// returns its Result together with an error wrapping ErrExecutionFailed.
func (e *Engine) Start(ctx context.Context, def *Definition, executionName string, input Context) (Result, error) {
	return e.start(ctx, def, executionName, "", input)
}

func (e *Engine) start(ctx context.Context, def *Definition, executionName, parent string, input Context) (Result, error) {
	if err := def.Validate(); err != nil {
		return Result{}, err
	}
	if _, err := e.checkpoints.Load(ctx, executionName); err == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrExecutionExists, executionName)
	} else if !errors.Is(err, ErrCheckpointNotFound) {
		return Result{}, err
	}
	now := e.now()
	cp := Checkpoint{
		ExecutionName: executionName,
		Definition:    def.Name,
		Parent:        parent,
		State:         def.StartAt,
		Status:        StatusRunning,
		Context:       input,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.save(ctx, cp); err != nil {
		return Result{}, err
	}
	return e.run(ctx, def, cp)
}

// Resume continues an execution from its last checkpoint. A finished
// execution returns its stored result without running anything.
func (e *Engine) Resume(ctx context.Context, def *Definition, executionName string) (Result, error) {
	if err := def.Validate(); err != nil {
		return Result{}, err
	}
	cp, err := e.checkpoints.Load(ctx, executionName)
	if err != nil {
		return Result{}, err
	}
	if cp.Definition != def.Name {
		return Result{}, fmt.Errorf("execution %s was started by %s, not %s", executionName, cp.Definition, def.Name)
	}
	if cp.Status.IsTerminal() {
		return finished(cp)
	}
	return e.run(ctx, def, cp)
}

// RunChild runs def as a child execution and waits up to timeout for it.
// Running a child name again resumes or returns the earlier child, so a
// resumed parent does not start its children twice. A child that does not
// finish in time is recorded as Failed.
func (e *Engine) RunChild(ctx context.Context, def *Definition, childName string, input Context, timeout time.Duration) (Result, error) {
	childCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		childCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := e.start(childCtx, def, childName, ExecutionName(ctx), input)
	if errors.Is(err, ErrExecutionExists) {
		res, err = e.Resume(childCtx, def, childName)
	}
	if err != nil && ctx.Err() == nil && childCtx.Err() != nil {
		cause := fmt.Sprintf("child %s did not finish within %s", childName, timeout)
		if cp, lerr := e.checkpoints.Load(ctx, childName); lerr == nil && !cp.Status.IsTerminal() {
			cp.Status, cp.Error, cp.Cause, cp.UpdatedAt = StatusFailed, ErrorTimeout, cause, e.now()
			if serr := e.save(ctx, cp); serr != nil {
				e.logger.Error("recording child timeout", "execution", childName, "error", serr)
			}
		}
		return res, fmt.Errorf("%w: %w: %s", ErrExecutionFailed, ErrStateTimeout, cause)
	}
	return res, err
}

func (e *Engine) run(ctx context.Context, def *Definition, cp Checkpoint) (Result, error) {
	logger := e.logger
	if e.loggerFactory != nil {
		logger = e.loggerFactory(cp.ExecutionName)
	}
	logger = logger.With("execution", cp.ExecutionName, "definition", def.Name)
	ctx = context.WithValue(ctx, loggerKey{}, logger)
	ctx = context.WithValue(ctx, executionKey{}, cp.ExecutionName)

	for {
		st, ok := def.States[cp.State]
		if !ok {
			return Result{}, fmt.Errorf("execution %s: state %q: %w", cp.ExecutionName, cp.State, ErrUnknownState)
		}
		e.entered(cp.ExecutionName, st.Name)

		switch st.Type {
		case Succeed:
			cp.Status = StatusSucceeded
			return e.finish(ctx, logger, cp)

		case Fail:
			cp.Status, cp.Error, cp.Cause = StatusFailed, st.Error, st.Cause
			if cp.Cause == "" {
				if first, ok := cp.Context.FirstError(); ok {
					cp.Cause = fmt.Sprintf("%s: %s", first.State, first.Cause)
				}
			}
			e.exited(cp.ExecutionName, st.Name, nil)
			return e.finish(ctx, logger, cp)

		case Choice:
			next, err := st.choose(cp.Context)
			e.exited(cp.ExecutionName, st.Name, err)
			if err != nil {
				cp.Status, cp.Error, cp.Cause = StatusFailed, ErrorTaskFailed, err.Error()
				return e.finish(ctx, logger, cp)
			}
			cp.State = next

		case Task:
			stateLogger := logger.With("state", st.Name)
			stateLogger.Debug("entering state")
			out, err := e.runTask(context.WithValue(ctx, loggerKey{}, stateLogger), st, cp.Context)
			e.exited(cp.ExecutionName, st.Name, err)

			if err != nil && ctx.Err() != nil {
				// Interrupted, not failed: the checkpoint still points at this
				// state so Resume runs it again.
				return Result{ExecutionName: cp.ExecutionName, Status: StatusRunning, State: cp.State, Context: cp.Context},
					fmt.Errorf("execution %s interrupted in %q: %w", cp.ExecutionName, st.Name, ctx.Err())
			}

			switch {
			case err == nil:
				e.metrics.StateOutcome(st.Name, "succeeded")
				cp.Context = out
				if st.Next == "" {
					cp.Status = StatusSucceeded
					return e.finish(ctx, logger, cp)
				}
				cp.State = st.Next

			default:
				stepErr := StepError{State: st.Name, Error: errorClass(err), Cause: err.Error()}
				if c, ok := catcherFor(st, err); ok {
					stateLogger.Warn("state failed, caught", "error", err, "next", c.Next)
					e.metrics.StateOutcome(st.Name, "caught")
					cp.Context = cp.Context.WithError(stepErr)
					cp.State = c.Next
					break
				}
				stateLogger.Error("state failed", "error", err)
				e.metrics.StateOutcome(st.Name, "failed")
				cp.Context = cp.Context.WithError(stepErr)
				cp.Status, cp.Error, cp.Cause = StatusFailed, stepErr.Error, fmt.Sprintf("%s: %s", st.Name, stepErr.Cause)
				return e.finish(ctx, logger, cp)
			}
		}

		cp.UpdatedAt = e.now()
		if err := e.save(ctx, cp); err != nil {
			return Result{}, err
		}
	}
}

func (e *Engine) runTask(ctx context.Context, st State, in Context) (Context, error) {
	var out Context
	attempt := func(ctx context.Context) error {
		if st.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, st.Timeout)
			defer cancel()
		}
		res, err := st.Run(ctx, in)
		if err != nil {
			if st.Timeout > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil && !errors.Is(err, ErrStateTimeout) {
				return fmt.Errorf("%w after %s: %w", ErrStateTimeout, st.Timeout, err)
			}
			return err
		}
		out = res
		return nil
	}

	if st.Retry == nil {
		return out, attempt(ctx)
	}
	err := retry.Do(ctx, *st.Retry, attempt,
		retry.WithSleep(e.sleep),
		retry.WithNotify(func(n int, err error, delay time.Duration) {
			Logger(ctx).Warn("retrying state", "attempt", n, "delay", delay, "error", err)
			e.metrics.Retry(st.Name)
		}),
	)
	return out, err
}

func (e *Engine) finish(ctx context.Context, logger *slog.Logger, cp Checkpoint) (Result, error) {
	cp.UpdatedAt = e.now()
	if err := e.save(ctx, cp); err != nil {
		return Result{}, err
	}
	if cp.Status == StatusFailed {
		logger.Error("execution failed", "state", cp.State, "error", cp.Error, "cause", cp.Cause)
	} else {
		logger.Info("execution succeeded", "state", cp.State, "duration", cp.UpdatedAt.Sub(cp.StartedAt))
	}
	res, err := finished(cp)
	for _, o := range e.observers {
		o.ExecutionFinished(cp.ExecutionName, res)
	}
	return res, err
}

func finished(cp Checkpoint) (Result, error) {
	res := Result{
		ExecutionName: cp.ExecutionName,
		Status:        cp.Status,
		State:         cp.State,
		Context:       cp.Context,
		Error:         cp.Error,
		Cause:         cp.Cause,
	}
	if cp.Status == StatusFailed {
		return res, fmt.Errorf("%w: %s: %s", ErrExecutionFailed, cp.ExecutionName, cp.Cause)
	}
	return res, nil
}

// save outlives a cancelled ctx so an interrupted execution still records
// where it stopped.
func (e *Engine) save(ctx context.Context, cp Checkpoint) error {
	ctx = context.WithoutCancel(ctx)
	err := retry.Do(ctx, checkpointPolicy, func(ctx context.Context) error {
		return e.checkpoints.Save(ctx, cp)
	}, retry.WithSleep(e.sleep))
	if err != nil {
		return fmt.Errorf("checkpointing %s at %q: %w", cp.ExecutionName, cp.State, err)
	}
	return nil
}

func (e *Engine) entered(execution, state string) {
	for _, o := range e.observers {
		o.StateEntered(execution, state)
	}
}

func (e *Engine) exited(execution, state string, err error) {
	for _, o := range e.observers {
		o.StateExited(execution, state, err)
	}
}

func catcherFor(st State, err error) (Catcher, bool) {
	for _, c := range st.Catch {
		if c.matches(err) {
			return c, true
		}
	}
	return Catcher{}, false
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, ErrStateTimeout):
		return ErrorTimeout
	case errors.Is(err, ErrExecutionFailed):
		return ErrorChildFailed
	case errors.Is(err, retry.ErrExhausted):
		return ErrorRetriesExhausted
	}
	return ErrorTaskFailed
}
