// Package app assembles the stores, queues, gateway and workflow engine
// described by a config.Config. Both the server and the CLI run pipelines
// through an App.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nomis52/deltaetl/callback"
	"github.com/nomis52/deltaetl/catalog"
	"github.com/nomis52/deltaetl/config"
	"github.com/nomis52/deltaetl/execlog"
	"github.com/nomis52/deltaetl/gateway"
	"github.com/nomis52/deltaetl/metrics"
	"github.com/nomis52/deltaetl/notify"
	"github.com/nomis52/deltaetl/objstore"
	"github.com/nomis52/deltaetl/pipelines"
	"github.com/nomis52/deltaetl/queue"
	"github.com/nomis52/deltaetl/retry"
	"github.com/nomis52/deltaetl/scan"
	"github.com/nomis52/deltaetl/statemachine"
)

// ErrUnknownPipeline is returned when a pipeline id is not configured.
var ErrUnknownPipeline = errors.New("unknown pipeline")

// App holds the components of one configuration.
type App struct {
	Objects    *objstore.Store
	Logs       execlog.Store
	Tokens     *callback.Registry
	Catalog    catalog.Engine
	Gateway    *gateway.Gateway
	CopyQueue  *queue.Queue
	MergeQueue *queue.Queue
	Notifier   *notify.Publisher
	Engine     *statemachine.Engine
	Pipelines  *pipelines.Set

	mu  sync.RWMutex
	cfg config.Config

	logger    *slog.Logger
	metrics   *metrics.ETL
	enrichers scan.Enrichers
	closers   []func(context.Context) error
}

type options struct {
	logger        *slog.Logger
	loggerFactory func(execution string) *slog.Logger
	observers     []statemachine.Observer
	metrics       *metrics.ETL
	enrichers     scan.Enrichers
	sleep         retry.SleepFunc
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLoggerFactory derives per-execution loggers.
func WithLoggerFactory(f func(execution string) *slog.Logger) Option {
	return func(o *options) {
		o.loggerFactory = f
	}
}

// WithObserver registers a state transition observer.
func WithObserver(obs statemachine.Observer) Option {
	return func(o *options) {
		o.observers = append(o.observers, obs)
	}
}

// WithMetrics records engine and queue metrics.
func WithMetrics(m *metrics.ETL) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithEnrichers replaces the default enrichment plugins.
func WithEnrichers(e scan.Enrichers) Option {
	return func(o *options) {
		o.enrichers = e
	}
}

// WithSleep replaces the sleep used between retries and query polls.
func WithSleep(s retry.SleepFunc) Option {
	return func(o *options) {
		o.sleep = s
	}
}

// Open builds every component of cfg. On error, whatever was opened is closed.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	o := options{logger: slog.Default(), enrichers: scan.DefaultEnrichers()}
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{
		cfg:       cfg,
		logger:    o.logger,
		metrics:   o.metrics,
		enrichers: o.enrichers,
	}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	if a.Objects, err = objstore.Open(ctx, cfg.Storage.BucketURL); err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return a.Objects.Close() })

	if a.Logs, err = execlog.Open(ctx, cfg.LogStore); err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return a.Logs.Close() })

	if a.Tokens, err = callback.Open(ctx, cfg.State.TokensURL,
		callback.WithLogger(o.logger), callback.WithPollInterval(cfg.Timeouts.TokenPoll)); err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return a.Tokens.Close() })

	if a.Catalog, err = openCatalog(ctx, cfg.Catalog, o.logger); err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return a.Catalog.Close() })

	qopts := []queue.Option{queue.WithLogger(o.logger)}
	if a.CopyQueue, err = queue.Open(ctx, cfg.Queues.Copy, qopts...); err != nil {
		return nil, err
	}
	a.onClose(a.CopyQueue.Close)
	if cfg.Queues.HasMerge() {
		if a.MergeQueue, err = queue.Open(ctx, cfg.Queues.Merge, qopts...); err != nil {
			return nil, err
		}
		a.onClose(a.MergeQueue.Close)
	}

	if cfg.Notifications.TopicURL != "" {
		if a.Notifier, err = notify.Open(ctx, cfg.Notifications.TopicURL, o.logger); err != nil {
			return nil, err
		}
		a.onClose(a.Notifier.Close)
	}

	checkpoints, err := statemachine.OpenCheckpointer(ctx, cfg.State.CheckpointsURL)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return checkpoints.Close() })

	engineOpts := []statemachine.Option{
		statemachine.WithLogger(o.logger),
		statemachine.WithCheckpointer(checkpoints),
		statemachine.WithMetrics(o.metrics),
	}
	if o.loggerFactory != nil {
		engineOpts = append(engineOpts, statemachine.WithLoggerFactory(o.loggerFactory))
	}
	if o.sleep != nil {
		engineOpts = append(engineOpts, statemachine.WithSleep(o.sleep))
	}
	for _, obs := range o.observers {
		engineOpts = append(engineOpts, statemachine.WithObserver(obs))
	}
	a.Engine = statemachine.New(engineOpts...)

	a.Gateway = gateway.New(a.Logs, a.Catalog, a.Objects, gateway.WithLogger(o.logger))

	params, err := a.params(cfg, o)
	if err != nil {
		return nil, err
	}
	if a.Pipelines, err = pipelines.NewSet(params); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) params(cfg config.Config, o options) (pipelines.Params, error) {
	logWrite, err := cfg.Retry.LogWrite.Policy()
	if err != nil {
		return pipelines.Params{}, fmt.Errorf("log_write policy: %w", err)
	}
	querySubmit, err := cfg.Retry.QuerySubmit.Policy()
	if err != nil {
		return pipelines.Params{}, fmt.Errorf("query_submit policy: %w", err)
	}
	return pipelines.Params{
		Gateway: a.Gateway,
		Scanner: scan.NewScanner(a.Objects, a.Tokens,
			scan.WithScannerLogger(o.logger), scan.WithScannerEnrichers(a.enrichers)),
		Tokens:     a.Tokens,
		CopyQueue:  a.CopyQueue,
		MergeQueue: a.MergeQueue,
		Engine:     a.Engine,
		Notifier:   a.Notifier,
		Timeouts: pipelines.Timeouts{
			Scan:      cfg.Timeouts.Scan,
			Query:     cfg.Timeouts.Query,
			QueryPoll: cfg.Timeouts.QueryPoll,
		},
		Policies: pipelines.Policies{LogWrite: logWrite, QuerySubmit: querySubmit},
		Limits: pipelines.ScanLimits{
			MaxRecords:        cfg.Scan.MaxRecords,
			MaxObjectsPerTask: cfg.Scan.MaxObjectsPerTask,
			MaxBytesPerTask:   cfg.Scan.MaxBytesPerTask,
		},
		Sleep: o.sleep,
	}, nil
}

func openCatalog(ctx context.Context, cfg config.CatalogConfig, logger *slog.Logger) (catalog.Engine, error) {
	switch cfg.Engine {
	case config.EnginePostgres:
		return catalog.NewPostgresEngine(ctx, catalog.PostgresConfig{DSN: cfg.DSN}, logger)
	case config.EngineMemory, "":
		return catalog.NewMemoryEngine(), nil
	default:
		return nil, fmt.Errorf("unknown catalog engine %q", cfg.Engine)
	}
}

// Config returns the current configuration.
func (a *App) Config() config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Reload swaps the pipeline list and catalog defaults used by new
// executions. Stores, queues and timeouts keep the values Open saw.
func (a *App) Reload(cfg config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.Pipelines = cfg.Pipelines
	a.cfg.Catalog.Database = cfg.Catalog.Database
	a.cfg.Catalog.Workgroup = cfg.Catalog.Workgroup
	a.cfg.Catalog.OutputLocation = cfg.Catalog.OutputLocation
	a.cfg.Storage.LocationRoot = cfg.Storage.LocationRoot
}

func (a *App) onClose(f func(context.Context) error) {
	a.closers = append(a.closers, f)
}

// RunWorkers drains the copy and merge queues and their dead-letter queues
// until ctx is cancelled.
func (a *App) RunWorkers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range []*queue.Queue{a.CopyQueue, a.MergeQueue} {
		if q == nil {
			continue
		}
		consumer := scan.NewConsumer(a.Objects, a.Tokens, q,
			scan.WithLogger(a.logger),
			scan.WithMetrics(a.metrics),
			scan.WithEnrichers(a.enrichers),
			scan.WithConcurrency(a.cfg.Queues.Concurrency),
			scan.WithReceiveBatch(a.cfg.Queues.ReceiveBatch),
		)
		watcher := scan.NewDeadLetterWatcher(q, a.Tokens, a.logger)
		g.Go(func() error { return consumer.Run(ctx) })
		g.Go(func() error { return watcher.Run(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ExecutionName returns a new unique execution name for pipelineID.
func ExecutionName(pipelineID string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s", pipelineID, now.UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
}

// StartRequest names a configured pipeline to run.
type StartRequest struct {
	PipelineID string
	// ExecutionName defaults to a generated name.
	ExecutionName string
	// Timestamp is the scheduled time (RFC 3339). Defaults to now.
	Timestamp string
}

// Prepare resolves req into a definition and its input without running it.
func (a *App) Prepare(req StartRequest, now time.Time) (*statemachine.Definition, statemachine.Context, error) {
	cfg := a.Config()
	md, err := cfg.Descriptor(req.PipelineID)
	if err != nil {
		return nil, statemachine.Context{}, fmt.Errorf("%w: %s", ErrUnknownPipeline, req.PipelineID)
	}
	if req.Timestamp == "" {
		req.Timestamp = now.UTC().Format(time.RFC3339)
	}
	if _, err := time.Parse(time.RFC3339, req.Timestamp); err != nil {
		return nil, statemachine.Context{}, fmt.Errorf("timestamp: %w", err)
	}
	md.ExecutionName = req.ExecutionName
	if md.ExecutionName == "" {
		md.ExecutionName = ExecutionName(md.PipelineID, now)
	}
	md.Timestamp = req.Timestamp

	def, err := a.Pipelines.For(md)
	if err != nil {
		return nil, statemachine.Context{}, err
	}
	return def, statemachine.NewContext(md), nil
}

// Start runs a configured pipeline to completion.
func (a *App) Start(ctx context.Context, req StartRequest) (statemachine.Result, error) {
	def, input, err := a.Prepare(req, time.Now())
	if err != nil {
		return statemachine.Result{}, err
	}
	return a.Execute(ctx, def, input)
}

// Execute runs a prepared execution to completion.
func (a *App) Execute(ctx context.Context, def *statemachine.Definition, input statemachine.Context) (statemachine.Result, error) {
	return a.Engine.Start(ctx, def, input.Metadata.ExecutionName, input)
}

// Checkpoint returns the stored position of an execution.
func (a *App) Checkpoint(ctx context.Context, executionName string) (statemachine.Checkpoint, error) {
	return a.Engine.Checkpoints().Load(ctx, executionName)
}

// Resume continues a checkpointed execution.
func (a *App) Resume(ctx context.Context, executionName string) (statemachine.Result, error) {
	cp, err := a.Checkpoint(ctx, executionName)
	if err != nil {
		return statemachine.Result{}, err
	}
	def, ok := a.Pipelines.ByName(cp.Definition)
	if !ok {
		return statemachine.Result{}, fmt.Errorf("execution %s: %w: %s", executionName, pipelines.ErrUnknownType, cp.Definition)
	}
	return a.Engine.Resume(ctx, def, executionName)
}

// Running lists top-level executions that have not finished.
func (a *App) Running(ctx context.Context) ([]statemachine.Checkpoint, error) {
	return a.Engine.Checkpoints().ListRunning(ctx)
}

// Close releases every component in reverse order of opening.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
