package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nomis52/deltaetl/callback"
	"github.com/nomis52/deltaetl/metrics"
	"github.com/nomis52/deltaetl/objstore"
	"github.com/nomis52/deltaetl/queue"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency  = 4
	defaultReceiveBatch = 10
)

// Consumer drains a task queue, migrating each batch and reporting it
// complete on the batch's callback token.
type Consumer struct {
	objects     *objstore.Store
	tokens      *callback.Registry
	queue       *queue.Queue
	enrichers   Enrichers
	logger      *slog.Logger
	metrics     *metrics.ETL
	concurrency int
	batch       int
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithMetrics records message and object counts.
func WithMetrics(m *metrics.ETL) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// WithConcurrency sets how many workers receive from the queue.
func WithConcurrency(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithReceiveBatch sets how many messages a worker takes per receive.
func WithReceiveBatch(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.batch = n
		}
	}
}

// WithEnrichers replaces the enrichers available to tasks.
func WithEnrichers(e Enrichers) ConsumerOption {
	return func(c *Consumer) {
		c.enrichers = e
	}
}

// NewConsumer creates a Consumer for q.
func NewConsumer(objects *objstore.Store, tokens *callback.Registry, q *queue.Queue, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		objects:     objects,
		tokens:      tokens,
		queue:       q,
		enrichers:   DefaultEnrichers(),
		logger:      slog.Default(),
		concurrency: defaultConcurrency,
		batch:       defaultReceiveBatch,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "consumer", "queue", q.Name())
	return c
}

// Run processes messages until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.concurrency; i++ {
		g.Go(func() error {
			return c.loop(ctx)
		})
	}
	return g.Wait()
}

func (c *Consumer) loop(ctx context.Context) error {
	for {
		msgs, err := c.queue.Receive(ctx, c.batch)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, m := range msgs {
			c.Handle(ctx, m)
		}
	}
}

// Handle processes one message and acks or nacks it.
func (c *Consumer) Handle(ctx context.Context, m *queue.Message) {
	var t Task
	if err := json.Unmarshal(m.Body, &t); err != nil {
		c.nack(ctx, m, t, fmt.Errorf("decoding task: %w", err))
		return
	}
	logger := c.logger.With("execution", t.ExecutionID, "batch", t.ID, "attempt", m.Attempt)

	rec, err := c.tokens.Get(ctx, t.Token)
	switch {
	case errors.Is(err, callback.ErrTokenNotFound):
		logger.Warn("dropping task for unknown token", "token", t.Token)
		c.ack(m)
		return
	case err != nil:
		c.nack(ctx, m, t, err)
		return
	case rec.Status != callback.StatusPending:
		logger.Info("token already resolved, skipping batch", "status", rec.Status)
		c.ack(m)
		return
	}

	if err := c.Process(ctx, t); err != nil {
		logger.Warn("batch failed", "error", err)
		c.nack(ctx, m, t, err)
		return
	}

	resolved, err := c.tokens.Complete(ctx, t.Token, t.ID)
	if err != nil && !errors.Is(err, callback.ErrTokenResolved) {
		c.nack(ctx, m, t, err)
		return
	}
	c.ack(m)
	logger.Debug("batch complete", "objects", len(t.Sources), "resolved", resolved)
}

// Process migrates one batch. Copies happen before any source is deleted.
func (c *Consumer) Process(ctx context.Context, t Task) error {
	if len(t.Sources) == 0 {
		return nil
	}
	chain, err := c.enrichers.Resolve(t.Options.EnrichmentPlugins)
	if err != nil {
		return err
	}

	if t.Options.Merge {
		if err := c.merge(ctx, t, chain); err != nil {
			return err
		}
	} else {
		if err := c.copy(ctx, t, chain); err != nil {
			return err
		}
	}

	if t.Options.DeleteOnSuccess {
		for _, src := range t.Sources {
			if err := c.objects.Delete(ctx, src.Key); err != nil {
				return err
			}
		}
		c.metrics.Objects("delete", len(t.Sources), 0)
	}
	return nil
}

func (c *Consumer) copy(ctx context.Context, t Task, chain []Enricher) error {
	var size int64
	for _, src := range t.Sources {
		dst := t.Destination(src.Key)
		var err error
		if len(chain) == 0 {
			err = c.objects.Copy(ctx, src.Key, dst)
		} else {
			err = c.copyEnriched(ctx, src.Key, dst, chain)
		}
		if errors.Is(err, objstore.ErrNotFound) {
			// A redelivered batch whose sources were already moved.
			if done, _ := c.destinationExists(ctx, dst, chain); done {
				continue
			}
		}
		if err != nil {
			return err
		}
		size += src.Size
	}
	c.metrics.Objects("copy", len(t.Sources), size)
	return nil
}

func (c *Consumer) copyEnriched(ctx context.Context, src, dst string, chain []Enricher) error {
	data, err := c.objects.ReadAll(ctx, src)
	if err != nil {
		return err
	}
	dst, data, err = enrich(chain, dst, data)
	if err != nil {
		return err
	}
	return c.objects.WriteAll(ctx, dst, data)
}

func (c *Consumer) destinationExists(ctx context.Context, dst string, chain []Enricher) (bool, error) {
	for _, enr := range chain {
		if enr.Rename != nil {
			dst = enr.Rename(dst)
		}
	}
	return c.objects.Exists(ctx, dst)
}

func (c *Consumer) merge(ctx context.Context, t Task, chain []Enricher) error {
	read, err := merge(ctx, c.objects, t, chain)
	if errors.Is(err, objstore.ErrNotFound) {
		if done, _ := c.objects.Exists(ctx, t.MergedKey()); done {
			return nil
		}
	}
	if err != nil {
		return err
	}
	c.metrics.Objects("merge", len(t.Sources), read)
	return nil
}

func (c *Consumer) ack(m *queue.Message) {
	c.queue.Ack(m)
	c.metrics.QueueMessage(c.queue.Name(), "acked")
}

func (c *Consumer) nack(ctx context.Context, m *queue.Message, t Task, cause error) {
	dead, err := c.queue.Nack(ctx, m, cause)
	if err != nil {
		c.logger.Error("nack failed", "batch", t.ID, "error", err)
		return
	}
	c.metrics.QueueMessage(c.queue.Name(), "nacked")
	if dead {
		c.metrics.DeadLetter(c.queue.Name())
	}
}
