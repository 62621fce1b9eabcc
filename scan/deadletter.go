package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nomis52/deltaetl/callback"
	"github.com/nomis52/deltaetl/queue"
)

// DeadLetterWatcher fails the callback token of every dead-lettered task so
// the waiting scan step fails instead of waiting for its timeout.
type DeadLetterWatcher struct {
	queue  *queue.Queue
	tokens *callback.Registry
	logger *slog.Logger
}

// NewDeadLetterWatcher creates a watcher for q's dead-letter queue.
func NewDeadLetterWatcher(q *queue.Queue, tokens *callback.Registry, logger *slog.Logger) *DeadLetterWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterWatcher{
		queue:  q,
		tokens: tokens,
		logger: logger.With("component", "dead_letter_watcher", "queue", q.Name()),
	}
}

// Run blocks until ctx is cancelled.
func (w *DeadLetterWatcher) Run(ctx context.Context) error {
	for {
		m, err := w.queue.ReceiveDeadLetter(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := w.Handle(ctx, m); err != nil {
			// Left unacked; the driver redelivers it.
			w.logger.Error("failing token of dead letter", "error", err)
			continue
		}
		w.queue.Ack(m)
	}
}

// Handle fails the token a dead-lettered message belongs to.
func (w *DeadLetterWatcher) Handle(ctx context.Context, m *queue.Message) error {
	token, batch := m.Metadata[MetadataToken], m.Metadata[MetadataBatch]
	if token == "" {
		var t Task
		if err := json.Unmarshal(m.Body, &t); err != nil || t.Token == "" {
			w.logger.Warn("dead letter without token, dropping")
			return nil
		}
		token, batch = t.Token, t.ID
	}

	cause := fmt.Sprintf("batch %s dead-lettered after %d attempts: %s", batch, m.Attempt, m.LastError)
	err := w.tokens.Fail(ctx, token, cause)
	switch {
	case err == nil:
		w.logger.Warn("failed scan token", "token", token, "batch", batch, "cause", m.LastError)
		return nil
	case errors.Is(err, callback.ErrTokenResolved), errors.Is(err, callback.ErrTokenNotFound):
		return nil
	}
	return err
}
