package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nomis52/deltaetl/app"
	"github.com/nomis52/deltaetl/config"
	"github.com/nomis52/deltaetl/server/runner"
)

// Starter starts a pipeline execution. *runner.Runner implements it.
type Starter interface {
	Start(req app.StartRequest) (runner.Execution, error)
}

// Manager holds the triggers of every scheduled pipeline.
type Manager struct {
	triggers map[string]*Trigger
	logger   *slog.Logger
}

// NewManager creates one trigger per pipeline with a schedule. Each run is
// started with the scheduled time as its timestamp.
func NewManager(pipelines []config.PipelineConfig, starter Starter, logger *slog.Logger) (*Manager, error) {
	logger = logger.With("component", "cron")
	m := &Manager{triggers: make(map[string]*Trigger), logger: logger}
	for _, p := range pipelines {
		if p.Schedule == "" {
			continue
		}
		id := p.PipelineID
		fn := func(scheduled time.Time) error {
			_, err := starter.Start(app.StartRequest{
				PipelineID: id,
				Timestamp:  scheduled.UTC().Format(time.RFC3339),
			})
			return err
		}
		trigger, err := NewTrigger(p.Schedule, fn, logger.With("pipeline", id))
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", id, err)
		}
		m.triggers[id] = trigger
		logger.Info("schedule registered", "pipeline", id, "schedule", p.Schedule, "next_run", trigger.NextRun())
	}
	return m, nil
}

// Start launches every trigger. All of them stop when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	for _, t := range m.triggers {
		t.Start(ctx)
	}
}

// NextRuns returns the next scheduled time of each scheduled pipeline.
func (m *Manager) NextRuns() map[string]time.Time {
	next := make(map[string]time.Time, len(m.triggers))
	for id, t := range m.triggers {
		next[id] = t.NextRun()
	}
	return next
}

// Len returns the number of scheduled pipelines.
func (m *Manager) Len() int {
	return len(m.triggers)
}
