// Package cron starts pipelines on their configured schedules.
//
// A Trigger wraps one schedule and one callback. A Manager holds one
// Trigger per scheduled pipeline:
//
//	m, err := cron.NewManager(cfg.Pipelines, runner, logger)
//	if err != nil {
//	    return err
//	}
//	m.Start(ctx) // returns immediately, stops with ctx
package cron

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCronSpec is returned when a schedule cannot be parsed.
var ErrInvalidCronSpec = errors.New("invalid cron spec")

// Func is called with the scheduled time of each run.
type Func func(scheduled time.Time) error

// Trigger calls a Func on a five-field cron schedule.
type Trigger struct {
	spec     string
	schedule cron.Schedule
	fn       Func
	logger   *slog.Logger
	now      func() time.Time
}

// NewTrigger parses spec (minute, hour, day of month, month, day of week).
func NewTrigger(spec string, fn Func, logger *slog.Logger) (*Trigger, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, errors.Join(ErrInvalidCronSpec, err)
	}
	return &Trigger{
		spec:     spec,
		schedule: schedule,
		fn:       fn,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Spec returns the cron expression.
func (t *Trigger) Spec() string {
	return t.spec
}

// NextRun returns the next scheduled time after now.
func (t *Trigger) NextRun() time.Time {
	return t.schedule.Next(t.now())
}

// Start runs the trigger loop in a goroutine until ctx is cancelled.
func (t *Trigger) Start(ctx context.Context) {
	go t.loop(ctx)
}

func (t *Trigger) loop(ctx context.Context) {
	for {
		next := t.schedule.Next(t.now())
		wait := next.Sub(t.now())
		t.logger.Debug("waiting for next scheduled run", "next_run", next, "wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			t.fire(next)
		}
	}
}

func (t *Trigger) fire(scheduled time.Time) {
	if err := t.fn(scheduled); err != nil {
		t.logger.Warn("scheduled run not started", "scheduled", scheduled, "error", err)
		return
	}
	t.logger.Info("scheduled run started", "scheduled", scheduled)
}
