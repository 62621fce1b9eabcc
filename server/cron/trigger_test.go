package cron

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// justBeforeMinute pins the trigger clock 10ms before a minute boundary so
// an every-minute schedule fires quickly and repeatedly.
func justBeforeMinute() time.Time {
	return time.Date(2024, 1, 2, 3, 4, 59, 990_000_000, time.UTC)
}

func TestNewTrigger(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		wantErr bool
	}{
		{name: "daily at 2am", spec: "0 2 * * *"},
		{name: "every hour", spec: "0 * * * *"},
		{name: "every minute", spec: "* * * * *"},
		{name: "descriptor", spec: "@daily"},
		{name: "empty", spec: "", wantErr: true},
		{name: "wrong format", spec: "not a cron spec", wantErr: true},
		{name: "too few fields", spec: "0 2 *", wantErr: true},
		{name: "minute out of range", spec: "60 2 * * *", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trigger, err := NewTrigger(tt.spec, func(time.Time) error { return nil }, testLogger())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCronSpec)
				assert.Nil(t, trigger)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.spec, trigger.Spec())
		})
	}
}

func TestTrigger_NextRun(t *testing.T) {
	trigger, err := NewTrigger("0 2 * * *", func(time.Time) error { return nil }, testLogger())
	require.NoError(t, err)
	trigger.now = func() time.Time { return time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC) }

	assert.Equal(t, time.Date(2024, 1, 3, 2, 0, 0, 0, time.UTC), trigger.NextRun())
}

func TestTrigger_StartFiresUntilCancelled(t *testing.T) {
	var calls atomic.Int32
	var last atomic.Value
	trigger, err := NewTrigger("* * * * *", func(scheduled time.Time) error {
		last.Store(scheduled)
		calls.Add(1)
		return nil
	}, testLogger())
	require.NoError(t, err)
	trigger.now = justBeforeMinute

	ctx, cancel := context.WithCancel(context.Background())
	trigger.Start(ctx)
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	assert.Equal(t, time.Date(2024, 1, 2, 3, 5, 0, 0, time.UTC), last.Load())

	time.Sleep(50 * time.Millisecond)
	settled := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, calls.Load())
}

func TestTrigger_ErrorsDoNotStopTheLoop(t *testing.T) {
	var calls atomic.Int32
	trigger, err := NewTrigger("* * * * *", func(time.Time) error {
		calls.Add(1)
		return errors.New("already running")
	}, testLogger())
	require.NoError(t, err)
	trigger.now = justBeforeMinute

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trigger.Start(ctx)
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}
