package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestPolicyDelay(t *testing.T) {
	identity := func(n int64) int64 { return n - 1 }

	tests := []struct {
		name   string
		policy Policy
		retry  int
		want   time.Duration
	}{
		{
			name:   "first retry uses interval",
			policy: Policy{Interval: 10 * time.Second, BackoffRate: 2},
			retry:  1,
			want:   10 * time.Second,
		},
		{
			name:   "backoff doubles",
			policy: Policy{Interval: 10 * time.Second, BackoffRate: 2},
			retry:  3,
			want:   40 * time.Second,
		},
		{
			name:   "capped by max delay",
			policy: Policy{Interval: 10 * time.Second, BackoffRate: 2, MaxDelay: 120 * time.Second},
			retry:  5,
			want:   120 * time.Second,
		},
		{
			name:   "rate below one is flat",
			policy: Policy{Interval: time.Second},
			retry:  4,
			want:   time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.delay(tt.retry, identity))
		})
	}
}

func TestPolicyDelayFullJitter(t *testing.T) {
	p := LogWrite
	for retry := 1; retry <= 6; retry++ {
		for i := 0; i < 50; i++ {
			d := p.Delay(retry)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, p.MaxDelay)
		}
	}
}

func TestDo(t *testing.T) {
	transient := Transient(errors.New("throttled"))
	permanent := errors.New("syntax error")

	tests := []struct {
		name      string
		failures  int
		failWith  error
		policy    Policy
		wantErr   error
		wantCalls int
	}{
		{
			name:      "success first time",
			policy:    LogWrite,
			wantCalls: 1,
		},
		{
			name:      "four transient failures then success",
			failures:  4,
			failWith:  transient,
			policy:    LogWrite,
			wantCalls: 5,
		},
		{
			name:      "five transient failures then success",
			failures:  5,
			failWith:  transient,
			policy:    LogWrite,
			wantCalls: 6,
		},
		{
			name:      "sixth consecutive failure is exhausted",
			failures:  100,
			failWith:  transient,
			policy:    LogWrite,
			wantErr:   ErrExhausted,
			wantCalls: 6,
		},
		{
			name:      "permanent error is not retried",
			failures:  100,
			failWith:  permanent,
			policy:    LogWrite,
			wantErr:   permanent,
			wantCalls: 1,
		},
		{
			name:      "query submit allows two retries",
			failures:  100,
			failWith:  transient,
			policy:    QuerySubmit,
			wantErr:   ErrExhausted,
			wantCalls: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			var notified []int
			err := Do(context.Background(), tt.policy, func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			}, WithSleep(noSleep), WithNotify(func(attempt int, _ error, _ time.Duration) {
				notified = append(notified, attempt)
			}))

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, notified, calls-1)
		})
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, LogWrite, func(context.Context) error {
		return Transient(errors.New("throttled"))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransient(t *testing.T) {
	base := errors.New("boom")

	assert.Nil(t, Transient(nil))
	assert.False(t, IsTransient(base))
	assert.True(t, IsTransient(Transient(base)))
	assert.ErrorIs(t, Transient(base), base)

	wrapped := errors.Join(errors.New("context"), Transient(base))
	assert.True(t, IsTransient(wrapped))
}

func TestParseJitter(t *testing.T) {
	j, err := ParseJitter("full")
	require.NoError(t, err)
	assert.Equal(t, JitterFull, j)

	j, err = ParseJitter("")
	require.NoError(t, err)
	assert.Equal(t, JitterNone, j)

	_, err = ParseJitter("equal")
	assert.Error(t, err)
}
