// Package retry runs operations under bounded exponential backoff.
//
// Only errors marked with Transient are retried; anything else is handed
// back to the caller after the first attempt. A Policy mirrors the retry
// block of a workflow state: an initial interval, a number of retries, a
// backoff multiplier, an optional delay cap, and a jitter mode.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// ErrExhausted is wrapped into the error returned by Do once a policy has no
// retries left.
var ErrExhausted = errors.New("retries exhausted")

// Jitter selects how a computed backoff delay is randomised.
type Jitter int

const (
	// JitterNone waits exactly the computed delay.
	JitterNone Jitter = iota
	// JitterFull waits a uniformly random duration in [0, delay].
	JitterFull
)

// String returns the string representation of the jitter mode.
func (j Jitter) String() string {
	switch j {
	case JitterNone:
		return "NONE"
	case JitterFull:
		return "FULL"
	default:
		return "UNKNOWN"
	}
}

// ParseJitter converts "NONE" or "FULL" (any case) to a Jitter. The empty
// string maps to JitterNone.
func ParseJitter(s string) (Jitter, error) {
	switch strings.ToUpper(s) {
	case "", "NONE":
		return JitterNone, nil
	case "FULL":
		return JitterFull, nil
	default:
		return JitterNone, fmt.Errorf("unknown jitter mode %q", s)
	}
}

// Policy describes a bounded exponential backoff.
type Policy struct {
	// Interval is the delay before the first retry.
	Interval time.Duration
	// MaxAttempts is the number of retries after the initial attempt.
	MaxAttempts int
	// BackoffRate multiplies the delay after every retry. Values below 1 are treated as 1.
	BackoffRate float64
	// MaxDelay caps a single delay. Zero means uncapped.
	MaxDelay time.Duration
	// Jitter randomises each delay.
	Jitter Jitter
}

// LogWrite is the policy applied to execution log writes. Writes are keyed so
// repeating them is safe, and store throttling is the expected failure.
var LogWrite = Policy{
	Interval:    10 * time.Second,
	MaxAttempts: 5,
	BackoffRate: 2,
	MaxDelay:    120 * time.Second,
	Jitter:      JitterFull,
}

// QuerySubmit is the policy applied to query submission.
var QuerySubmit = Policy{
	Interval:    time.Second,
	MaxAttempts: 2,
	BackoffRate: 2,
	Jitter:      JitterFull,
}

// Validate reports whether the policy can be used.
func (p Policy) Validate() error {
	if p.Interval < 0 {
		return fmt.Errorf("interval must not be negative")
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must not be negative")
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("max delay must not be negative")
	}
	return nil
}

// Delay returns the wait before the given retry (1 for the first retry).
func (p Policy) Delay(retry int) time.Duration {
	return p.delay(retry, rand.Int64N)
}

func (p Policy) delay(retry int, jitter func(int64) int64) time.Duration {
	if retry < 1 {
		retry = 1
	}
	rate := p.BackoffRate
	if rate < 1 {
		rate = 1
	}
	d := float64(p.Interval) * math.Pow(rate, float64(retry-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d > math.MaxInt64/2 {
		d = math.MaxInt64 / 2
	}
	delay := int64(d)
	if p.Jitter == JitterFull && delay > 0 {
		delay = jitter(delay + 1)
	}
	return time.Duration(delay)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc backed by a timer.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NotifyFunc is called before each retry with the failed attempt number
// (starting at 1), the error, and the delay about to be slept.
type NotifyFunc func(attempt int, err error, delay time.Duration)

type options struct {
	sleep  SleepFunc
	notify NotifyFunc
}

// Option configures Do.
type Option func(*options)

// WithSleep replaces the function used to wait between attempts.
func WithSleep(s SleepFunc) Option {
	return func(o *options) {
		if s != nil {
			o.sleep = s
		}
	}
}

// WithNotify registers a callback invoked before every retry.
func WithNotify(n NotifyFunc) Option {
	return func(o *options) {
		o.notify = n
	}
}

// Do calls fn until it succeeds, returns a non-transient error, or the
// policy runs out of retries.
func Do(ctx context.Context, p Policy, fn func(context.Context) error, opts ...Option) error {
	o := options{sleep: Sleep}
	for _, opt := range opts {
		opt(&o)
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempt > p.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}
		delay := p.Delay(attempt)
		if o.notify != nil {
			o.notify(attempt, err, delay)
		}
		if err := o.sleep(ctx, delay); err != nil {
			return fmt.Errorf("waiting to retry: %w", err)
		}
	}
}
