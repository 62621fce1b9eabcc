// Package callback implements durable single-use callback tokens.
//
// A token lets a paused workflow state be resumed by someone else. The
// holder may resolve it with a result or fail it with an error, once; any
// further signal is rejected with ErrTokenResolved. Tokens used for
// scatter/gather are armed with a batch count before any work is enqueued,
// and each batch completion is recorded by id so redelivered batches are not
// counted twice. The token resolves successfully when every batch has
// completed.
//
// Token records live in a gocloud.dev docstore collection and every mutation
// is a revision-checked read-modify-write, so several processes may signal
// the same token concurrently.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/docstore"
	_ "gocloud.dev/docstore/awsdynamodb"
	"gocloud.dev/docstore/memdocstore"
	"gocloud.dev/gcerrors"
)

const (
	defaultPollInterval  = 5 * time.Second
	maxRevisionConflicts = 20
)

var (
	// ErrTokenResolved is returned when a token has already been resolved.
	ErrTokenResolved = errors.New("callback token already resolved")
	// ErrTokenNotFound is returned for unknown tokens.
	ErrTokenNotFound = errors.New("callback token not found")
	// ErrNotArmed is returned when a batch completes on a token that was never armed.
	ErrNotArmed = errors.New("callback token not armed")
	// ErrCallbackFailed wraps the message of a failed token.
	ErrCallbackFailed = errors.New("callback failed")
)

// Status is the resolution state of a token.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Record is the stored state of a token.
type Record struct {
	Token         string          `json:"token"`
	ExecutionName string          `json:"executionName"`
	StateName     string          `json:"stateName"`
	Expected      int             `json:"expected"`
	Completed     []string        `json:"completed,omitempty"`
	Status        Status          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	ResolvedAt    time.Time       `json:"resolvedAt,omitempty"`
}

// Outstanding returns the number of batches not yet completed.
func (r Record) Outstanding() int {
	return max(r.Expected-len(r.Completed), 0)
}

// Outcome is what a waiter receives once a token resolves.
type Outcome struct {
	Status Status
	Result json.RawMessage
	Error  string
}

// Err returns a non-nil error for a failed outcome.
func (o Outcome) Err() error {
	if o.Status == StatusFailed {
		return fmt.Errorf("%w: %s", ErrCallbackFailed, o.Error)
	}
	return nil
}

// ScanResult is the result a token resolves with when all of its batches
// have completed.
type ScanResult struct {
	HasObjects bool `json:"hasObjects"`
}

type tokenDoc struct {
	Token         string   `docstore:"token"`
	ExecutionName string   `docstore:"executionName"`
	StateName     string   `docstore:"stateName"`
	Armed         bool     `docstore:"armed"`
	Expected      int      `docstore:"expected"`
	Completed     []string `docstore:"completed"`
	Status        string   `docstore:"status"`
	Result        string   `docstore:"result"`
	Error         string   `docstore:"error"`
	CreatedAt     int64    `docstore:"createdAt"`
	ResolvedAt    int64    `docstore:"resolvedAt"`

	DocstoreRevision interface{}
}

func (d *tokenDoc) record() Record {
	r := Record{
		Token:         d.Token,
		ExecutionName: d.ExecutionName,
		StateName:     d.StateName,
		Expected:      d.Expected,
		Completed:     slices.Clone(d.Completed),
		Status:        Status(d.Status),
		Error:         d.Error,
		CreatedAt:     time.UnixMilli(d.CreatedAt).UTC(),
	}
	if d.Result != "" {
		r.Result = json.RawMessage(d.Result)
	}
	if d.ResolvedAt != 0 {
		r.ResolvedAt = time.UnixMilli(d.ResolvedAt).UTC()
	}
	return r
}

// Registry creates, signals, and waits on tokens.
type Registry struct {
	coll         *docstore.Collection
	logger       *slog.Logger
	pollInterval time.Duration
	now          func() time.Time

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger.With("component", "callback")
	}
}

// WithPollInterval sets how often Wait re-reads the durable record. Local
// resolutions wake waiters immediately; polling picks up resolutions made by
// other processes.
func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// New builds a Registry on an opened collection keyed by "token".
func New(coll *docstore.Collection, opts ...Option) *Registry {
	r := &Registry{
		coll:         coll,
		logger:       slog.Default().With("component", "callback"),
		pollInterval: defaultPollInterval,
		now:          time.Now,
		waiters:      make(map[string][]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open opens the token collection at url. "mem://" URLs get a fresh
// in-memory collection.
func Open(ctx context.Context, url string, opts ...Option) (*Registry, error) {
	var (
		coll *docstore.Collection
		err  error
	)
	if strings.HasPrefix(url, "mem://") {
		coll, err = memdocstore.OpenCollection("token", nil)
	} else {
		coll, err = docstore.OpenCollection(ctx, url)
	}
	if err != nil {
		return nil, fmt.Errorf("opening callback collection %q: %w", url, err)
	}
	return New(coll, opts...), nil
}

// Close releases the collection.
func (r *Registry) Close() error {
	return r.coll.Close()
}

// Create issues a new pending token for a paused state.
func (r *Registry) Create(ctx context.Context, executionName, stateName string) (string, error) {
	token := uuid.NewString()
	doc := &tokenDoc{
		Token:         token,
		ExecutionName: executionName,
		StateName:     stateName,
		Status:        string(StatusPending),
		Completed:     []string{},
		CreatedAt:     r.now().UnixMilli(),
	}
	if err := r.coll.Create(ctx, doc); err != nil {
		return "", fmt.Errorf("creating callback token: %w", err)
	}
	return token, nil
}

// Get returns the stored record of a token.
func (r *Registry) Get(ctx context.Context, token string) (Record, error) {
	doc, err := r.load(ctx, token)
	if err != nil {
		return Record{}, err
	}
	return doc.record(), nil
}

// Arm sets the number of batches the token waits for. It must be called
// before the first batch is enqueued so a fast consumer cannot complete a
// batch against an unarmed token.
func (r *Registry) Arm(ctx context.Context, token string, batches int) error {
	if batches < 1 {
		return fmt.Errorf("arming %s: batch count must be positive, got %d", token, batches)
	}
	_, err := r.mutate(ctx, token, func(d *tokenDoc) error {
		if Status(d.Status) != StatusPending {
			return ErrTokenResolved
		}
		d.Armed = true
		d.Expected = batches
		return nil
	})
	return err
}

// Complete records that batchID finished. When the last batch completes the
// token resolves successfully and resolved is true. Completing the same batch
// twice is a no-op.
func (r *Registry) Complete(ctx context.Context, token, batchID string) (resolved bool, err error) {
	doc, err := r.mutate(ctx, token, func(d *tokenDoc) error {
		if Status(d.Status) != StatusPending {
			return ErrTokenResolved
		}
		if !d.Armed {
			return ErrNotArmed
		}
		if slices.Contains(d.Completed, batchID) {
			return errUnchanged
		}
		d.Completed = append(d.Completed, batchID)
		if len(d.Completed) >= d.Expected {
			result, _ := json.Marshal(ScanResult{HasObjects: true})
			d.resolve(StatusSucceeded, string(result), "", r.now())
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if Status(doc.Status) != StatusPending {
		r.wake(token)
		return true, nil
	}
	return false, nil
}

// Resolve completes the token successfully with result, which is marshalled
// to JSON.
func (r *Registry) Resolve(ctx context.Context, token string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding callback result: %w", err)
	}
	return r.finish(ctx, token, StatusSucceeded, string(data), "")
}

// Fail completes the token with an error message.
func (r *Registry) Fail(ctx context.Context, token, cause string) error {
	return r.finish(ctx, token, StatusFailed, "", cause)
}

// Wait blocks until the token resolves or ctx is done.
func (r *Registry) Wait(ctx context.Context, token string) (Outcome, error) {
	wake := r.subscribe(token)
	defer r.unsubscribe(token, wake)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		doc, err := r.load(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, fmt.Errorf("waiting for callback %s: %w", token, ctx.Err())
			}
			return Outcome{}, err
		}
		if Status(doc.Status) != StatusPending {
			rec := doc.record()
			return Outcome{Status: rec.Status, Result: rec.Result, Error: rec.Error}, nil
		}

		select {
		case <-ctx.Done():
			return Outcome{}, fmt.Errorf("waiting for callback %s: %w", token, ctx.Err())
		case <-wake:
		case <-ticker.C:
		}
	}
}

var errUnchanged = errors.New("unchanged")

func (d *tokenDoc) resolve(status Status, result, cause string, now time.Time) {
	d.Status = string(status)
	d.Result = result
	d.Error = cause
	d.ResolvedAt = now.UnixMilli()
}

func (r *Registry) finish(ctx context.Context, token string, status Status, result, cause string) error {
	_, err := r.mutate(ctx, token, func(d *tokenDoc) error {
		if Status(d.Status) != StatusPending {
			return ErrTokenResolved
		}
		d.resolve(status, result, cause, r.now())
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Debug("callback resolved", "token", token, "status", status)
	r.wake(token)
	return nil
}

func (r *Registry) load(ctx context.Context, token string) (*tokenDoc, error) {
	doc := &tokenDoc{Token: token}
	if err := r.coll.Get(ctx, doc); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrTokenNotFound, token)
		}
		return nil, fmt.Errorf("reading callback token %s: %w", token, err)
	}
	return doc, nil
}

// mutate applies fn to the current record and writes it back if the
// revision is unchanged, retrying on conflicts.
func (r *Registry) mutate(ctx context.Context, token string, fn func(*tokenDoc) error) (*tokenDoc, error) {
	for i := 0; i < maxRevisionConflicts; i++ {
		doc, err := r.load(ctx, token)
		if err != nil {
			return nil, err
		}
		if err := fn(doc); err != nil {
			if errors.Is(err, errUnchanged) {
				return doc, nil
			}
			return nil, fmt.Errorf("%w: %s", err, token)
		}
		err = r.coll.Replace(ctx, doc)
		if err == nil {
			return doc, nil
		}
		if gcerrors.Code(err) != gcerrors.FailedPrecondition {
			return nil, fmt.Errorf("writing callback token %s: %w", token, err)
		}
	}
	return nil, fmt.Errorf("writing callback token %s: too many concurrent updates", token)
}

func (r *Registry) subscribe(token string) chan struct{} {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	r.waiters[token] = append(r.waiters[token], ch)
	r.mu.Unlock()
	return ch
}

func (r *Registry) unsubscribe(token string, ch chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiters := slices.DeleteFunc(r.waiters[token], func(c chan struct{}) bool { return c == ch })
	if len(waiters) == 0 {
		delete(r.waiters, token)
		return
	}
	r.waiters[token] = waiters
}

func (r *Registry) wake(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.waiters[token] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
