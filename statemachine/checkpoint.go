package statemachine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nomis52/deltaetl/retry"
	"gocloud.dev/docstore"
	_ "gocloud.dev/docstore/awsdynamodb"
	"gocloud.dev/docstore/memdocstore"
	"gocloud.dev/gcerrors"
)

// ErrCheckpointNotFound is returned by Load for unknown executions.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Status of an execution.
type Status string

const (
	StatusRunning   Status = "Running"
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
)

// IsTerminal reports whether s is Succeeded or Failed.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Checkpoint is the persisted position of an execution: the state it is
// about to run and the context that state receives.
type Checkpoint struct {
	ExecutionName string    `json:"executionName"`
	Definition    string    `json:"definition"`
	Parent        string    `json:"parent,omitempty"`
	State         string    `json:"state"`
	Status        Status    `json:"status"`
	Context       Context   `json:"context"`
	Error         string    `json:"error,omitempty"`
	Cause         string    `json:"cause,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Checkpointer persists checkpoints.
type Checkpointer interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, executionName string) (Checkpoint, error)
	// ListRunning returns top-level executions that have not finished.
	ListRunning(ctx context.Context) ([]Checkpoint, error)
	io.Closer
}

// OpenCheckpointer opens a docstore collection of checkpoints at url.
// "mem://" URLs get a fresh in-memory collection.
func OpenCheckpointer(ctx context.Context, url string) (*DocstoreCheckpointer, error) {
	var (
		coll *docstore.Collection
		err  error
	)
	if strings.HasPrefix(url, "mem://") {
		coll, err = memdocstore.OpenCollection("executionName", nil)
	} else {
		coll, err = docstore.OpenCollection(ctx, url)
	}
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint collection %q: %w", url, err)
	}
	return &DocstoreCheckpointer{coll: coll}, nil
}

// DocstoreCheckpointer stores checkpoints in a docstore collection keyed by
// "executionName".
type DocstoreCheckpointer struct {
	coll *docstore.Collection
}

type checkpointDoc struct {
	ExecutionName string `docstore:"executionName"`
	Definition    string `docstore:"definition"`
	Parent        string `docstore:"parent"`
	State         string `docstore:"state"`
	Status        string `docstore:"status"`
	Context       string `docstore:"context"`
	Error         string `docstore:"error"`
	Cause         string `docstore:"cause"`
	StartedAt     int64  `docstore:"startedAt"`
	UpdatedAt     int64  `docstore:"updatedAt"`
}

// Save implements Checkpointer.
func (c *DocstoreCheckpointer) Save(ctx context.Context, cp Checkpoint) error {
	data, err := json.Marshal(cp.Context)
	if err != nil {
		return fmt.Errorf("encoding context of %s: %w", cp.ExecutionName, err)
	}
	doc := &checkpointDoc{
		ExecutionName: cp.ExecutionName,
		Definition:    cp.Definition,
		Parent:        cp.Parent,
		State:         cp.State,
		Status:        string(cp.Status),
		Context:       string(data),
		Error:         cp.Error,
		Cause:         cp.Cause,
		StartedAt:     cp.StartedAt.UnixMilli(),
		UpdatedAt:     cp.UpdatedAt.UnixMilli(),
	}
	if err := c.coll.Put(ctx, doc); err != nil {
		return classify(fmt.Errorf("saving checkpoint %s: %w", cp.ExecutionName, err))
	}
	return nil
}

// Load implements Checkpointer.
func (c *DocstoreCheckpointer) Load(ctx context.Context, executionName string) (Checkpoint, error) {
	doc := &checkpointDoc{ExecutionName: executionName}
	if err := c.coll.Get(ctx, doc); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return Checkpoint{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, executionName)
		}
		return Checkpoint{}, classify(fmt.Errorf("loading checkpoint %s: %w", executionName, err))
	}
	return doc.checkpoint()
}

// ListRunning implements Checkpointer.
func (c *DocstoreCheckpointer) ListRunning(ctx context.Context) ([]Checkpoint, error) {
	iter := c.coll.Query().Where("status", "=", string(StatusRunning)).Get(ctx)
	defer iter.Stop()

	var out []Checkpoint
	for {
		var doc checkpointDoc
		err := iter.Next(ctx, &doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classify(fmt.Errorf("listing checkpoints: %w", err))
		}
		if doc.Parent != "" {
			continue
		}
		cp, err := doc.checkpoint()
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sortCheckpoints(out)
	return out, nil
}

// Close implements io.Closer.
func (c *DocstoreCheckpointer) Close() error {
	return c.coll.Close()
}

func (d *checkpointDoc) checkpoint() (Checkpoint, error) {
	cp := Checkpoint{
		ExecutionName: d.ExecutionName,
		Definition:    d.Definition,
		Parent:        d.Parent,
		State:         d.State,
		Status:        Status(d.Status),
		Error:         d.Error,
		Cause:         d.Cause,
		StartedAt:     time.UnixMilli(d.StartedAt).UTC(),
		UpdatedAt:     time.UnixMilli(d.UpdatedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(d.Context), &cp.Context); err != nil {
		return Checkpoint{}, fmt.Errorf("decoding context of %s: %w", d.ExecutionName, err)
	}
	return cp, nil
}

func classify(err error) error {
	switch gcerrors.Code(err) {
	case gcerrors.ResourceExhausted, gcerrors.DeadlineExceeded, gcerrors.Internal:
		return retry.Transient(err)
	}
	return err
}

// MemoryCheckpointer keeps checkpoints in process memory.
type MemoryCheckpointer struct {
	mu          sync.Mutex
	checkpoints map[string]Checkpoint
}

// NewMemoryCheckpointer creates an empty MemoryCheckpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{checkpoints: make(map[string]Checkpoint)}
}

// Save implements Checkpointer. The context is round-tripped through JSON so
// callers observe exactly what a durable store would return.
func (m *MemoryCheckpointer) Save(_ context.Context, cp Checkpoint) error {
	data, err := json.Marshal(cp.Context)
	if err != nil {
		return err
	}
	cp.Context = Context{}
	if err := json.Unmarshal(data, &cp.Context); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.ExecutionName] = cp
	return nil
}

// Load implements Checkpointer.
func (m *MemoryCheckpointer) Load(_ context.Context, executionName string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[executionName]
	if !ok {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, executionName)
	}
	return cp, nil
}

// ListRunning implements Checkpointer.
func (m *MemoryCheckpointer) ListRunning(context.Context) ([]Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Checkpoint
	for _, cp := range m.checkpoints {
		if cp.Status == StatusRunning && cp.Parent == "" {
			out = append(out, cp)
		}
	}
	sortCheckpoints(out)
	return out, nil
}

// Close implements io.Closer.
func (m *MemoryCheckpointer) Close() error { return nil }

func sortCheckpoints(cps []Checkpoint) {
	sort.Slice(cps, func(i, j int) bool {
		if !cps[i].StartedAt.Equal(cps[j].StartedAt) {
			return cps[i].StartedAt.Before(cps[j].StartedAt)
		}
		return cps[i].ExecutionName < cps[j].ExecutionName
	})
}
