package catalog

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	createTableRE = regexp.MustCompile(`(?i)^\s*CREATE\s+(?:EXTERNAL\s+)?TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?([\w.]+)`)
	dropTableRE   = regexp.MustCompile(`(?i)^\s*DROP\s+TABLE\s+(?:IF\s+EXISTS\s+)?([\w.]+)`)
)

// MemoryEngine is an in-process Engine. Queries complete immediately; table
// DDL is tracked so callers can observe which tables exist. Failures can be
// injected by SQL substring.
type MemoryEngine struct {
	mu         sync.Mutex
	now        func() time.Time
	queries    map[string]*QueryStatus
	statements []string
	tables     map[string]bool
	partitions map[string]map[string]Partition
	rejects    []injected
	failures   []injected
}

type injected struct {
	match string
	err   error
}

// NewMemoryEngine returns an empty MemoryEngine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		now:        time.Now,
		queries:    make(map[string]*QueryStatus),
		tables:     make(map[string]bool),
		partitions: make(map[string]map[string]Partition),
	}
}

// RejectSubmit makes Submit return err for SQL containing match.
func (e *MemoryEngine) RejectSubmit(match string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejects = append(e.rejects, injected{match: match, err: err})
}

// FailQuery makes queries containing match end in FAILED with reason.
func (e *MemoryEngine) FailQuery(match, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, injected{match: match, err: fmt.Errorf("%s", reason)})
}

// Submit implements Engine.
func (e *MemoryEngine) Submit(ctx context.Context, sql, workgroup, outputLocation string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range e.rejects {
		if strings.Contains(sql, r.match) {
			return "", r.err
		}
	}

	now := e.now()
	status := &QueryStatus{
		ID:             uuid.NewString(),
		State:          QuerySucceeded,
		SQL:            sql,
		Workgroup:      workgroup,
		OutputLocation: outputLocation,
		SubmittedAt:    now,
		CompletedAt:    now,
	}
	e.statements = append(e.statements, sql)

	for _, f := range e.failures {
		if strings.Contains(sql, f.match) {
			status.State = QueryFailed
			status.Reason = f.err.Error()
			break
		}
	}
	if status.State == QuerySucceeded {
		if m := createTableRE.FindStringSubmatch(sql); m != nil {
			e.tables[m[1]] = true
		} else if m := dropTableRE.FindStringSubmatch(sql); m != nil {
			delete(e.tables, m[1])
		}
	}

	e.queries[status.ID] = status
	return status.ID, nil
}

// Poll implements Engine.
func (e *MemoryEngine) Poll(ctx context.Context, id string) (QueryStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queries[id]
	if !ok {
		return QueryStatus{}, fmt.Errorf("%w: %s", ErrQueryNotFound, id)
	}
	return *q, nil
}

// AddPartitions implements Engine.
func (e *MemoryEngine) AddPartitions(ctx context.Context, database, table string, parts []Partition) (int, error) {
	for _, p := range parts {
		if err := p.Validate(); err != nil {
			return 0, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := database + "." + table
	existing := e.partitions[key]
	if existing == nil {
		existing = make(map[string]Partition)
		e.partitions[key] = existing
	}
	added := 0
	for _, p := range parts {
		if _, ok := existing[p.Name()]; ok {
			continue
		}
		existing[p.Name()] = p
		added++
	}
	return added, nil
}

// DropPartitions implements Engine.
func (e *MemoryEngine) DropPartitions(ctx context.Context, database, table string, parts []Partition) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing := e.partitions[database+"."+table]
	dropped := 0
	for _, p := range parts {
		if _, ok := existing[p.Name()]; ok {
			delete(existing, p.Name())
			dropped++
		}
	}
	return dropped, nil
}

// ListPartitions implements Engine.
func (e *MemoryEngine) ListPartitions(ctx context.Context, database, table string) ([]Partition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing := e.partitions[database+"."+table]
	parts := make([]Partition, 0, len(existing))
	for _, p := range existing {
		parts = append(parts, p)
	}
	sortPartitions(parts)
	return parts, nil
}

// Statements returns every submitted SQL text in order.
func (e *MemoryEngine) Statements() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.statements))
	copy(out, e.statements)
	return out
}

// TableExists reports whether a CREATE TABLE for name succeeded without a
// later DROP TABLE.
func (e *MemoryEngine) TableExists(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tables[name]
}

// Close implements Engine.
func (e *MemoryEngine) Close() error {
	return nil
}
