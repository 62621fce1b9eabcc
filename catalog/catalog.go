// Package catalog is the boundary to the query engine and its partition
// metadata.
//
// An Engine runs SQL text asynchronously (Submit then Poll) and maintains the
// partitions of external tables. Partition mutations are idempotent: adding
// a partition that exists, or dropping one that does not, changes nothing
// and is not an error. Concurrent runs may mutate overlapping partitions, so
// the last writer wins.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrQueryNotFound is returned when polling an unknown execution id.
	ErrQueryNotFound = errors.New("query execution not found")
	// ErrInvalidPartition is returned for partitions without key values.
	ErrInvalidPartition = errors.New("invalid partition")
)

// QueryState is the lifecycle state of a submitted query.
type QueryState string

const (
	QueryRunning   QueryState = "RUNNING"
	QuerySucceeded QueryState = "SUCCEEDED"
	QueryFailed    QueryState = "FAILED"
)

// IsTerminal reports whether the query has finished.
func (s QueryState) IsTerminal() bool {
	return s == QuerySucceeded || s == QueryFailed
}

// QueryStatus describes a submitted query.
type QueryStatus struct {
	ID             string     `json:"id"`
	State          QueryState `json:"state"`
	Reason         string     `json:"reason,omitempty"`
	SQL            string     `json:"sql"`
	Workgroup      string     `json:"workgroup"`
	OutputLocation string     `json:"outputLocation"`
	SubmittedAt    time.Time  `json:"submittedAt"`
	CompletedAt    time.Time  `json:"completedAt,omitempty"`
}

// KeyValue is one partition key and its value.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Partition maps partition key values to a storage location.
type Partition struct {
	Location string     `json:"location"`
	Values   []KeyValue `json:"values"`
}

// Name renders the partition as "k1=v1/k2=v2". Two partitions with the same
// name are the same partition.
func (p Partition) Name() string {
	parts := make([]string, len(p.Values))
	for i, kv := range p.Values {
		parts[i] = kv.Key + "=" + kv.Value
	}
	return strings.Join(parts, "/")
}

// Validate checks that the partition has at least one key value.
func (p Partition) Validate() error {
	if len(p.Values) == 0 {
		return fmt.Errorf("%w: no key values", ErrInvalidPartition)
	}
	for _, kv := range p.Values {
		if kv.Key == "" {
			return fmt.Errorf("%w: empty key in %q", ErrInvalidPartition, p.Name())
		}
	}
	return nil
}

// ParsePartitionPath extracts the leading "k=v" segments of a relative
// object path, e.g. "dt=2024-01-01/hour=03/part-0.gz". ok is false when the
// path has no such segment.
func ParsePartitionPath(rel string) (values []KeyValue, dir string, ok bool) {
	var segs []string
	for _, seg := range strings.Split(strings.Trim(rel, "/"), "/") {
		k, v, found := strings.Cut(seg, "=")
		if !found || k == "" {
			break
		}
		values = append(values, KeyValue{Key: k, Value: v})
		segs = append(segs, seg)
	}
	return values, strings.Join(segs, "/"), len(values) > 0
}

// Engine is the query engine and partition catalog.
type Engine interface {
	// Submit starts a query and returns its execution id.
	Submit(ctx context.Context, sql, workgroup, outputLocation string) (string, error)
	// Poll returns the status of a submitted query.
	Poll(ctx context.Context, id string) (QueryStatus, error)
	// AddPartitions registers partitions, returning how many were new.
	AddPartitions(ctx context.Context, database, table string, parts []Partition) (int, error)
	// DropPartitions removes partitions by name, returning how many existed.
	// Underlying objects are untouched.
	DropPartitions(ctx context.Context, database, table string, parts []Partition) (int, error)
	// ListPartitions returns the partitions of a table ordered by name.
	ListPartitions(ctx context.Context, database, table string) ([]Partition, error)
	// Close releases the engine.
	Close() error
}

func sortPartitions(parts []Partition) {
	sort.Slice(parts, func(i, j int) bool { return parts[i].Name() < parts[j].Name() })
}
