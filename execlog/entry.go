// Package execlog records the lifecycle of every orchestration step.
//
// Rows are keyed by (execution name, task id). A row is created once in the
// Running state and moves at most once more, to Succeeded or Failed. Rows are
// never deleted here; retention belongs to the backing store.
package execlog

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MainTaskID is the task id of the per-pipeline "main" row. Sharing one
// constant lets rows of different pipelines be correlated.
const MainTaskID = "00000000-0000-0000-0000-000000000000"

// TimeFormat is the layout of StartTime and EndTime.
const TimeFormat = time.RFC3339

var (
	// ErrNotFound is returned when no row exists for a key.
	ErrNotFound = errors.New("execution log entry not found")
	// ErrAlreadyTerminal is returned when a terminal row would change status.
	ErrAlreadyTerminal = errors.New("execution log entry already terminal")
	// ErrInvalidEntry is returned for rows missing key fields.
	ErrInvalidEntry = errors.New("invalid execution log entry")
)

// Status is the lifecycle state of a row.
type Status string

const (
	StatusRunning   Status = "Running"
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusRunning, StatusSucceeded, StatusFailed:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Entry is one row of the execution log.
type Entry struct {
	ExecutionName    string `json:"executionName"`
	TaskID           string `json:"taskId"`
	API              string `json:"api"`
	Payload          string `json:"payload,omitempty"`
	PipelineID       string `json:"pipelineId"`
	ScheduleType     string `json:"scheduleType"`
	StateMachineName string `json:"stateMachineName"`
	StateName        string `json:"stateName"`
	PipelineIndexKey string `json:"pipelineIndexKey"`
	Status           Status `json:"status"`
	StartTime        string `json:"startTime"`
	EndTime          string `json:"endTime,omitempty"`
}

// IndexKey builds the secondary index key used to list all runs of a pipeline.
func IndexKey(pipelineID, scheduleType, taskID string) string {
	return pipelineID + "#" + scheduleType + "#" + taskID
}

// Normalize fills derived fields and checks the key.
func (e Entry) Normalize(now time.Time) (Entry, error) {
	if e.ExecutionName == "" || e.TaskID == "" {
		return e, fmt.Errorf("%w: execution name and task id are required", ErrInvalidEntry)
	}
	if e.Status == "" {
		e.Status = StatusRunning
	}
	if _, err := ParseStatus(string(e.Status)); err != nil {
		return e, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if e.StartTime == "" {
		e.StartTime = now.UTC().Format(TimeFormat)
	}
	if e.PipelineIndexKey == "" {
		e.PipelineIndexKey = IndexKey(e.PipelineID, e.ScheduleType, e.TaskID)
	}
	return e, nil
}

// Update carries the fields changed when a row reaches a terminal state.
type Update struct {
	Status    Status
	EndTime   string
	StateName string
	Payload   string
}

// apply moves cur to the terminal state described by u. changed is false when
// the row already holds that status, which makes repeated updates safe.
func (u Update) apply(cur Entry, now time.Time) (next Entry, changed bool, err error) {
	if !u.Status.IsTerminal() {
		return cur, false, fmt.Errorf("%w: update status must be terminal, got %q", ErrInvalidEntry, u.Status)
	}
	if cur.Status == u.Status {
		return cur, false, nil
	}
	if cur.Status.IsTerminal() {
		return cur, false, fmt.Errorf("%w: %s/%s is %s", ErrAlreadyTerminal, cur.ExecutionName, cur.TaskID, cur.Status)
	}
	next = cur
	next.Status = u.Status
	next.EndTime = u.EndTime
	if next.EndTime == "" {
		next.EndTime = now.UTC().Format(TimeFormat)
	}
	if u.StateName != "" {
		next.StateName = u.StateName
	}
	if u.Payload != "" {
		next.Payload = u.Payload
	}
	return next, true, nil
}

// Store persists execution log rows.
type Store interface {
	// PutIfAbsent inserts e unless a row with the same key exists.
	PutIfAbsent(ctx context.Context, e Entry) (created bool, err error)
	// Update moves a Running row to a terminal status.
	Update(ctx context.Context, executionName, taskID string, u Update) error
	// Get returns a single row.
	Get(ctx context.Context, executionName, taskID string) (Entry, error)
	// ListByExecution returns all rows of an execution ordered by start time.
	ListByExecution(ctx context.Context, executionName string) ([]Entry, error)
	// ListByPipeline returns rows for an index key, newest first. A limit
	// of zero or less returns everything.
	ListByPipeline(ctx context.Context, indexKey string, limit int) ([]Entry, error)
	// Close releases the store.
	Close() error
}
