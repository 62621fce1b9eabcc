package pipelines

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nomis52/deltaetl/execlog"
	"github.com/nomis52/deltaetl/gateway"
	"github.com/nomis52/deltaetl/job"
	"github.com/nomis52/deltaetl/notify"
	"github.com/nomis52/deltaetl/queue"
	"github.com/nomis52/deltaetl/retry"
	"github.com/nomis52/deltaetl/scan"
	"github.com/nomis52/deltaetl/statemachine"
)

// State names shared by every pipeline.
const (
	StateWriteRunningLog   = "Write running log"
	StateConvertTimestamp  = "Convert timestamp to partition date"
	StateWriteSucceededLog = "Write succeeded log"
	StateNotifyFailure     = "Send failure notification"
	StateWriteFailedLog    = "Write failed log"
	StateExecutionFailed   = "Execution failed"
)

// ErrorPipelineFailed is the error class of a failed pipeline execution.
const ErrorPipelineFailed = "PipelineFailed"

// Result keys.
const (
	resultPartition  = "partition"
	resultQueryInput = "queryInput"
	resultQuery      = "query"
	resultQueryExec  = "queryExecution"
)

// Log row api names.
const (
	apiWorkflowStart = "workflow start"
	apiWorkflowEnd   = "workflow end"
	apiQuerySubmit   = "query submit"
)

// PartitionDate is stored under the "partition" result.
type PartitionDate struct {
	Date   string `json:"date"`
	Prefix string `json:"prefix"`
}

// call sends req to the gateway as JSON and decodes the response.
func call[Req, Resp any](ctx context.Context, g *gateway.Gateway, api string, req Req) (Resp, error) {
	var resp Resp
	payload, err := json.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("encoding %s request: %w", api, err)
	}
	out, err := g.Dispatch(ctx, api, payload)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return resp, fmt.Errorf("decoding %s response: %w", api, err)
	}
	return resp, nil
}

func catchAll(next string) []statemachine.Catcher {
	return []statemachine.Catcher{{Next: next}}
}

func partitionOf(in statemachine.Context) (PartitionDate, error) {
	var part PartitionDate
	ok, err := in.Result(resultPartition, &part)
	if err != nil {
		return part, err
	}
	if !ok {
		return part, errors.New("partition date has not been computed")
	}
	return part, nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// builder creates the states of one definition.
type builder struct {
	p    Params
	name string
}

func (b builder) logPolicy() *retry.Policy {
	p := b.p.Policies.LogWrite
	return &p
}

func (b builder) entry(md job.Descriptor, state string) execlog.Entry {
	return execlog.Entry{
		ExecutionName:    md.ExecutionName,
		TaskID:           execlog.MainTaskID,
		API:              apiWorkflowStart,
		PipelineID:       md.PipelineID,
		ScheduleType:     md.ScheduleType,
		StateMachineName: b.name,
		StateName:        state,
		Status:           execlog.StatusRunning,
	}
}

func (b builder) writeRunningLog(next string) statemachine.State {
	return statemachine.State{
		Name:  StateWriteRunningLog,
		Type:  statemachine.Task,
		Next:  next,
		Retry: b.logPolicy(),
		Catch: catchAll(StateNotifyFailure),
		Run: func(ctx context.Context, in statemachine.Context) (statemachine.Context, error) {
			e := b.entry(in.Metadata, StateWriteRunningLog)
			payload, err := json.Marshal(in.Metadata)
			if err != nil {
				return in, err
			}
			e.Payload = string(payload)
			resp, err := call[execlog.Entry, gateway.LogWriteResponse](ctx, b.p.Gateway, gateway.APILogWrite, e)
			if err != nil {
				return in, err
			}
			if !resp.Created {
				statemachine.Logger(ctx).Info("running log row already present")
			}
			return in, nil
		},
	}
}

func (b builder) convertTimestamp(next string) statemachine.State {
	return statemachine.State{
		Name:  StateConvertTimestamp,
		Type:  statemachine.Task,
		Next:  next,
		Catch: catchAll(StateNotifyFailure),
		Run: func(ctx context.Context, in statemachine.Context) (statemachine.Context, error) {
			md := in.Metadata
			ts := md.Timestamp
			if ts == "" {
				ts = b.p.Now().UTC().Format(time.RFC3339)
			}
			resp, err := call[gateway.DateTransformRequest, gateway.DateTransformResponse](ctx, b.p.Gateway, gateway.APIDateTransform,
				gateway.DateTransformRequest{Timestamp: ts, Format: md.DateFormat, IntervalDays: md.IntervalDays})
			if err != nil {
				return in, err
			}
			statemachine.Logger(ctx).Info("partition date", "date", resp.Date)
			return in.WithResult(resultPartition, PartitionDate{Date: resp.Date, Prefix: md.PartitionPrefix(resp.Date)})
		},
	}
}

// migration describes one scan/migrate step.
type migration struct {
	scanState string
	waitState string
	key       string
	queue     *queue.Queue
	// paths returns the source and destination prefixes.
	paths func(md job.Descriptor, part PartitionDate) (src, dst string)
	merge bool
}

func (b builder) options(md job.Descriptor, merge bool) scan.Options {
	opts := scan.Options{
		KeepPrefix:        true,
		Merge:             merge,
		DeleteOnSuccess:   !merge,
		MaxRecords:        b.p.Limits.MaxRecords,
		MaxObjectsPerTask: b.p.Limits.MaxObjectsPerTask,
		MaxBytesPerTask:   b.p.Limits.MaxBytesPerTask,
		SourceType:        md.SourceType,
		EnrichmentPlugins: md.EnrichmentPlugins,
	}
	if merge {
		opts.Compression = md.Compression
	}
	return opts
}

// migrate returns the scan state, which enqueues the batches, and the wait
// state, which parks on their callback token. Splitting them means a
// resumed execution waits on the token it already has instead of scanning
// again.
func (b builder) migrate(m migration, next string) []statemachine.State {
	scanState := statemachine.State{
		Name:  m.scanState,
		Type:  statemachine.Task,
		Next:  m.waitState,
		Catch: catchAll(StateNotifyFailure),
		Run: func(ctx context.Context, in statemachine.Context) (statemachine.Context, error) {
			md := in.Metadata
			part, _ := partitionOf(in)
			src, dst := m.paths(md, part)
			res, err := b.p.Scanner.Scan(ctx, scan.Request{
				ExecutionID: md.ExecutionName,
				StateName:   m.scanState,
				SrcPath:     src,
				DstPath:     dst,
				Queue:       m.queue,
				Options:     b.options(md, m.merge),
			})
			if err != nil {
				return in, err
			}
			return in.WithResult(m.key, res)
		},
	}

	waitState := statemachine.State{
		Name:  m.waitState,
		Type:  statemachine.Task,
		Next:  next,
		Catch: catchAll(StateNotifyFailure),
		Run: func(ctx context.Context, in statemachine.Context) (statemachine.Context, error) {
			var res scan.Result
			if _, err := in.Result(m.key, &res); err != nil {
				return in, err
			}
			if !res.HasObjects {
				return in, nil
			}
			waitCtx, cancel := context.WithTimeout(ctx, b.p.Timeouts.Scan)
			defer cancel()
			out, err := b.p.Tokens.Wait(waitCtx, res.Token)
			if err != nil {
				if ctx.Err() != nil || waitCtx.Err() == nil {
					return in, err
				}
				// Late batches must not complete a step that already failed.
				cause := fmt.Sprintf("%s did not complete within %s", m.waitState, b.p.Timeouts.Scan)
				if ferr := b.p.Tokens.Fail(ctx, res.Token, cause); ferr != nil {
					statemachine.Logger(ctx).Warn("failing timed out token", "token", res.Token, "error", ferr)
				}
				return in, fmt.Errorf("%w: %s", statemachine.ErrStateTimeout, cause)
			}
			if err := out.Err(); err != nil {
				return in, err
			}
			statemachine.Logger(ctx).Info("migration complete", "objects", res.Objects, "batches", res.Batches)
			return in, nil
		},
	}
	return []statemachine.State{scanState, waitState}
}

// hasObjects routes to found when the migration stored under key moved
// anything, and to empty otherwise.
func hasObjects(name, key, found, empty string) statemachine.State {
	return statemachine.State{
		Name: name,
		Type: statemachine.Choice,
		Branches: []statemachine.Branch{{
			When: func(c statemachine.Context) bool {
				var res scan.Result
				ok, err := c.Result(key, &res)
				return ok && err == nil && res.HasObjects
			},
			Next: found,
		}},
		Default: empty,
	}
}

func (b builder) updatePartitions(name, action string, location func(md job.Descriptor) string, next string) statemachine.State {
	return statemachine.State{
		Name:  name,
		Type:  statemachine.Task,
		Next:  next,
		Catch: catchAll(StateNotifyFailure),
		Run: func(ctx context.Context, in statemachine.Context) (statemachine.Context, error) {
			md := in.Metadata
			part, err := partitionOf(in)
			if err != nil {
				return in, err
			}
			resp, err := call[gateway.PartitionBatchUpdateRequest, gateway.PartitionBatchUpdateResponse](ctx, b.p.Gateway, gateway.APIPartitionBatchUpdate,
				gateway.PartitionBatchUpdateRequest{
					Action:          action,
					Database:        md.Database,
					Table:           md.Table,
					Location:        location(md),
					PartitionPrefix: part.Prefix,
				})
			if err != nil {
				return in, err
			}
			return in.WithResult(slug(name), resp)
		},
	}
}

func (b builder) writeSucceededLog() statemachine.State {
	return statemachine.State{
		Name:  StateWriteSucceededLog,
		Type:  statemachine.Task,
		Retry: b.logPolicy(),
		Catch: catchAll(StateNotifyFailure),
		Run: func(ctx context.Context, in statemachine.Context) (statemachine.Context, error) {
			_, err := call[gateway.LogUpdateRequest, gateway.LogUpdateResponse](ctx, b.p.Gateway, gateway.APILogUpdate,
				gateway.LogUpdateRequest{
					ExecutionName: in.Metadata.ExecutionName,
					TaskID:        execlog.MainTaskID,
					Status:        execlog.StatusSucceeded,
					StateName:     StateWriteSucceededLog,
				})
			return in, err
		},
	}
}

// notification builds the failure message for in.
func (b builder) notification(in statemachine.Context) notify.Notification {
	md := in.Metadata
	n := notify.Notification{
		StateMachineID:   b.p.Namespace + ":stateMachine:" + b.name,
		StateMachineName: b.name,
		ExecutionName:    md.ExecutionName,
		PipelineID:       md.PipelineID,
		Table:            md.Table,
		ScheduleType:     md.ScheduleType,
		SourceType:       md.SourceType,
		ArchivePath:      md.ArchivePath,
		Status:           string(execlog.StatusFailed),
		Timestamp:        b.p.Now().UTC(),
		Metadata:         md,
	}
	if first, ok := in.FirstError(); ok {
		n.StateName, n.Error, n.Cause = first.State, first.Error, first.Cause
	}
	return n
}

func (b builder) notifyFailure() statemachine.State {
	return statemachine.State{
		Name: StateNotifyFailure,
		Type: statemachine.Task,
		Next: StateWriteFailedLog,
		Run: func(ctx context.Context, in statemachine.Context) (statemachine.Context, error) {
			// Best effort: a lost notification never changes the outcome.
			if err := b.p.Notifier.Publish(ctx, b.notification(in)); err != nil {
				statemachine.Logger(ctx).Warn("failure notification not sent", "error", err)
			}
			return in, nil
		},
	}
}

func (b builder) writeFailedLog() statemachine.State {
	return statemachine.State{
		Name:  StateWriteFailedLog,
		Type:  statemachine.Task,
		Next:  StateExecutionFailed,
		Retry: b.logPolicy(),
		Catch: catchAll(StateExecutionFailed),
		Run: func(ctx context.Context, in statemachine.Context) (statemachine.Context, error) {
			md := in.Metadata
			state := StateWriteFailedLog
			if first, ok := in.FirstError(); ok {
				state = first.State
			}
			payload, err := json.Marshal(in.Errors)
			if err != nil {
				return in, err
			}

			// The running row may be missing when writing it was what failed.
			e := b.entry(md, state)
			e.API = apiWorkflowEnd
			if _, err := call[execlog.Entry, gateway.LogWriteResponse](ctx, b.p.Gateway, gateway.APILogWrite, e); err != nil {
				return in, err
			}
			_, err = call[gateway.LogUpdateRequest, gateway.LogUpdateResponse](ctx, b.p.Gateway, gateway.APILogUpdate,
				gateway.LogUpdateRequest{
					ExecutionName: md.ExecutionName,
					TaskID:        execlog.MainTaskID,
					Status:        execlog.StatusFailed,
					StateName:     state,
					Payload:       string(payload),
				})
			return in, err
		},
	}
}

func executionFailed() statemachine.State {
	return statemachine.State{
		Name:  StateExecutionFailed,
		Type:  statemachine.Fail,
		Error: ErrorPipelineFailed,
	}
}

// failurePath is the tail shared by every pipeline.
func (b builder) failurePath() []statemachine.State {
	return []statemachine.State{b.notifyFailure(), b.writeFailedLog(), executionFailed()}
}
