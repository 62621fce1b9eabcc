package pipelines

import (
	"context"
	"errors"
	"fmt"

	"github.com/nomis52/deltaetl/catalog"
	"github.com/nomis52/deltaetl/execlog"
	"github.com/nomis52/deltaetl/gateway"
	"github.com/nomis52/deltaetl/job"
	"github.com/nomis52/deltaetl/statemachine"
)

// Query Workflow state names.
const (
	StateSubmitQuery         = "Submit query"
	StateWaitForQuery        = "Wait for query"
	StateWriteQueryFailedLog = "Write query failed log"
	StateQueryFailed         = "Query failed"
)

// ErrorQueryFailed is the error class of a failed Query Workflow.
const ErrorQueryFailed = "QueryFailed"

// ErrQueryFailed is returned when the engine reports a query as FAILED.
var ErrQueryFailed = errors.New("query failed")

// QueryRequest is the input of a Query Workflow, stored under the "query"
// result of the child context.
type QueryRequest struct {
	SQL            string `json:"sql"`
	Workgroup      string `json:"workgroup"`
	OutputLocation string `json:"outputLocation"`
	// State is the parent state that asked for the query.
	State string `json:"state"`
}

// QueryExecution is stored under the "queryExecution" result.
type QueryExecution struct {
	ExecutionID string              `json:"executionId"`
	Status      catalog.QueryStatus `json:"status"`
}

func queryRequestOf(in statemachine.Context) (QueryRequest, error) {
	var req QueryRequest
	ok, err := in.Result(resultQuery, &req)
	if err != nil {
		return req, err
	}
	if !ok {
		return req, errors.New("no query request")
	}
	return req, nil
}

// QueryWorkflow submits one query, waits for it and logs the outcome. A
// failed query writes a Failed row before failing the execution.
func QueryWorkflow(p Params) (*statemachine.Definition, error) {
	p = p.withDefaults()
	b := builder{p: p, name: QueryWorkflowName}
	submitPolicy := p.Policies.QuerySubmit

	return statemachine.NewDefinition(QueryWorkflowName, StateSubmitQuery,
		statemachine.State{
			Name:  StateSubmitQuery,
			Type:  statemachine.Task,
			Next:  StateWaitForQuery,
			Retry: &submitPolicy,
			Catch: catchAll(StateWriteQueryFailedLog),
			Run: func(ctx context.Context, in statemachine.Context) (statemachine.Context, error) {
				req, err := queryRequestOf(in)
				if err != nil {
					return in, err
				}
				resp, err := call[gateway.QuerySubmitRequest, gateway.QuerySubmitResponse](ctx, p.Gateway, gateway.APIQuerySubmit,
					gateway.QuerySubmitRequest{SQL: req.SQL, Workgroup: req.Workgroup, OutputLocation: req.OutputLocation})
				if err != nil {
					return in, err
				}
				statemachine.Logger(ctx).Info("query submitted", "query_id", resp.ExecutionID, "for", req.State)
				return in.WithResult(resultQueryExec, QueryExecution{ExecutionID: resp.ExecutionID})
			},
		},
		statemachine.State{
			Name:  StateWaitForQuery,
			Type:  statemachine.Task,
			Catch: catchAll(StateWriteQueryFailedLog),
			Run:   b.waitForQuery,
		},
		statemachine.State{
			Name:  StateWriteQueryFailedLog,
			Type:  statemachine.Task,
			Next:  StateQueryFailed,
			Retry: b.logPolicy(),
			Catch: catchAll(StateQueryFailed),
			Run:   b.writeQueryFailedLog,
		},
		statemachine.State{
			Name:  StateQueryFailed,
			Type:  statemachine.Fail,
			Error: ErrorQueryFailed,
		},
	)
}

// waitForQuery polls until the query is terminal. The gateway writes the
// Succeeded row, keyed by the query id, on the first successful poll.
func (b builder) waitForQuery(ctx context.Context, in statemachine.Context) (statemachine.Context, error) {
	md := in.Metadata
	req, err := queryRequestOf(in)
	if err != nil {
		return in, err
	}
	var qe QueryExecution
	if _, err := in.Result(resultQueryExec, &qe); err != nil {
		return in, err
	}
	log := &execlog.Entry{
		ExecutionName:    md.ExecutionName,
		PipelineID:       md.PipelineID,
		ScheduleType:     md.ScheduleType,
		StateMachineName: QueryWorkflowName,
		StateName:        req.State,
	}

	for {
		resp, err := call[gateway.QueryPollRequest, gateway.QueryPollResponse](ctx, b.p.Gateway, gateway.APIQueryPoll,
			gateway.QueryPollRequest{ExecutionID: qe.ExecutionID, Log: log})
		if err != nil {
			return in, err
		}
		switch resp.Status.State {
		case catalog.QuerySucceeded:
			qe.Status = resp.Status
			return in.WithResult(resultQueryExec, qe)
		case catalog.QueryFailed:
			return in, fmt.Errorf("%w: %s: %s", ErrQueryFailed, qe.ExecutionID, resp.Status.Reason)
		}
		if err := b.p.Sleep(ctx, b.p.Timeouts.QueryPoll); err != nil {
			return in, err
		}
	}
}

func (b builder) writeQueryFailedLog(ctx context.Context, in statemachine.Context) (statemachine.Context, error) {
	md := in.Metadata
	req, _ := queryRequestOf(in)

	var qe QueryExecution
	_, _ = in.Result(resultQueryExec, &qe)
	taskID := qe.ExecutionID
	if taskID == "" {
		taskID = statemachine.ExecutionName(ctx)
	}
	cause := ""
	if first, ok := in.FirstError(); ok {
		cause = first.Cause
	}

	_, err := call[execlog.Entry, gateway.LogWriteResponse](ctx, b.p.Gateway, gateway.APILogWrite, execlog.Entry{
		ExecutionName:    md.ExecutionName,
		TaskID:           taskID,
		API:              apiQuerySubmit,
		Payload:          fmt.Sprintf("%s\n-- %s", req.SQL, cause),
		PipelineID:       md.PipelineID,
		ScheduleType:     md.ScheduleType,
		StateMachineName: QueryWorkflowName,
		StateName:        req.State,
		Status:           execlog.StatusFailed,
		EndTime:          b.p.Now().UTC().Format(execlog.TimeFormat),
	})
	return in, err
}

// runQuery returns a Task state that renders sql against the stored query
// input and runs it as a Query Workflow child.
func (b builder) runQuery(queries *statemachine.Definition, name string, sql func(job.Queries) string, next, onError string) statemachine.State {
	return statemachine.State{
		Name:  name,
		Type:  statemachine.Task,
		Next:  next,
		Catch: catchAll(onError),
		Run: func(ctx context.Context, in statemachine.Context) (statemachine.Context, error) {
			res, err := b.query(ctx, queries, in, name, slug(name), sql(in.Metadata.Queries))
			if err != nil {
				return in, err
			}
			return in.WithResult(slug(name), res)
		},
	}
}

// query renders tmpl and runs it in a child named after the parent
// execution and suffix.
func (b builder) query(ctx context.Context, queries *statemachine.Definition, in statemachine.Context, state, suffix, tmpl string) (QueryExecution, error) {
	md := in.Metadata
	var input job.QueryInput
	ok, err := in.Result(resultQueryInput, &input)
	if err != nil {
		return QueryExecution{}, err
	}
	if !ok {
		return QueryExecution{}, errors.New("query input has not been formatted")
	}
	sql, err := job.Render(tmpl, input)
	if err != nil {
		return QueryExecution{}, err
	}

	child, err := statemachine.NewContext(md).WithResult(resultQuery, QueryRequest{
		SQL:            sql,
		Workgroup:      input.Workgroup,
		OutputLocation: input.OutputLocation,
		State:          state,
	})
	if err != nil {
		return QueryExecution{}, err
	}
	res, err := b.p.Engine.RunChild(ctx, queries, md.ExecutionName+"/"+suffix, child, b.p.Timeouts.Query)
	if err != nil {
		return QueryExecution{}, err
	}
	var qe QueryExecution
	if _, err := res.Context.Result(resultQueryExec, &qe); err != nil {
		return QueryExecution{}, err
	}
	return qe, nil
}
