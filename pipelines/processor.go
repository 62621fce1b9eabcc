package pipelines

import (
	"context"
	"fmt"

	"github.com/nomis52/deltaetl/gateway"
	"github.com/nomis52/deltaetl/job"
	"github.com/nomis52/deltaetl/statemachine"
)

// Processor state names.
const (
	StateMigrateToArchive = "Migrate objects to archive"
	StateWaitForMigration = "Wait for migration"
	StateObjectsFound     = "Objects found?"
	StateFormatQueryInput = "Format query input"
	StateCreateTmpTable   = "Create tmp table"
	StateInsertIntoDelta  = "Insert into delta from tmp table"
	StateDropTmpTable     = "Drop tmp table"
	StateRunAggregations  = "Run aggregations"
	StateCleanUpTmpTable  = "Clean up tmp table"
)

const resultMigration = "migration"

// Processor migrates staged objects into an execution scoped archive folder
// and loads them into the delta table through a temporary table:
//
//	Migrate objects to archive → Wait for migration → Objects found?
//	  → Format query input → Create tmp table → Insert into delta from tmp table
//	  → Drop tmp table → Run aggregations → Write succeeded log
//
// A failed create or insert drops the temporary table before the failure
// path runs.
func Processor(p Params) (*statemachine.Definition, error) {
	p = p.withDefaults()
	queries, err := QueryWorkflow(p)
	if err != nil {
		return nil, err
	}
	return processor(p, queries)
}

func processor(p Params, queries *statemachine.Definition) (*statemachine.Definition, error) {
	b := builder{p: p, name: ProcessorName}

	states := []statemachine.State{
		b.writeRunningLog(StateConvertTimestamp),
		b.convertTimestamp(StateMigrateToArchive),
	}
	states = append(states, b.migrate(migration{
		scanState: StateMigrateToArchive,
		waitState: StateWaitForMigration,
		key:       resultMigration,
		queue:     p.CopyQueue,
		paths: func(md job.Descriptor, _ PartitionDate) (string, string) {
			return md.SrcPath, md.ExecutionArchivePath()
		},
	}, StateObjectsFound)...)

	states = append(states,
		hasObjects(StateObjectsFound, resultMigration, StateFormatQueryInput, StateWriteSucceededLog),
		b.formatQueryInput(StateCreateTmpTable),
		b.runQuery(queries, StateCreateTmpTable, func(q job.Queries) string { return q.CreateTmpTable }, StateInsertIntoDelta, StateCleanUpTmpTable),
		b.runQuery(queries, StateInsertIntoDelta, func(q job.Queries) string { return q.Insert }, StateDropTmpTable, StateCleanUpTmpTable),
		b.runQuery(queries, StateDropTmpTable, func(q job.Queries) string { return q.DropTmpTable }, StateRunAggregations, StateNotifyFailure),
		b.runAggregations(queries, StateWriteSucceededLog),
		b.runQuery(queries, StateCleanUpTmpTable, func(q job.Queries) string { return q.DropTmpTable }, StateNotifyFailure, StateNotifyFailure),
		b.writeSucceededLog(),
	)
	states = append(states, b.failurePath()...)

	return statemachine.NewDefinition(ProcessorName, StateWriteRunningLog, states...)
}

func (b builder) formatQueryInput(next string) statemachine.State {
	return statemachine.State{
		Name:  StateFormatQueryInput,
		Type:  statemachine.Task,
		Next:  next,
		Catch: catchAll(StateNotifyFailure),
		Run: func(ctx context.Context, in statemachine.Context) (statemachine.Context, error) {
			md := in.Metadata
			part, err := partitionOf(in)
			if err != nil {
				return in, err
			}
			input, err := call[gateway.InputFormatRequest, job.QueryInput](ctx, b.p.Gateway, gateway.APIInputFormat,
				gateway.InputFormatRequest{Metadata: md, Location: md.ExecutionArchivePath(), PartitionDate: part.Date})
			if err != nil {
				return in, err
			}
			return in.WithResult(resultQueryInput, input)
		},
	}
}

// runAggregations runs each aggregation query in order, one at a time.
func (b builder) runAggregations(queries *statemachine.Definition, next string) statemachine.State {
	return statemachine.State{
		Name:  StateRunAggregations,
		Type:  statemachine.Task,
		Next:  next,
		Catch: catchAll(StateNotifyFailure),
		Run: func(ctx context.Context, in statemachine.Context) (statemachine.Context, error) {
			aggs := in.Metadata.Queries.Aggregations
			results := make([]QueryExecution, 0, len(aggs))
			for i, tmpl := range aggs {
				suffix := fmt.Sprintf("aggregation-%d", i)
				qe, err := b.query(ctx, queries, in, StateRunAggregations, suffix, tmpl)
				if err != nil {
					return in, fmt.Errorf("aggregation %d: %w", i, err)
				}
				results = append(results, qe)
			}
			if len(results) == 0 {
				return in, nil
			}
			return in.WithResult(slug(StateRunAggregations), results)
		},
	}
}
