package pipelines

import (
	"context"

	"github.com/nomis52/deltaetl/gateway"
	"github.com/nomis52/deltaetl/job"
	"github.com/nomis52/deltaetl/objstore"
	"github.com/nomis52/deltaetl/statemachine"
)

// Merger state names.
const (
	StateMergeDelta          = "Merge delta objects"
	StateWaitForMerge        = "Wait for merge"
	StateMergedObjectsFound  = "Merged objects found?"
	StateMigrateToBackup     = "Migrate originals to backup"
	StateWaitForBackup       = "Wait for backup"
	StateMigrateMergedBack   = "Migrate merged objects to delta"
	StateWaitForMergedBack   = "Wait for merged objects"
	StateAddMergedPartition  = "Add merged partition"
	StateDropPreMergeVersion = "Drop pre-merge partition"
)

const (
	resultMerge   = "merge"
	resultBackup  = "backup"
	resultRestore = "restore"
)

// Merger compacts one delta partition:
//
//	Merge delta objects → Wait for merge → Merged objects found?
//	  → Migrate originals to backup → Wait for backup
//	  → Migrate merged objects to delta → Wait for merged objects
//	  → Add merged partition → Drop pre-merge partition → Write succeeded log
//
// The four steps after the merge always run in that order and any failure
// skips straight to the failure path.
func Merger(p Params) (*statemachine.Definition, error) {
	p = p.withDefaults()
	b := builder{p: p, name: MergerName}

	states := []statemachine.State{
		b.writeRunningLog(StateConvertTimestamp),
		b.convertTimestamp(StateMergeDelta),
	}
	states = append(states, b.migrate(migration{
		scanState: StateMergeDelta,
		waitState: StateWaitForMerge,
		key:       resultMerge,
		queue:     p.MergeQueue,
		merge:     true,
		paths: func(md job.Descriptor, part PartitionDate) (string, string) {
			return objstore.Join(md.SrcPath, part.Prefix), objstore.Join(md.MergePath, part.Prefix)
		},
	}, StateMergedObjectsFound)...)
	states = append(states, hasObjects(StateMergedObjectsFound, resultMerge, StateMigrateToBackup, StateWriteSucceededLog))

	states = append(states, b.migrate(migration{
		scanState: StateMigrateToBackup,
		waitState: StateWaitForBackup,
		key:       resultBackup,
		queue:     p.CopyQueue,
		paths: func(md job.Descriptor, part PartitionDate) (string, string) {
			return objstore.Join(md.SrcPath, part.Prefix), objstore.Join(md.BackupPath, part.Prefix)
		},
	}, StateMigrateMergedBack)...)
	states = append(states, b.migrate(migration{
		scanState: StateMigrateMergedBack,
		waitState: StateWaitForMergedBack,
		key:       resultRestore,
		queue:     p.CopyQueue,
		paths: func(md job.Descriptor, part PartitionDate) (string, string) {
			return objstore.Join(md.MergePath, part.Prefix), objstore.Join(md.SrcPath, part.Prefix)
		},
	}, StateAddMergedPartition)...)

	states = append(states,
		b.updatePartitions(StateAddMergedPartition, gateway.ActionAdd,
			func(md job.Descriptor) string { return md.SrcPath }, StateDropPreMergeVersion),
		b.dropPreMergePartition(StateWriteSucceededLog),
		b.writeSucceededLog(),
	)
	states = append(states, b.failurePath()...)

	return statemachine.NewDefinition(MergerName, StateWriteRunningLog, states...)
}

// mergeDropLocation scopes the pre-merge drop.
func mergeDropLocation(md job.Descriptor) string {
	if md.MergeDropLocation == job.DropLocationDelta {
		return md.SrcPath
	}
	return md.BackupPath
}

// dropPreMergePartition drops the partitions registered before the merge.
// Partitions are identified by their values, so the ones the previous state
// registered for the merged objects are kept whichever location is scoped.
func (b builder) dropPreMergePartition(next string) statemachine.State {
	return statemachine.State{
		Name:  StateDropPreMergeVersion,
		Type:  statemachine.Task,
		Next:  next,
		Catch: catchAll(StateNotifyFailure),
		Run: func(ctx context.Context, in statemachine.Context) (statemachine.Context, error) {
			md := in.Metadata
			part, err := partitionOf(in)
			if err != nil {
				return in, err
			}
			var added gateway.PartitionBatchUpdateResponse
			if _, err := in.Result(slug(StateAddMergedPartition), &added); err != nil {
				return in, err
			}
			resp, err := call[gateway.PartitionBatchUpdateRequest, gateway.PartitionBatchUpdateResponse](ctx, b.p.Gateway, gateway.APIPartitionBatchUpdate,
				gateway.PartitionBatchUpdateRequest{
					Action:          gateway.ActionDrop,
					Database:        md.Database,
					Table:           md.Table,
					Location:        mergeDropLocation(md),
					PartitionPrefix: part.Prefix,
					Keep:            added.Partitions,
				})
			if err != nil {
				return in, err
			}
			return in.WithResult(slug(StateDropPreMergeVersion), resp)
		},
	}
}
