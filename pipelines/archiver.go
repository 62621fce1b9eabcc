package pipelines

import (
	"github.com/nomis52/deltaetl/gateway"
	"github.com/nomis52/deltaetl/job"
	"github.com/nomis52/deltaetl/objstore"
	"github.com/nomis52/deltaetl/statemachine"
)

// Archiver state names.
const (
	StateMigrateDeltaToArchive = "Migrate delta partition to archive"
	StateWaitForArchive        = "Wait for archive"
	StateArchivedObjectsFound  = "Archived objects found?"
	StateDropDeltaPartition    = "Drop delta partition"
)

const resultArchive = "archive"

// Archiver moves one delta partition into the long term archive and drops
// it from the catalog. When the partition holds no objects the execution
// succeeds without touching the catalog.
func Archiver(p Params) (*statemachine.Definition, error) {
	p = p.withDefaults()
	b := builder{p: p, name: ArchiverName}

	states := []statemachine.State{
		b.writeRunningLog(StateConvertTimestamp),
		b.convertTimestamp(StateMigrateDeltaToArchive),
	}
	states = append(states, b.migrate(migration{
		scanState: StateMigrateDeltaToArchive,
		waitState: StateWaitForArchive,
		key:       resultArchive,
		queue:     p.CopyQueue,
		paths: func(md job.Descriptor, part PartitionDate) (string, string) {
			return objstore.Join(md.SrcPath, part.Prefix), objstore.Join(md.ArchivePath, part.Prefix)
		},
	}, StateArchivedObjectsFound)...)

	states = append(states,
		hasObjects(StateArchivedObjectsFound, resultArchive, StateDropDeltaPartition, StateWriteSucceededLog),
		b.updatePartitions(StateDropDeltaPartition, gateway.ActionDrop,
			func(md job.Descriptor) string { return md.SrcPath }, StateWriteSucceededLog),
		b.writeSucceededLog(),
	)
	states = append(states, b.failurePath()...)

	return statemachine.NewDefinition(ArchiverName, StateWriteRunningLog, states...)
}
