// Package pipelines defines the Processor, Merger and Archiver state
// machines and the Query Workflow they run as a child execution.
//
// Every definition follows the same skeleton:
//
//	Write running log → Convert timestamp to partition date → migrate (1..N)
//	  → [objects found?] → catalog work → Write succeeded log
//
// and every catchable state routes to
//
//	Send failure notification → Write failed log → Execution failed
//
// Steps reach the execution log, the query engine and the catalog through
// the gateway's Dispatch, and reach object storage through the scanner and
// callback tokens.
package pipelines

import (
	"errors"
	"fmt"
	"time"

	"github.com/nomis52/deltaetl/callback"
	"github.com/nomis52/deltaetl/gateway"
	"github.com/nomis52/deltaetl/job"
	"github.com/nomis52/deltaetl/notify"
	"github.com/nomis52/deltaetl/queue"
	"github.com/nomis52/deltaetl/retry"
	"github.com/nomis52/deltaetl/scan"
	"github.com/nomis52/deltaetl/statemachine"
)

const (
	DefaultScanTimeout       = 6 * time.Hour
	DefaultQueryTimeout      = 30 * time.Minute
	DefaultQueryPollInterval = 5 * time.Second
	DefaultNamespace         = "deltaetl"
)

// Definition names.
const (
	ProcessorName     = "processor"
	MergerName        = "merger"
	ArchiverName      = "archiver"
	QueryWorkflowName = "query-workflow"
)

// ErrUnknownType is returned by For for descriptors of an unknown type.
var ErrUnknownType = errors.New("unknown pipeline type")

// Timeouts bound the suspension points of a pipeline.
type Timeouts struct {
	// Scan bounds the wait for all batches of one migration.
	Scan time.Duration
	// Query bounds one Query Workflow child execution.
	Query time.Duration
	// QueryPoll is the delay between query status polls.
	QueryPoll time.Duration
}

// Policies are the retry policies applied to gateway calls.
type Policies struct {
	LogWrite    retry.Policy
	QuerySubmit retry.Policy
}

// ScanLimits are passed to every migration.
type ScanLimits struct {
	MaxRecords        int
	MaxObjectsPerTask int
	MaxBytesPerTask   int64
}

// Params contains everything the definitions need.
type Params struct {
	Gateway    *gateway.Gateway
	Scanner    *scan.Scanner
	Tokens     *callback.Registry
	CopyQueue  *queue.Queue
	MergeQueue *queue.Queue
	// Engine runs Query Workflow children.
	Engine *statemachine.Engine
	// Notifier may be nil, in which case failures are only logged.
	Notifier *notify.Publisher

	Timeouts Timeouts
	Policies Policies
	Limits   ScanLimits
	// Namespace prefixes state machine ids in notifications.
	Namespace string
	// Sleep is used between query polls.
	Sleep retry.SleepFunc
	Now   func() time.Time
}

func (p Params) withDefaults() Params {
	if p.Timeouts.Scan <= 0 {
		p.Timeouts.Scan = DefaultScanTimeout
	}
	if p.Timeouts.Query <= 0 {
		p.Timeouts.Query = DefaultQueryTimeout
	}
	if p.Timeouts.QueryPoll <= 0 {
		p.Timeouts.QueryPoll = DefaultQueryPollInterval
	}
	if p.Policies.LogWrite == (retry.Policy{}) {
		p.Policies.LogWrite = retry.LogWrite
	}
	if p.Policies.QuerySubmit == (retry.Policy{}) {
		p.Policies.QuerySubmit = retry.QuerySubmit
	}
	if p.Namespace == "" {
		p.Namespace = DefaultNamespace
	}
	if p.Sleep == nil {
		p.Sleep = retry.Sleep
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return p
}

func (p Params) validate() error {
	var errs []error
	if p.Gateway == nil {
		errs = append(errs, errors.New("gateway is required"))
	}
	if p.Scanner == nil || p.Tokens == nil {
		errs = append(errs, errors.New("scanner and callback tokens are required"))
	}
	if p.CopyQueue == nil {
		errs = append(errs, errors.New("copy queue is required"))
	}
	if p.Engine == nil {
		errs = append(errs, errors.New("engine is required"))
	}
	return errors.Join(errs...)
}

// Set holds one definition per pipeline type plus the shared Query Workflow.
type Set struct {
	Processor     *statemachine.Definition
	Merger        *statemachine.Definition
	Archiver      *statemachine.Definition
	QueryWorkflow *statemachine.Definition
}

// NewSet builds every definition. The Merger is only built when a merge
// queue is configured.
func NewSet(p Params) (*Set, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	p = p.withDefaults()

	s := &Set{}
	var err error
	if s.QueryWorkflow, err = QueryWorkflow(p); err != nil {
		return nil, err
	}
	if s.Processor, err = processor(p, s.QueryWorkflow); err != nil {
		return nil, err
	}
	if s.Archiver, err = Archiver(p); err != nil {
		return nil, err
	}
	if p.MergeQueue != nil {
		if s.Merger, err = Merger(p); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// For returns the definition that runs d.
func (s *Set) For(d job.Descriptor) (*statemachine.Definition, error) {
	var def *statemachine.Definition
	switch d.Type {
	case job.TypeProcessor:
		def = s.Processor
	case job.TypeMerger:
		def = s.Merger
	case job.TypeArchiver:
		def = s.Archiver
	}
	if def == nil {
		return nil, fmt.Errorf("%w: %q (pipeline %s)", ErrUnknownType, d.Type, d.PipelineID)
	}
	return def, nil
}

// ByName returns the definition with the given name, for resuming
// checkpointed executions.
func (s *Set) ByName(name string) (*statemachine.Definition, bool) {
	for _, def := range []*statemachine.Definition{s.Processor, s.Merger, s.Archiver, s.QueryWorkflow} {
		if def != nil && def.Name == name {
			return def, true
		}
	}
	return nil, false
}
