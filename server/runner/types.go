package runner

import (
	"time"

	"github.com/nomis52/deltaetl/logging"
	"github.com/nomis52/deltaetl/statemachine"
)

// Execution summarises one pipeline execution.
type Execution struct {
	Name       string              `json:"name"`
	PipelineID string              `json:"pipelineId"`
	Definition string              `json:"definition"`
	Status     statemachine.Status `json:"status"`
	// State is the state being run, or the last state entered once finished.
	State     string     `json:"state,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Error     string     `json:"error,omitempty"`
	Cause     string     `json:"cause,omitempty"`
	// Resumed is set when the server picked the execution up from a checkpoint.
	Resumed bool `json:"resumed,omitempty"`
}

// Duration is how long the execution ran, or has run so far.
func (e Execution) Duration(now time.Time) time.Duration {
	if e.EndedAt != nil {
		return e.EndedAt.Sub(e.StartedAt)
	}
	return now.Sub(e.StartedAt)
}

// record is what a Store keeps per execution.
type record struct {
	Execution
	Logs        []logging.Record `json:"logs,omitempty"`
	DroppedLogs int              `json:"droppedLogs,omitempty"`
}
