package runner

import "github.com/nomis52/deltaetl/logging"

// Store keeps finished executions, most recent first.
type Store interface {
	// History returns finished executions, most recent first.
	History() []Execution
	// Logs returns the captured logs of a finished execution.
	Logs(name string) ([]logging.Record, bool)
	// Save records a finished execution.
	Save(e Execution, logs []logging.Record, dropped int) error
}
