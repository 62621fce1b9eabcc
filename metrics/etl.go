package metrics

import (
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// ETL holds the instruments updated by the engine. A nil *ETL is valid and
// records nothing, so packages can take one without requiring a registry.
type ETL struct {
	executions  CounterVec
	states      CounterVec
	retries     CounterVec
	messages    CounterVec
	deadLetters CounterVec
	objects     CounterVec
	bytes       CounterVec
	running     Gauge

	inFlight atomic.Int64
}

// NewETL registers the ETL instruments on reg.
func NewETL(reg Registry) (*ETL, error) {
	e := &ETL{}
	var err error

	counters := []struct {
		dst    *CounterVec
		name   string
		help   string
		labels []string
	}{
		{&e.executions, "executions_total", "Pipeline executions by terminal status.", []string{"pipeline", "status"}},
		{&e.states, "state_transitions_total", "State machine state outcomes.", []string{"state", "outcome"}},
		{&e.retries, "retries_total", "Retried calls by operation.", []string{"operation"}},
		{&e.messages, "queue_messages_total", "Task messages handled by outcome.", []string{"queue", "outcome"}},
		{&e.deadLetters, "dead_letters_total", "Task messages moved to a dead letter queue.", []string{"queue"}},
		{&e.objects, "objects_total", "Objects processed by operation.", []string{"operation"}},
		{&e.bytes, "bytes_total", "Bytes processed by operation.", []string{"operation"}},
	}
	for _, c := range counters {
		*c.dst, err = reg.NewCounterVec(prometheus.CounterOpts{Name: c.name, Help: c.help}, c.labels)
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", c.name, err)
		}
	}

	e.running, err = reg.NewGauge(prometheus.GaugeOpts{
		Name: "executions_running",
		Help: "Executions currently in flight.",
	})
	if err != nil {
		return nil, fmt.Errorf("creating executions_running: %w", err)
	}
	return e, nil
}

// ExecutionStarted marks an execution in flight.
func (e *ETL) ExecutionStarted() {
	if e == nil {
		return
	}
	e.running.Set(float64(e.inFlight.Add(1)))
}

// ExecutionFinished counts a terminal execution and releases its in-flight slot.
func (e *ETL) ExecutionFinished(pipeline, status string) {
	if e == nil {
		return
	}
	e.running.Set(float64(e.inFlight.Add(-1)))
	e.executions.With(prometheus.Labels{"pipeline": pipeline, "status": status}).Inc()
}

// StateOutcome counts one state execution. outcome is succeeded, failed or caught.
func (e *ETL) StateOutcome(state, outcome string) {
	if e == nil {
		return
	}
	e.states.With(prometheus.Labels{"state": state, "outcome": outcome}).Inc()
}

// Retry counts a retried call.
func (e *ETL) Retry(operation string) {
	if e == nil {
		return
	}
	e.retries.With(prometheus.Labels{"operation": operation}).Inc()
}

// QueueMessage counts a task message. outcome is acked or nacked.
func (e *ETL) QueueMessage(queue, outcome string) {
	if e == nil {
		return
	}
	e.messages.With(prometheus.Labels{"queue": queue, "outcome": outcome}).Inc()
}

// DeadLetter counts a message that exhausted its receives.
func (e *ETL) DeadLetter(queue string) {
	if e == nil {
		return
	}
	e.deadLetters.With(prometheus.Labels{"queue": queue}).Inc()
}

// Objects counts objects and bytes handled by a copy, merge or delete.
func (e *ETL) Objects(operation string, n int, size int64) {
	if e == nil {
		return
	}
	e.objects.With(prometheus.Labels{"operation": operation}).Add(float64(n))
	e.bytes.With(prometheus.Labels{"operation": operation}).Add(float64(size))
}
