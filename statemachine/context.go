package statemachine

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/nomis52/deltaetl/job"
)

// StepError is a caught failure recorded under the failing state's name.
type StepError struct {
	State string `json:"state"`
	// Error is the failure class, e.g. "TaskFailed" or "Timeout".
	Error string `json:"error"`
	Cause string `json:"cause"`
	// Seq orders errors within an execution.
	Seq int `json:"seq"`
}

// Context is the document threaded through every state. States receive it
// by value and return a new one; the With helpers copy the maps they touch
// so earlier values are never mutated.
type Context struct {
	Metadata job.Descriptor             `json:"metadata"`
	Results  map[string]json.RawMessage `json:"results,omitempty"`
	Errors   map[string]StepError       `json:"errors,omitempty"`
}

// NewContext starts a context for md.
func NewContext(md job.Descriptor) Context {
	return Context{Metadata: md}
}

// WithResult returns a copy of c with v stored as JSON under key.
func (c Context) WithResult(key string, v any) (Context, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return c, fmt.Errorf("encoding result %q: %w", key, err)
	}
	results := maps.Clone(c.Results)
	if results == nil {
		results = make(map[string]json.RawMessage)
	}
	results[key] = data
	c.Results = results
	return c, nil
}

// Result decodes the result stored under key into v. It reports false when
// no result is stored.
func (c Context) Result(key string, v any) (bool, error) {
	data, ok := c.Results[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("decoding result %q: %w", key, err)
	}
	return true, nil
}

// WithError returns a copy of c with e recorded under e.State.
func (c Context) WithError(e StepError) Context {
	errs := maps.Clone(c.Errors)
	if errs == nil {
		errs = make(map[string]StepError)
	}
	for _, prev := range errs {
		e.Seq = max(e.Seq, prev.Seq+1)
	}
	if e.Seq == 0 {
		e.Seq = 1
	}
	errs[e.State] = e
	c.Errors = errs
	return c
}

// LastError returns the most recently recorded error.
func (c Context) LastError() (StepError, bool) {
	var last StepError
	for _, e := range c.Errors {
		if e.Seq > last.Seq {
			last = e
		}
	}
	return last, last.Seq > 0
}

// FirstError returns the earliest recorded error, the one that started the
// failure path.
func (c Context) FirstError() (StepError, bool) {
	var first StepError
	for _, e := range c.Errors {
		if first.Seq == 0 || e.Seq < first.Seq {
			first = e
		}
	}
	return first, first.Seq > 0
}
