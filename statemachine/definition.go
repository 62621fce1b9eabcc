package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nomis52/deltaetl/retry"
)

// StateType selects how the interpreter treats a state.
type StateType int

const (
	// Task runs a StepFunc.
	Task StateType = iota
	// Choice picks the next state from the context.
	Choice
	// Succeed ends the execution successfully.
	Succeed
	// Fail ends the execution as failed.
	Fail
)

// String returns the string representation of the state type.
func (t StateType) String() string {
	switch t {
	case Task:
		return "Task"
	case Choice:
		return "Choice"
	case Succeed:
		return "Succeed"
	case Fail:
		return "Fail"
	default:
		return "Unknown"
	}
}

// StepFunc is the work of a Task state.
type StepFunc func(ctx context.Context, in Context) (Context, error)

// Branch routes a Choice state to Next when When returns true.
type Branch struct {
	When func(Context) bool
	Next string
}

// Catcher routes a failed Task to Next. An empty Errors list matches every
// error; otherwise the failure must match one of them with errors.Is.
type Catcher struct {
	Errors []error
	Next   string
}

func (c Catcher) matches(err error) bool {
	if len(c.Errors) == 0 {
		return true
	}
	for _, target := range c.Errors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// State is one node of a Definition.
type State struct {
	Name string
	Type StateType

	// Run is required for Task states.
	Run StepFunc
	// Next is the following state. A Task without Next ends the execution
	// successfully.
	Next string
	// Retry retries transient Run errors.
	Retry *retry.Policy
	// Catch is evaluated in order after retries are exhausted.
	Catch []Catcher
	// Timeout bounds each Run attempt. Zero means unbounded.
	Timeout time.Duration

	// Branches and Default are used by Choice states.
	Branches []Branch
	Default  string

	// Error and Cause describe a Fail state. An empty Cause takes the first
	// caught error of the execution.
	Error string
	Cause string
}

// Definition is a named set of states.
type Definition struct {
	Name    string
	StartAt string
	States  map[string]State
}

// NewDefinition indexes states by name and validates the transitions.
func NewDefinition(name, startAt string, states ...State) (*Definition, error) {
	d := &Definition{Name: name, StartAt: startAt, States: make(map[string]State, len(states))}
	for _, s := range states {
		if _, dup := d.States[s.Name]; dup {
			return nil, fmt.Errorf("%s: duplicate state %q", name, s.Name)
		}
		d.States[s.Name] = s
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks that every transition targets a known state.
func (d *Definition) Validate() error {
	var errs []error
	check := func(from, to, what string) {
		if _, ok := d.States[to]; !ok {
			errs = append(errs, fmt.Errorf("state %q: %s %q: %w", from, what, to, ErrUnknownState))
		}
	}
	if _, ok := d.States[d.StartAt]; !ok {
		errs = append(errs, fmt.Errorf("start state %q: %w", d.StartAt, ErrUnknownState))
	}
	for name, s := range d.States {
		if name == "" {
			errs = append(errs, errors.New("state with empty name"))
		}
		switch s.Type {
		case Task:
			if s.Run == nil {
				errs = append(errs, fmt.Errorf("task state %q has no Run", name))
			}
			if s.Next != "" {
				check(name, s.Next, "next")
			}
			for _, c := range s.Catch {
				check(name, c.Next, "catch")
			}
			if s.Retry != nil {
				if err := s.Retry.Validate(); err != nil {
					errs = append(errs, fmt.Errorf("state %q retry: %w", name, err))
				}
			}
		case Choice:
			if len(s.Branches) == 0 && s.Default == "" {
				errs = append(errs, fmt.Errorf("choice state %q has no branches", name))
			}
			for _, b := range s.Branches {
				if b.When == nil {
					errs = append(errs, fmt.Errorf("choice state %q has a branch without a condition", name))
				}
				check(name, b.Next, "branch")
			}
			if s.Default != "" {
				check(name, s.Default, "default")
			}
		case Succeed, Fail:
		default:
			errs = append(errs, fmt.Errorf("state %q: unknown type %d", name, s.Type))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("definition %s: %w", d.Name, errors.Join(errs...))
	}
	return nil
}

func (s State) choose(c Context) (string, error) {
	for _, b := range s.Branches {
		if b.When(c) {
			return b.Next, nil
		}
	}
	if s.Default != "" {
		return s.Default, nil
	}
	return "", fmt.Errorf("choice state %q: %w", s.Name, ErrNoChoice)
}
