// Package flow runs step state machines. A model decides the next step
// from its fields alone; handlers perform the step and mutate the model.
package flow

import "context"

// Model is a step decision table
type Model[S ~string] interface {
	// NextStep must not mutate the model.
	NextStep() S
	// Commit records the chosen step. It clears the failure mark and
	// consumes one-shot overrides.
	Commit(step S)
}

// Refresher is implemented by models that snapshot external state (cached
// codes, active hooks) before each decision.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// State is embedded by models to track the current step
type State[S ~string] struct {
	Step           S    `json:"step"`
	LastStepFailed bool `json:"last_step_failed"`
}

// Current returns the last committed step
func (s *State[S]) Current() S {
	return s.Step
}

// Commit records step and clears the failure mark
func (s *State[S]) Commit(step S) {
	s.Step = step
	s.LastStepFailed = false
}

// Fail marks the current step as failed so it is decided again
func (s *State[S]) Fail() {
	s.LastStepFailed = true
}

// Failed reports whether the current step failed
func (s *State[S]) Failed() bool {
	return s.LastStepFailed
}

type failer interface {
	Failed() bool
}
