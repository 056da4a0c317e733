package flow

import (
	"errors"
	"fmt"
)

var (
	ErrCanceled     = errors.New("flow: canceled")
	ErrRunning      = errors.New("flow: already running")
	ErrStepLimit    = errors.New("flow: step limit reached")
	ErrNoHandler    = errors.New("flow: no handler for step")
	ErrNotResumable = errors.New("flow: run already completed")
)

// Error reports the step a run ended on. Retryable errors can be resumed
// by calling Run again.
type Error struct {
	Flow      string
	Step      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s flow failed at %s: %v", e.Flow, e.Step, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a retryable *Error
func IsRetryable(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Retryable
}
