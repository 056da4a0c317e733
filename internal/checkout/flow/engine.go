package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// MaxAutoRetries is how many times a failed step is retried before the run
// ends with a retryable error.
const MaxAutoRetries = 1

// MaxSteps bounds the number of dispatches in a single run.
const MaxSteps = 256

type transitionKind int

const (
	kindContinue transitionKind = iota
	kindFinish
	kindAbort
)

// Transition is what a handler asks the engine to do next
type Transition[R any] struct {
	kind   transitionKind
	result R
	err    error
}

// Continue evaluates the model again
func Continue[R any]() Transition[R] {
	return Transition[R]{kind: kindContinue}
}

// Finish ends the run successfully with r
func Finish[R any](r R) Transition[R] {
	return Transition[R]{kind: kindFinish, result: r}
}

// Abort ends the run with err without an automatic retry. A retryable
// *Error leaves the engine resumable; any other err completes it.
func Abort[R any](err error) Transition[R] {
	return Transition[R]{kind: kindAbort, err: err}
}

// Handler performs one step. Returning an error after marking the model
// failed asks for a retry of the same step.
type Handler[S ~string, R any] func(ctx context.Context, step S) (Transition[R], error)

// Callbacks receive the outcome of a run. Exactly one fires per run.
type Callbacks[R any] struct {
	OnSuccess func(R)
	OnFailure func(error)
}

type run[R any] struct {
	once sync.Once
	cb   Callbacks[R]
}

func (r *run[R]) succeed(v R) {
	r.once.Do(func() {
		if r.cb.OnSuccess != nil {
			r.cb.OnSuccess(v)
		}
	})
}

func (r *run[R]) fail(err error) {
	r.once.Do(func() {
		if r.cb.OnFailure != nil {
			r.cb.OnFailure(err)
		}
	})
}

// Engine drives a model through its handlers until a terminal transition
type Engine[S ~string, R any] struct {
	name     string
	model    Model[S]
	handlers map[S]Handler[S, R]
	logger   *slog.Logger

	running   atomic.Bool
	canceled  atomic.Bool
	completed atomic.Bool

	mu     sync.Mutex
	active *run[R]
	stop   context.CancelFunc
}

// NewEngine creates an engine for model. name tags logs and errors.
func NewEngine[S ~string, R any](name string, model Model[S], handlers map[S]Handler[S, R], logger *slog.Logger) *Engine[S, R] {
	return &Engine[S, R]{
		name:     name,
		model:    model,
		handlers: handlers,
		logger:   logger.With("flow", name),
	}
}

// Run drives the model until it finishes, aborts, fails twice on a step or
// is canceled. It returns the outcome and also delivers it to cb.
func (e *Engine[S, R]) Run(ctx context.Context, cb Callbacks[R]) (R, error) {
	var zero R
	if !e.running.CompareAndSwap(false, true) {
		return zero, ErrRunning
	}
	defer e.running.Store(false)

	r := &run[R]{cb: cb}
	if e.canceled.Load() {
		r.fail(ErrCanceled)
		return zero, ErrCanceled
	}
	if e.completed.Load() {
		r.fail(ErrNotResumable)
		return zero, ErrNotResumable
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	e.mu.Lock()
	e.active = r
	e.stop = stop
	e.mu.Unlock()

	res, err := e.loop(runCtx)

	if e.canceled.Load() {
		// Anything the handler produced after cancel is discarded.
		e.completed.Store(true)
		r.fail(ErrCanceled)
		return zero, ErrCanceled
	}
	if err != nil {
		if !IsRetryable(err) {
			e.completed.Store(true)
		}
		r.fail(err)
		return zero, err
	}
	e.completed.Store(true)
	r.succeed(res)
	return res, nil
}

func (e *Engine[S, R]) loop(ctx context.Context) (R, error) {
	var zero R
	retries := 0

	for i := 0; i < MaxSteps; i++ {
		if e.canceled.Load() {
			return zero, ErrCanceled
		}

		if rf, ok := e.model.(Refresher); ok {
			if err := rf.Refresh(ctx); err != nil {
				return zero, &Error{Flow: e.name, Step: string(e.current()), Err: fmt.Errorf("refresh: %w", err)}
			}
		}

		step := e.model.NextStep()
		e.model.Commit(step)

		h, ok := e.handlers[step]
		if !ok {
			return zero, &Error{Flow: e.name, Step: string(step), Err: ErrNoHandler}
		}

		e.logger.Debug("dispatching step", "step", step, "retry", retries)
		tr, err := h(ctx, step)

		if e.canceled.Load() {
			return zero, ErrCanceled
		}

		if err != nil {
			retryable := e.failed()
			if retryable && retries < MaxAutoRetries {
				retries++
				e.logger.Warn("step failed, retrying", "step", step, "error", err)
				continue
			}
			e.logger.Error("step failed", "step", step, "retryable", retryable, "error", err)
			return zero, &Error{Flow: e.name, Step: string(step), Retryable: retryable, Err: err}
		}
		retries = 0

		switch tr.kind {
		case kindFinish:
			e.logger.Debug("flow finished", "step", step)
			return tr.result, nil
		case kindAbort:
			e.logger.Info("flow aborted", "step", step, "error", tr.err)
			if errors.Is(tr.err, ErrCanceled) {
				e.canceled.Store(true)
			}
			return zero, tr.err
		}
	}
	return zero, &Error{Flow: e.name, Step: string(e.current()), Err: ErrStepLimit}
}

// Cancel stops the run. The failure callback fires with ErrCanceled at most
// once; a handler still in flight has its result discarded.
func (e *Engine[S, R]) Cancel() {
	if !e.canceled.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	r, stop := e.active, e.stop
	e.mu.Unlock()

	if stop != nil {
		stop()
	}
	if r != nil {
		r.fail(ErrCanceled)
	}
}

// Canceled reports whether Cancel was called
func (e *Engine[S, R]) Canceled() bool {
	return e.canceled.Load()
}

// Completed reports whether the engine can no longer be resumed
func (e *Engine[S, R]) Completed() bool {
	return e.completed.Load()
}

func (e *Engine[S, R]) failed() bool {
	f, ok := e.model.(failer)
	return ok && f.Failed()
}

func (e *Engine[S, R]) current() S {
	if c, ok := e.model.(interface{ Current() S }); ok {
		return c.Current()
	}
	var zero S
	return zero
}
