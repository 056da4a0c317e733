package flow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type testStep string

const (
	stepA      testStep = "a"
	stepB      testStep = "b"
	stepFinish testStep = "finish"
)

type testModel struct {
	State[testStep]
	doneA, doneB bool
	trail        []testStep
}

func (m *testModel) NextStep() testStep {
	if m.LastStepFailed {
		return m.Step
	}
	switch {
	case !m.doneA:
		return stepA
	case !m.doneB:
		return stepB
	}
	return stepFinish
}

func (m *testModel) Commit(step testStep) {
	m.State.Commit(step)
	m.trail = append(m.trail, step)
}

type counter struct {
	success atomic.Int32
	failure atomic.Int32
	lastErr atomic.Value
}

func (c *counter) callbacks() Callbacks[string] {
	return Callbacks[string]{
		OnSuccess: func(string) { c.success.Add(1) },
		OnFailure: func(err error) {
			c.failure.Add(1)
			c.lastErr.Store(err)
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine builds an engine whose step b fails bFailures times
func newTestEngine(m *testModel, bFailures int, retryable bool) (*Engine[testStep, string], *atomic.Int32) {
	var bCalls atomic.Int32
	handlers := map[testStep]Handler[testStep, string]{
		stepA: func(ctx context.Context, _ testStep) (Transition[string], error) {
			m.doneA = true
			return Continue[string](), nil
		},
		stepB: func(ctx context.Context, _ testStep) (Transition[string], error) {
			n := bCalls.Add(1)
			if int(n) <= bFailures {
				if retryable {
					m.Fail()
				}
				return Transition[string]{}, errors.New("backend down")
			}
			m.doneB = true
			return Continue[string](), nil
		},
		stepFinish: func(ctx context.Context, _ testStep) (Transition[string], error) {
			return Finish("done"), nil
		},
	}
	return NewEngine[testStep, string]("test", m, handlers, discardLogger()), &bCalls
}

func TestEngineRetryReachesSameTerminalState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failures  int
		wantTrail []testStep
	}{
		{name: "no failure", failures: 0, wantTrail: []testStep{stepA, stepB, stepFinish}},
		{name: "one failure is retried", failures: 1, wantTrail: []testStep{stepA, stepB, stepB, stepFinish}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := &testModel{}
			e, _ := newTestEngine(m, tt.failures, true)
			var c counter

			res, err := e.Run(context.Background(), c.callbacks())
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if res != "done" {
				t.Errorf("result = %q, want done", res)
			}
			if len(m.trail) != len(tt.wantTrail) {
				t.Fatalf("trail = %v, want %v", m.trail, tt.wantTrail)
			}
			for i := range m.trail {
				if m.trail[i] != tt.wantTrail[i] {
					t.Fatalf("trail = %v, want %v", m.trail, tt.wantTrail)
				}
			}
			if c.success.Load() != 1 || c.failure.Load() != 0 {
				t.Errorf("callbacks success=%d failure=%d", c.success.Load(), c.failure.Load())
			}
		})
	}
}

func TestEngineSecondFailureEndsRunAndResumes(t *testing.T) {
	t.Parallel()

	m := &testModel{}
	e, bCalls := newTestEngine(m, 2, true)
	var c counter

	_, err := e.Run(context.Background(), c.callbacks())
	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if fe.Step != string(stepB) || !fe.Retryable {
		t.Errorf("error = %+v, want retryable at b", fe)
	}
	if c.failure.Load() != 1 || c.success.Load() != 0 {
		t.Fatalf("callbacks success=%d failure=%d", c.success.Load(), c.failure.Load())
	}
	if bCalls.Load() != 2 {
		t.Errorf("b ran %d times, want 2", bCalls.Load())
	}

	var c2 counter
	res, err := e.Run(context.Background(), c2.callbacks())
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if res != "done" {
		t.Errorf("result = %q", res)
	}
	// a ran once; the resumed run started at b.
	if m.trail[0] != stepA || m.trail[3] != stepB {
		t.Errorf("trail = %v", m.trail)
	}
	for _, s := range m.trail[1:] {
		if s == stepA {
			t.Fatalf("completed step re-ran: %v", m.trail)
		}
	}
	if c2.success.Load() != 1 {
		t.Error("resumed run did not report success")
	}

	if _, err := e.Run(context.Background(), Callbacks[string]{}); !errors.Is(err, ErrNotResumable) {
		t.Errorf("run after success: err = %v", err)
	}
}

func TestEngineNonRetryableError(t *testing.T) {
	t.Parallel()

	m := &testModel{}
	e, bCalls := newTestEngine(m, 1, false)

	_, err := e.Run(context.Background(), Callbacks[string]{})
	if err == nil || IsRetryable(err) {
		t.Fatalf("err = %v, want non-retryable", err)
	}
	if bCalls.Load() != 1 {
		t.Errorf("b ran %d times, want 1", bCalls.Load())
	}
	if !e.Completed() {
		t.Error("engine resumable after a non-retryable failure")
	}
}

func TestEngineAbortWithRetryableError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		err           error
		wantCompleted bool
	}{
		{name: "retryable flow error", err: &Error{Flow: "test", Step: "a", Retryable: true, Err: errors.New("backend down")}},
		{name: "plain error", err: errors.New("no preference"), wantCompleted: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := &testModel{}
			var calls atomic.Int32
			handlers := map[testStep]Handler[testStep, string]{
				stepA: func(ctx context.Context, _ testStep) (Transition[string], error) {
					calls.Add(1)
					return Abort[string](tt.err), nil
				},
			}
			e := NewEngine[testStep, string]("test", m, handlers, discardLogger())

			if _, err := e.Run(context.Background(), Callbacks[string]{}); !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			if calls.Load() != 1 {
				t.Errorf("step ran %d times, want 1", calls.Load())
			}
			if e.Completed() != tt.wantCompleted {
				t.Errorf("Completed = %v, want %v", e.Completed(), tt.wantCompleted)
			}
		})
	}
}

func TestEngineCancelDiscardsInFlightResult(t *testing.T) {
	t.Parallel()

	m := &testModel{}
	started := make(chan struct{})
	release := make(chan struct{})
	handlers := map[testStep]Handler[testStep, string]{
		stepA: func(ctx context.Context, _ testStep) (Transition[string], error) {
			close(started)
			<-release
			return Finish("late"), nil
		},
	}
	e := NewEngine[testStep, string]("test", m, handlers, discardLogger())
	var c counter

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), c.callbacks())
		errCh <- err
	}()

	<-started
	e.Cancel()
	e.Cancel()
	if c.failure.Load() != 1 {
		t.Fatalf("failure callbacks = %d, want 1 right after cancel", c.failure.Load())
	}
	close(release)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCanceled) {
			t.Fatalf("err = %v, want ErrCanceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	if c.success.Load() != 0 || c.failure.Load() != 1 {
		t.Errorf("callbacks success=%d failure=%d", c.success.Load(), c.failure.Load())
	}
	if got, _ := c.lastErr.Load().(error); !errors.Is(got, ErrCanceled) {
		t.Errorf("failure error = %v", got)
	}
}

func TestEngineCancelCancelsHandlerContext(t *testing.T) {
	t.Parallel()

	m := &testModel{}
	started := make(chan struct{})
	handlers := map[testStep]Handler[testStep, string]{
		stepA: func(ctx context.Context, _ testStep) (Transition[string], error) {
			close(started)
			<-ctx.Done()
			return Transition[string]{}, ctx.Err()
		},
	}
	e := NewEngine[testStep, string]("test", m, handlers, discardLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		_, runErr = e.Run(context.Background(), Callbacks[string]{})
	}()
	<-started
	e.Cancel()
	wg.Wait()

	if !errors.Is(runErr, ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", runErr)
	}
}

func TestEngineExactlyOneCallbackUnderRace(t *testing.T) {
	t.Parallel()

	for i := 0; i < 100; i++ {
		m := &testModel{}
		e, _ := newTestEngine(m, 0, true)
		var c counter

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = e.Run(context.Background(), c.callbacks())
		}()
		go func() {
			defer wg.Done()
			e.Cancel()
		}()
		wg.Wait()

		if total := c.success.Load() + c.failure.Load(); total != 1 {
			t.Fatalf("iteration %d: %d callbacks fired", i, total)
		}
	}
}

func TestEngineRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	m := &testModel{}
	started := make(chan struct{})
	release := make(chan struct{})
	handlers := map[testStep]Handler[testStep, string]{
		stepA: func(ctx context.Context, _ testStep) (Transition[string], error) {
			close(started)
			<-release
			return Finish("ok"), nil
		},
	}
	e := NewEngine[testStep, string]("test", m, handlers, discardLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Run(context.Background(), Callbacks[string]{})
	}()
	<-started
	if _, err := e.Run(context.Background(), Callbacks[string]{}); !errors.Is(err, ErrRunning) {
		t.Errorf("err = %v, want ErrRunning", err)
	}
	close(release)
	<-done
}
