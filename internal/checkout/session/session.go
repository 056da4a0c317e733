// Package session runs checkout and card-association sessions on behalf of
// remote clients. A session owns its flows for the whole run; the client
// drives it by polling the pending screen and answering it.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"checkoutcore/internal/checkout/addcard"
	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/checkout/payment"
)

var (
	ErrNotFound     = errors.New("session: not found")
	ErrFinished     = errors.New("session: already finished")
	ErrNotRetryable = errors.New("session: nothing to retry")
)

// Kind is the kind of session.
type Kind string

const (
	KindCheckout Kind = "checkout"
	KindCard     Kind = "card_association"
)

// Status is where a session stands.
type Status string

const (
	StatusRunning       Status = "running"
	StatusAwaitingInput Status = "awaiting_input"
	// StatusNeedsRetry means a step failed and the session waits for the
	// client to retry it.
	StatusNeedsRetry Status = "needs_retry"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Finished reports a terminal status.
func (s Status) Finished() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// OutcomeKind says how a successful session ended.
type OutcomeKind string

const (
	OutcomePaid                   OutcomeKind = "paid"
	OutcomePaymentMethodSelection OutcomeKind = "payment_method_selection"
	OutcomeIncomplete             OutcomeKind = "incomplete"
	OutcomeCardAssociated         OutcomeKind = "card_associated"
)

// Outcome is the result of a successful session.
type Outcome struct {
	Kind        OutcomeKind                `json:"kind"`
	Payment     *payment.Result            `json:"payment,omitempty"`
	PaymentData *domain.PaymentData        `json:"payment_data,omitempty"`
	Preference  *domain.CheckoutPreference `json:"preference,omitempty"`
	Search      *domain.InitSearch         `json:"search,omitempty"`
	Card        *addcard.Result            `json:"card,omitempty"`
}

// ErrorView is the failure of a session as shown to clients.
type ErrorView struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// View is a point-in-time copy of a session.
type View struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	Status     Status     `json:"status"`
	Screen     *Screen    `json:"screen,omitempty"`
	Outcome    *Outcome   `json:"outcome,omitempty"`
	Error      *ErrorView `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Session is one running checkout or card association.
type Session struct {
	ID            string
	Kind          Kind
	PayerID       string
	CorrelationID string
	CreatedAt     time.Time

	bridge *Bridge
	logger *slog.Logger

	// ctx scopes every flow of the session; release cancels it.
	ctx     context.Context
	release context.CancelFunc

	mu         sync.Mutex
	status     Status
	outcome    *Outcome
	err        error
	finishedAt time.Time
	cancelFlow func()
	canceled   bool

	retry chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

func newSession(parent context.Context, id string, kind Kind, payerID string, bridge *Bridge, logger *slog.Logger, now time.Time) *Session {
	ctx, release := context.WithCancel(parent)
	return &Session{
		ID:        id,
		Kind:      kind,
		PayerID:   payerID,
		CreatedAt: now,
		bridge:    bridge,
		logger:    logger.With("session_id", id, "kind", kind),
		ctx:       ctx,
		release:   release,
		status:    StatusRunning,
		retry:     make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Done is closed once the session has finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// View returns a copy of the session state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		ID:        s.ID,
		Kind:      s.Kind,
		Status:    s.status,
		Outcome:   s.outcome,
		CreatedAt: s.CreatedAt,
	}
	if s.err != nil {
		v.Error = &ErrorView{Message: s.err.Error(), Retryable: s.status == StatusNeedsRetry}
	}
	if !s.finishedAt.IsZero() {
		t := s.finishedAt
		v.FinishedAt = &t
	}
	if s.status == StatusRunning {
		if screen, ok := s.bridge.Pending(); ok {
			v.Status = StatusAwaitingInput
			v.Screen = &screen
		}
	}
	return v
}

// Cancel stops the session. The flow in flight sees its context canceled.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if s.status.Finished() {
		s.mu.Unlock()
		return ErrFinished
	}
	if s.canceled {
		s.mu.Unlock()
		return nil
	}
	s.canceled = true
	close(s.stop)
	cancel := s.cancelFlow
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.release()
	s.logger.Info("session cancel requested")
	return nil
}

// requestRetry resumes a session waiting in StatusNeedsRetry.
func (s *Session) requestRetry() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusNeedsRetry {
		return ErrNotRetryable
	}
	select {
	case s.retry <- struct{}{}:
	default:
	}
	return nil
}

// setFlow records the canceller of the flow now running. A session
// canceled before the flow started cancels it at once.
func (s *Session) setFlow(cancel func()) {
	s.mu.Lock()
	s.cancelFlow = cancel
	canceled := s.canceled
	s.mu.Unlock()
	if canceled && cancel != nil {
		cancel()
	}
}

func (s *Session) isCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

// suspend parks the session on a retryable failure. It reports false when
// the session was canceled meanwhile.
func (s *Session) suspend(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled {
		return false
	}
	s.status = StatusNeedsRetry
	s.err = err
	return true
}

func (s *Session) resume() {
	s.mu.Lock()
	s.status = StatusRunning
	s.err = nil
	s.mu.Unlock()
}

func (s *Session) finish(status Status, outcome *Outcome, err error, now time.Time) {
	s.mu.Lock()
	s.status = status
	s.outcome = outcome
	s.err = err
	s.finishedAt = now
	s.cancelFlow = nil
	s.mu.Unlock()
	if s.release != nil {
		s.release()
	}
}

func (s *Session) finishedBefore(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Finished() && s.finishedAt.Before(t)
}
