// Package initflow resolves the checkout preference and the available
// payment options for a session.
package initflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/checkout/flow"
	"checkoutcore/internal/checkout/service"
	"checkoutcore/internal/checkout/snapshot"
)

// Step is an init flow step.
type Step string

const (
	StepStart     Step = "start"
	StepFetchInit Step = "fetch_init"
	StepFinish    Step = "finish"
	StepError     Step = "error"
)

// Error describes a failed init.
type Error struct {
	Step      Step
	Retryable bool
	Origin    service.RequestOrigin
	Exception *service.APIException
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("init failed at %s: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result is the resolved preference and search.
type Result struct {
	Preference *domain.CheckoutPreference `json:"preference"`
	Search     *domain.InitSearch         `json:"search"`
}

// SitePolicy supplies the payment types a site never offers.
type SitePolicy interface {
	ExcludedPaymentTypes(siteID string) []domain.PaymentTypeID
}

// SavedCards lists the cards with a cached security code.
type SavedCards interface {
	SavedCardIDs(ctx context.Context) ([]string, error)
}

// Model is the init flow state.
type Model struct {
	flow.State[Step]

	Preference *domain.CheckoutPreference
	Search     *domain.InitSearch
	Err        *Error
	// History lists the committed steps in order.
	History []Step

	pendingRetry Step
}

// NextStep decides the next step.
func (m *Model) NextStep() Step {
	switch {
	case m.pendingRetry != "":
		return m.pendingRetry
	case m.Err != nil:
		return StepError
	case m.Step == "":
		return StepStart
	case m.Search == nil:
		return StepFetchInit
	}
	return StepFinish
}

// Commit records step and consumes a pending retry.
func (m *Model) Commit(step Step) {
	m.State.Commit(step)
	m.History = append(m.History, step)
	m.pendingRetry = ""
}

// Deps are the collaborators of the init flow.
type Deps struct {
	Adapter service.Adapter
	Cards   SavedCards
	Policy  SitePolicy
	Holder  *snapshot.Holder
	Logger  *slog.Logger
}

// Flow runs init for one session.
type Flow struct {
	model  *Model
	ctx    snapshot.Context
	deps   Deps
	logger *slog.Logger
	engine *flow.Engine[Step, Result]
}

// New creates an init flow for the session context.
func New(sc snapshot.Context, deps Deps) *Flow {
	f := &Flow{
		model:  &Model{Preference: sc.Preference},
		ctx:    sc,
		deps:   deps,
		logger: deps.Logger.With("component", "init"),
	}
	f.engine = flow.NewEngine("init", flow.Model[Step](f.model), map[Step]flow.Handler[Step, Result]{
		StepStart:     f.start,
		StepFetchInit: f.fetchInit,
		StepFinish:    f.finish,
		StepError:     f.fail,
	}, deps.Logger)
	return f
}

// Model exposes the flow state.
func (f *Flow) Model() *Model { return f.model }

// SetPendingRetry forces step to be taken on the next decision.
func (f *Flow) SetPendingRetry(step Step) {
	f.model.pendingRetry = step
}

// Run executes init. Calling it again after a failure resumes it.
func (f *Flow) Run(ctx context.Context, cb flow.Callbacks[Result]) (Result, error) {
	return f.engine.Run(ctx, cb)
}

// Cancel stops the flow.
func (f *Flow) Cancel() { f.engine.Cancel() }

func (f *Flow) start(_ context.Context, _ Step) (flow.Transition[Result], error) {
	pref := f.model.Preference
	if pref == nil {
		return flow.Abort[Result](errors.New("init: preference is required")), nil
	}
	if f.deps.Policy != nil {
		if excluded := f.deps.Policy.ExcludedPaymentTypes(pref.SiteID); len(excluded) > 0 {
			f.model.Preference = pref.WithExcludedPaymentTypes(excluded...)
		}
	}
	return flow.Continue[Result](), nil
}

func (f *Flow) fetchInit(ctx context.Context, _ Step) (flow.Transition[Result], error) {
	pref := f.model.Preference

	var cards []string
	if f.deps.Cards != nil {
		ids, err := f.deps.Cards.SavedCardIDs(ctx)
		if err != nil {
			f.logger.Warn("listing cards with esc failed", "error", err)
		}
		cards = ids
	}
	if cards == nil {
		cards = []string{}
	}

	adv := f.ctx.Advanced
	req := service.InitRequest{
		CardsWithESC: cards,
		Discount:     adv.Discount,
		ChargeRules:  f.ctx.ChargeRules,
		Extra: service.InitExtra{
			DefaultPaymentMethodID: pref.DefaultPaymentMethodID,
			DifferentialPricingID:  pref.DifferentialPricingID,
			DefaultInstallments:    pref.DefaultInstallments,
			MaxInstallments:        pref.MaxInstallments,
			ExpressEnabled:         adv.ExpressEnabled,
			HasPaymentProcessor:    adv.HasProcessor,
			SplitEnabled:           adv.SplitEnabled,
		},
	}
	if pref.IsClosed() {
		req.PreferenceID = pref.ID
	} else {
		req.Preference = pref
	}

	search, err := f.deps.Adapter.Init(ctx, req)
	if err != nil {
		ie := &Error{Step: StepFetchInit, Retryable: true, Origin: service.OriginGetInit, Err: err}
		if se, ok := service.AsError(err); ok {
			ie.Exception = se.Exception
		}
		f.model.Err = ie
		f.logger.Warn("init search failed", "preference_id", pref.ID, "error", err)
		return flow.Continue[Result](), nil
	}

	f.model.Search = search
	f.logger.Info("init search resolved",
		"site_id", search.SiteID,
		"payment_methods", len(search.PaymentMethods),
		"one_tap", search.HasDefaultOption(),
	)
	return flow.Continue[Result](), nil
}

func (f *Flow) finish(_ context.Context, _ Step) (flow.Transition[Result], error) {
	search := f.model.Search
	pref := f.model.Preference
	if search.Preference != nil {
		pref = search.Preference
	}
	if f.deps.Holder != nil {
		f.deps.Holder.Store(&snapshot.Snapshot{Preference: pref, Search: search})
	}
	return flow.Finish(Result{Preference: pref, Search: search}), nil
}

// fail ends the run with the recorded error. The error is cleared, so a
// later run without a pending retry fetches again.
func (f *Flow) fail(_ context.Context, _ Step) (flow.Transition[Result], error) {
	ie := f.model.Err
	f.model.Err = nil
	if ie == nil {
		ie = &Error{Step: StepError, Err: errors.New("init: unknown error")}
	}
	return flow.Abort[Result](&flow.Error{
		Flow:      "init",
		Step:      string(ie.Step),
		Retryable: ie.Retryable,
		Err:       ie,
	}), nil
}
