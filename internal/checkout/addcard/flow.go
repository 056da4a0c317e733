package addcard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/checkout/esc"
	"checkoutcore/internal/checkout/flow"
	"checkoutcore/internal/checkout/service"
)

// Failure ends an unsuccessful association.
type Failure struct {
	// ShouldRestart asks the caller to start a new flow.
	ShouldRestart bool
	Err           error
}

func (e *Failure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("add card failed (restart=%t): %v", e.ShouldRestart, e.Err)
	}
	return fmt.Sprintf("add card failed (restart=%t)", e.ShouldRestart)
}

func (e *Failure) Unwrap() error {
	return e.Err
}

// Result is a successful association.
type Result struct {
	Card          *domain.CardInformation `json:"card"`
	PaymentMethod *domain.PaymentMethod   `json:"payment_method"`
}

// CardFormRequest is what the card form offers.
type CardFormRequest struct {
	PaymentMethods []domain.PaymentMethod `json:"payment_methods"`
}

// CardFormResult is the card the payer typed.
type CardFormResult struct {
	PaymentMethod domain.PaymentMethod `json:"payment_method"`
	CardToken     domain.CardToken     `json:"card_token"`
}

// IdentificationRequest is what the identification screen offers.
type IdentificationRequest struct {
	Types         []domain.IdentificationType `json:"identification_types"`
	PaymentMethod *domain.PaymentMethod       `json:"payment_method,omitempty"`
}

// ErrorKind selects the error screen.
type ErrorKind string

const (
	ErrorConnectivity ErrorKind = "connectivity"
	ErrorGeneric      ErrorKind = "generic"
)

// ErrorScreen describes a failure shown to the payer.
type ErrorScreen struct {
	Kind    ErrorKind             `json:"kind"`
	Origin  service.RequestOrigin `json:"origin,omitempty"`
	Message string                `json:"message"`
}

// ErrorAction is the payer's answer to an error screen.
type ErrorAction string

const (
	ActionRetry  ErrorAction = "retry"
	ActionCancel ErrorAction = "cancel"
)

// Navigator shows the screens of the flow. Returning an error wrapping
// flow.ErrCanceled from any screen finishes the flow.
type Navigator interface {
	CardForm(ctx context.Context, req CardFormRequest) (CardFormResult, error)
	Identification(ctx context.Context, req IdentificationRequest) (domain.Identification, error)
	Congrats(ctx context.Context, card *domain.CardInformation) error
	ErrorScreen(ctx context.Context, e ErrorScreen) (ErrorAction, error)
}

// ESC is the part of the ESC cache the flow writes to.
type ESC interface {
	Enabled() bool
	Save(ctx context.Context, id esc.Identity, code string) error
}

// Params configures one association.
type Params struct {
	AccessToken  string
	SkipCongrats bool
}

// Deps are the collaborators of the flow.
type Deps struct {
	Adapter   service.Adapter
	ESC       ESC
	Navigator Navigator
	Logger    *slog.Logger
}

// Flow runs one card association.
type Flow struct {
	model  *Model
	params Params
	deps   Deps
	logger *slog.Logger
	engine *flow.Engine[Step, Result]
}

// New creates an add-card flow.
func New(p Params, deps Deps) *Flow {
	f := &Flow{
		model:  &Model{SkipCongrats: p.SkipCongrats},
		params: p,
		deps:   deps,
		logger: deps.Logger.With("component", "addcard"),
	}
	f.engine = flow.NewEngine("addcard", flow.Model[Step](f.model), map[Step]flow.Handler[Step, Result]{
		StepStart:                   f.start,
		StepGetPaymentMethods:       f.getPaymentMethods,
		StepGetIdentificationTypes:  f.getIdentificationTypes,
		StepOpenCardForm:            f.openCardForm,
		StepOpenIdentificationTypes: f.openIdentificationTypes,
		StepCreateToken:             f.createToken,
		StepAssociateToken:          f.associateToken,
		StepShowCongrats:            f.showCongrats,
		StepFinish:                  f.finish,
	}, deps.Logger)
	return f
}

// Model exposes the flow state.
func (f *Flow) Model() *Model { return f.model }

// Run executes the flow.
func (f *Flow) Run(ctx context.Context, cb flow.Callbacks[Result]) (Result, error) {
	return f.engine.Run(ctx, cb)
}

// Cancel stops the flow.
func (f *Flow) Cancel() { f.engine.Cancel() }

func (f *Flow) start(_ context.Context, _ Step) (flow.Transition[Result], error) {
	f.logger.Info("card association started", "skip_congrats", f.params.SkipCongrats)
	return flow.Continue[Result](), nil
}

func (f *Flow) getPaymentMethods(ctx context.Context, _ Step) (flow.Transition[Result], error) {
	pms, err := f.deps.Adapter.GetPaymentMethods(ctx)
	if err != nil {
		return f.failed(ctx, service.OriginGetPaymentMethods, err)
	}
	f.model.PaymentMethods = pms
	return flow.Continue[Result](), nil
}

func (f *Flow) getIdentificationTypes(ctx context.Context, _ Step) (flow.Transition[Result], error) {
	types, err := f.deps.Adapter.GetIdentificationTypes(ctx)
	if err != nil {
		if !service.IsKind(err, service.KindConnectivity) && service.IsNotFound(err) {
			// Sites without documents answer 404.
			f.model.IdentificationTypes = []domain.IdentificationType{}
			return flow.Continue[Result](), nil
		}
		return f.failed(ctx, service.OriginGetIdentificationTypes, err)
	}
	if types == nil {
		types = []domain.IdentificationType{}
	}
	f.model.IdentificationTypes = types
	return flow.Continue[Result](), nil
}

func (f *Flow) openCardForm(ctx context.Context, _ Step) (flow.Transition[Result], error) {
	res, err := f.deps.Navigator.CardForm(ctx, CardFormRequest{PaymentMethods: f.model.PaymentMethods})
	if err != nil {
		return f.screenFailed(ctx, err)
	}
	pm := res.PaymentMethod
	card := res.CardToken
	f.model.PaymentMethod = &pm
	f.model.CardToken = &card
	return flow.Continue[Result](), nil
}

func (f *Flow) openIdentificationTypes(ctx context.Context, _ Step) (flow.Transition[Result], error) {
	types := f.model.supportedIdentificationTypes()
	if len(types) == 0 {
		return f.failed(ctx, "", errors.New("addcard: no supported identification types"))
	}
	id, err := f.deps.Navigator.Identification(ctx, IdentificationRequest{Types: types, PaymentMethod: f.model.PaymentMethod})
	if err != nil {
		return f.screenFailed(ctx, err)
	}
	f.model.CardToken.Identification = &id
	return flow.Continue[Result](), nil
}

func (f *Flow) createToken(ctx context.Context, _ Step) (flow.Transition[Result], error) {
	card := f.model.CardToken
	tok, err := f.deps.Adapter.CreateToken(ctx, service.CardTokenRequest{
		Card:       *card,
		RequireESC: f.escEnabled(),
	})
	if err != nil {
		return f.failed(ctx, service.OriginCreateToken, err)
	}
	if tok.FirstSixDigits == "" {
		tok.FirstSixDigits = card.FirstSixDigits()
	}
	if tok.LastFourDigits == "" {
		tok.LastFourDigits = card.LastFourDigits()
	}
	f.model.Token = tok

	if tok.ESC != "" && f.deps.ESC != nil {
		if err := f.deps.ESC.Save(ctx, esc.Digits(tok.FirstSixDigits, tok.LastFourDigits), tok.ESC); err != nil {
			f.logger.Warn("saving esc failed", "card", maskCard(tok.LastFourDigits), "error", err)
		}
	}
	return flow.Continue[Result](), nil
}

func (f *Flow) associateToken(ctx context.Context, _ Step) (flow.Transition[Result], error) {
	pm, tok := f.model.PaymentMethod, f.model.Token
	req := service.AssociateCardRequest{
		AccessToken:     f.params.AccessToken,
		TokenID:         tok.ID,
		PaymentMethodID: pm.ID,
	}
	card, err := f.deps.Adapter.AssociateCard(ctx, req)
	if err != nil {
		return f.failed(ctx, service.OriginAssociateToken, err)
	}
	f.model.Card = card
	f.logger.Info("card associated", "card_id", card.CardID, "card", maskCard(tok.LastFourDigits))

	// The code saved by digits now also answers to the card id.
	if tok.ESC != "" && f.deps.ESC != nil && card.CardID != "" {
		id := esc.Identity{CardID: card.CardID, FirstSix: tok.FirstSixDigits, LastFour: tok.LastFourDigits}
		if err := f.deps.ESC.Save(ctx, id, tok.ESC); err != nil {
			f.logger.Warn("aliasing esc failed", "card_id", card.CardID, "error", err)
		}
	}
	return flow.Continue[Result](), nil
}

func (f *Flow) showCongrats(ctx context.Context, _ Step) (flow.Transition[Result], error) {
	if err := f.deps.Navigator.Congrats(ctx, f.model.Card); err != nil && !errors.Is(err, flow.ErrCanceled) {
		f.logger.Warn("congrats screen failed", "error", err)
	}
	return flow.Continue[Result](), nil
}

func (f *Flow) finish(_ context.Context, _ Step) (flow.Transition[Result], error) {
	if f.model.Card == nil {
		return flow.Abort[Result](&Failure{ShouldRestart: false}), nil
	}
	return flow.Finish(Result{Card: f.model.Card, PaymentMethod: f.model.PaymentMethod}), nil
}

// failed shows the error screen for a failed step. A connectivity error
// retries the same step; any other error starts over from the card form.
func (f *Flow) failed(ctx context.Context, origin service.RequestOrigin, err error) (flow.Transition[Result], error) {
	f.logger.Warn("step failed", "step", f.model.Step, "origin", origin, "error", err)

	if service.IsKind(err, service.KindConnectivity) {
		f.model.Fail()
		action, navErr := f.deps.Navigator.ErrorScreen(ctx, ErrorScreen{Kind: ErrorConnectivity, Origin: origin, Message: err.Error()})
		if navErr != nil || action != ActionRetry {
			f.model.LastStepFailed = false
			return f.finish(ctx, StepFinish)
		}
		return flow.Continue[Result](), nil
	}

	action, navErr := f.deps.Navigator.ErrorScreen(ctx, ErrorScreen{Kind: ErrorGeneric, Origin: origin, Message: err.Error()})
	if navErr != nil || action != ActionRetry {
		return f.finish(ctx, StepFinish)
	}
	if !f.model.Reset() {
		return flow.Abort[Result](&Failure{ShouldRestart: true, Err: err}), nil
	}
	return flow.Continue[Result](), nil
}

// screenFailed handles a screen that did not produce an answer.
func (f *Flow) screenFailed(ctx context.Context, err error) (flow.Transition[Result], error) {
	if errors.Is(err, flow.ErrCanceled) {
		return f.finish(ctx, StepFinish)
	}
	return f.failed(ctx, "", err)
}

func (f *Flow) escEnabled() bool {
	return f.deps.ESC != nil && f.deps.ESC.Enabled()
}

func maskCard(lastFour string) string {
	if lastFour == "" {
		return ""
	}
	return "****" + lastFour
}
