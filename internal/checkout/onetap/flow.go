package onetap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"checkoutcore/internal/checkout/amount"
	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/checkout/esc"
	"checkoutcore/internal/checkout/flow"
	"checkoutcore/internal/checkout/hooks"
	"checkoutcore/internal/checkout/payment"
	"checkoutcore/internal/checkout/service"
	"checkoutcore/internal/checkout/snapshot"
)

var (
	// ErrNoSearch is returned by New when the session has no init search.
	ErrNoSearch = errors.New("onetap: no init search")
	// ErrSelectionMismatch is shown on review when the confirmed payment
	// data is not for the selected option.
	ErrSelectionMismatch = errors.New("onetap: payment data is not for the selected option")
)

// Outcome says how a one-tap run ended.
type Outcome string

const (
	// OutcomePaid means the payment flow produced a result.
	OutcomePaid Outcome = "paid"
	// OutcomeNewPaymentSelection means the payer wants another method.
	OutcomeNewPaymentSelection Outcome = "new_payment_selection"
	// OutcomeRefreshInit means init must run again for a new card.
	OutcomeRefreshInit Outcome = "refresh_init"
	// OutcomeIncomplete means the selection cannot be paid as is.
	OutcomeIncomplete Outcome = "incomplete"
)

// Result is the outcome of a one-tap run.
type Result struct {
	Outcome           Outcome             `json:"outcome"`
	Payment           *payment.Result     `json:"payment,omitempty"`
	PaymentData       *domain.PaymentData `json:"payment_data,omitempty"`
	SplitAccountMoney *domain.PaymentData `json:"split_account_money,omitempty"`
	CardID            string              `json:"card_id,omitempty"`
}

// ReviewActionKind is what the payer did on the review screen.
type ReviewActionKind string

const (
	ActionConfirm             ReviewActionKind = "confirm"
	ActionChangePaymentMethod ReviewActionKind = "change_payment_method"
	ActionRefreshInit         ReviewActionKind = "refresh_init"
	ActionExit                ReviewActionKind = "exit"
)

// ReviewRequest is what the review screen shows.
type ReviewRequest struct {
	Preference  *domain.CheckoutPreference `json:"preference"`
	Search      *domain.InitSearch         `json:"search"`
	Selected    domain.PaymentOption       `json:"selected"`
	PaymentData *domain.PaymentData        `json:"payment_data"`
	Amount      amount.Breakdown           `json:"amount"`
	// Error is the failure of the previous payment attempt.
	Error string `json:"error,omitempty"`
}

// ReviewAction is the payer's answer to a review.
type ReviewAction struct {
	Kind ReviewActionKind `json:"kind"`
	// Option replaces the selected option on confirm.
	Option *domain.PaymentOption `json:"option,omitempty"`
	// PaymentData replaces the payment data on confirm.
	PaymentData  *domain.PaymentData `json:"payment_data,omitempty"`
	SplitEnabled bool                `json:"split_enabled,omitempty"`
	// CardID is the card to refresh init for.
	CardID string `json:"card_id,omitempty"`
}

// SecurityCodeReason says why the code is asked for.
type SecurityCodeReason string

const (
	ReasonSavedCard  SecurityCodeReason = "saved_card"
	ReasonInvalidESC SecurityCodeReason = "invalid_esc"
)

// SecurityCodeRequest is what the security code screen shows.
type SecurityCodeRequest struct {
	Card          domain.CardInformation `json:"card"`
	PaymentMethod domain.PaymentMethod   `json:"payment_method"`
	Reason        SecurityCodeReason     `json:"reason"`
}

// Navigator shows the screens of the express flow. Returning an error
// wrapping flow.ErrCanceled cancels the flow.
type Navigator interface {
	payment.Navigator
	Review(ctx context.Context, req ReviewRequest) (ReviewAction, error)
	SecurityCode(ctx context.Context, req SecurityCodeRequest) (string, error)
	ShowHook(ctx context.Context, h hooks.Hook, c hooks.Checkout) error
}

// ESC is the part of the ESC cache the flow uses.
type ESC interface {
	payment.ESCStore
	Enabled() bool
	Lookup(ctx context.Context, id esc.Identity) (string, bool)
}

// Params selects what the flow starts with.
type Params struct {
	Selected domain.PaymentOption
	// PaymentData is built from Selected when nil.
	PaymentData *domain.PaymentData
	Processor   payment.Processor
}

// Deps are the collaborators of the flow.
type Deps struct {
	Adapter   service.Adapter
	ESC       ESC
	Hooks     *hooks.Registry
	Holder    *snapshot.Holder
	Navigator Navigator
	Logger    *slog.Logger
}

// Flow runs one express checkout.
type Flow struct {
	model  *Model
	ctx    snapshot.Context
	deps   Deps
	proc   payment.Processor
	logger *slog.Logger
	engine *flow.Engine[Step, Result]

	pref   *domain.CheckoutPreference
	search *domain.InitSearch
	split  *domain.SplitConfiguration

	// child is the payment attempt in progress, kept across a failed
	// follow-up so it is resumed with its idempotency key.
	child *payment.Flow

	escCode      string
	securityCode string
	// remediated is set once an invalid ESC was handled for the current
	// confirmation.
	remediated bool
}

// New creates the flow for the selected option against the session's
// current search.
func New(sc snapshot.Context, p Params, deps Deps) (*Flow, error) {
	snap := deps.Holder.Load()
	if snap == nil || snap.Search == nil {
		return nil, ErrNoSearch
	}
	pref := snap.Preference
	if pref == nil {
		pref = sc.Preference
	}

	pd := p.PaymentData.Clone()
	if pd == nil {
		pd = paymentDataFor(snap.Search, p.Selected)
	}

	f := &Flow{
		model: &Model{
			Selected:    p.Selected,
			PaymentData: pd,
		},
		ctx:    sc,
		deps:   deps,
		proc:   p.Processor,
		logger: deps.Logger.With("component", "onetap"),
		pref:   pref,
		search: snap.Search,
	}
	f.model.updateWithPayerCost(preselectedPayerCost(snap.Search))

	f.engine = flow.NewEngine("onetap", flow.Model[Step](f), map[Step]flow.Handler[Step, Result]{
		StepHookBeforeConfig:  f.hook(hooks.BeforePaymentMethodConfig),
		StepReviewAndConfirm:  f.review,
		StepHookAfterConfig:   f.hook(hooks.AfterPaymentMethodConfig),
		StepSecurityCode:      f.askSecurityCode,
		StepCreateESCToken:    f.createESCToken,
		StepHookBeforePayment: f.hook(hooks.BeforePayment),
		StepPayment:           f.pay,
		StepFinish:            f.finish,
	}, deps.Logger)
	return f, nil
}

// NextStep implements flow.Model.
func (f *Flow) NextStep() Step { return f.model.NextStep() }

// Commit implements flow.Model.
func (f *Flow) Commit(step Step) { f.model.Commit(step) }

// Failed reports whether the current step failed.
func (f *Flow) Failed() bool { return f.model.Failed() }

// Current returns the current step.
func (f *Flow) Current() Step { return f.model.Current() }

// Refresh snapshots the cached ESC and the pending hooks.
func (f *Flow) Refresh(ctx context.Context) error {
	f.escCode = ""
	f.model.HasSavedESC = false
	if card := f.model.Selected.Card; card != nil && f.deps.ESC != nil {
		id := esc.Identity{CardID: card.CardID, FirstSix: card.FirstSixDigits, LastFour: card.LastFourDigits}
		if code, ok := f.deps.ESC.Lookup(ctx, id); ok {
			f.escCode = code
			f.model.HasSavedESC = true
		}
	}

	active := make(map[hooks.Point]bool, len(hooks.Points))
	if f.deps.Hooks != nil {
		for _, p := range hooks.Points {
			_, active[p] = f.deps.Hooks.Active(p)
		}
	}
	f.model.ActiveHooks = active
	return nil
}

// Model exposes the flow state.
func (f *Flow) Model() *Model { return f.model }

// NeedsSecurityCode reports whether paying now would ask for the code.
func (f *Flow) NeedsSecurityCode(ctx context.Context) bool {
	m := *f.model
	m.ReadyToPay = true
	if f.deps.ESC != nil && m.Selected.Card != nil {
		card := m.Selected.Card
		_, m.HasSavedESC = f.deps.ESC.Lookup(ctx, esc.Identity{CardID: card.CardID, FirstSix: card.FirstSixDigits, LastFour: card.LastFourDigits})
	}
	return m.needSecurityCode()
}

// Run executes the flow.
func (f *Flow) Run(ctx context.Context, cb flow.Callbacks[Result]) (Result, error) {
	return f.engine.Run(ctx, cb)
}

// Cancel drops the express option from the session and stops the flow.
func (f *Flow) Cancel() {
	f.dropDefaultOption()
	f.engine.Cancel()
}

func (f *Flow) dropDefaultOption() {
	if f.deps.Holder != nil {
		f.deps.Holder.UpdateSearch((*domain.InitSearch).WithoutDefaultOption)
	}
}

func (f *Flow) checkout() hooks.Checkout {
	return hooks.Checkout{Preference: f.pref, PaymentData: f.model.PaymentData.Clone()}
}

func (f *Flow) discount() *domain.DiscountConfiguration {
	return f.search.DiscountFor(f.model.Selected.ID)
}

func (f *Flow) hook(p hooks.Point) flow.Handler[Step, Result] {
	return func(ctx context.Context, _ Step) (flow.Transition[Result], error) {
		h, ok := f.deps.Hooks.Active(p)
		if !ok {
			return flow.Continue[Result](), nil
		}
		c := f.checkout()
		if h.Skips(c) {
			f.deps.Hooks.Dismiss(p)
			return flow.Continue[Result](), nil
		}
		if fn, ok := h.DidReceive.Get(); ok {
			fn(c)
		}
		if err := f.deps.Navigator.ShowHook(ctx, h, c); err != nil {
			if errors.Is(err, flow.ErrCanceled) {
				return f.cancel(), nil
			}
			f.model.Fail()
			return flow.Transition[Result]{}, fmt.Errorf("hook %s: %w", h.ID, err)
		}
		f.deps.Hooks.Dismiss(p)
		return flow.Continue[Result](), nil
	}
}

func (f *Flow) review(ctx context.Context, _ Step) (flow.Transition[Result], error) {
	req := ReviewRequest{
		Preference:  f.pref,
		Search:      f.search,
		Selected:    f.model.Selected,
		PaymentData: f.model.PaymentData.Clone(),
	}
	if b, err := amount.Compute(amount.Input{
		Preference:  f.pref,
		PaymentData: f.model.PaymentData,
		ChargeRules: f.ctx.ChargeRules,
		Discount:    f.discount(),
	}); err == nil {
		req.Amount = b
	} else {
		f.logger.Warn("computing review amount failed", "error", err)
	}
	if f.model.PaymentErr != nil {
		req.Error = f.model.PaymentErr.Error()
	}

	action, err := f.deps.Navigator.Review(ctx, req)
	if err != nil {
		if errors.Is(err, flow.ErrCanceled) {
			return f.cancel(), nil
		}
		f.model.Fail()
		return flow.Transition[Result]{}, fmt.Errorf("review: %w", err)
	}

	switch action.Kind {
	case ActionConfirm:
		f.model.PaymentErr = nil
		f.remediated = false
		if action.Option != nil {
			f.selectOption(*action.Option)
		}
		pd := f.model.PaymentData
		if action.PaymentData != nil {
			reviewed, err := f.reviewedData(action.PaymentData)
			if err != nil {
				f.logger.Warn("review data refused", "error", err)
				f.model.PaymentErr = err
				return flow.Continue[Result](), nil
			}
			pd = reviewed
		}
		f.confirm(pd, action.SplitEnabled)
		return flow.Continue[Result](), nil
	case ActionChangePaymentMethod:
		f.dropDefaultOption()
		return flow.Finish(Result{Outcome: OutcomeNewPaymentSelection}), nil
	case ActionRefreshInit:
		return flow.Finish(Result{Outcome: OutcomeRefreshInit, CardID: action.CardID}), nil
	case ActionExit:
		return f.cancel(), nil
	}
	return flow.Abort[Result](fmt.Errorf("review: unknown action %q", action.Kind)), nil
}

// selectOption switches to another saved card, account money or credits.
// Anything else is ignored.
func (f *Flow) selectOption(o domain.PaymentOption) {
	if o.ID == f.model.Selected.ID {
		return
	}
	switch {
	case o.Card != nil:
		saved, ok := f.search.CustomOption(o.ID)
		if !ok {
			return
		}
		o = saved
	case o.ID == domain.OptionAccountMoney, o.ID == domain.OptionConsumerCredits:
	default:
		return
	}
	f.model.Selected = o
	f.model.PaymentData = paymentDataFor(f.search, o)
	if node, ok := f.search.ExpressNode(o.ID); ok && node.Card != nil {
		f.model.updateWithPayerCost(f.search.Configuration(node.Card.CardID).SelectedPayerCost())
	}
}

// reviewedData accepts payment data edited on the review screen for the
// selected option only. Tokens are never taken from the client; the
// payment method comes from the search.
func (f *Flow) reviewedData(in *domain.PaymentData) (*domain.PaymentData, error) {
	pd := in.Clone()
	pd.CleanToken()

	sel := f.model.Selected
	if pd.PaymentMethod == nil || pd.PaymentMethod.ID != sel.PaymentMethodID {
		return nil, fmt.Errorf("%w: payment method does not match %q", ErrSelectionMismatch, sel.ID)
	}
	if pm, ok := f.search.PaymentMethod(sel.PaymentMethodID); ok {
		pd.PaymentMethod = &pm
	}
	if sel.Customer {
		pd.CustomerOptionID = sel.ID
	} else {
		pd.CustomerOptionID = ""
	}
	return pd, nil
}

// confirm takes the reviewed payment data and, with split on, builds the
// account money leg from the option's split configuration.
func (f *Flow) confirm(pd *domain.PaymentData, splitEnabled bool) {
	f.model.PaymentData = pd
	f.model.SplitAccountMoney = nil
	f.split = nil

	if splitEnabled {
		cfg := f.search.Configuration(f.model.Selected.ID)
		if cfg != nil && cfg.Split != nil {
			primary := cfg.Split.Primary.Amount
			pd.TransactionAmount = &primary

			if am, ok := f.search.PaymentMethod(cfg.Split.Secondary.PaymentMethodID); ok {
				secondary := cfg.Split.Secondary.Amount
				sam := &domain.PaymentData{}
				sam.UpdateWithPaymentMethod(&am)
				sam.TransactionAmount = &secondary

				if dc := f.discount(); dc != nil && dc.Campaign != nil {
					if d := cfg.Split.Primary.Discount; d != nil {
						pd.SetDiscount(d, dc.Campaign, dc.NotAvailable)
					}
					if d := cfg.Split.Secondary.Discount; d != nil {
						sam.SetDiscount(d, dc.Campaign, dc.NotAvailable)
					}
				}
				f.model.SplitAccountMoney = sam
				f.split = cfg.Split
			}
		}
	}
	f.model.ReadyToPay = true
}

func (f *Flow) askSecurityCode(ctx context.Context, _ Step) (flow.Transition[Result], error) {
	card := f.model.Selected.Card
	if card == nil {
		return flow.Abort[Result](errors.New("onetap: security code for an option without card")), nil
	}

	if f.securityCode == "" {
		reason := ReasonSavedCard
		if f.model.InvalidESC {
			reason = ReasonInvalidESC
		}
		code, err := f.deps.Navigator.SecurityCode(ctx, SecurityCodeRequest{
			Card:          *card,
			PaymentMethod: *f.model.PaymentData.PaymentMethod,
			Reason:        reason,
		})
		if err != nil {
			if errors.Is(err, flow.ErrCanceled) {
				return f.cancel(), nil
			}
			f.model.Fail()
			return flow.Transition[Result]{}, fmt.Errorf("security code: %w", err)
		}
		f.securityCode = code
	}

	tok, err := f.deps.Adapter.CreateSavedCardToken(ctx, service.SavedCardTokenRequest{
		CardID:       card.CardID,
		SecurityCode: f.securityCode,
		RequireESC:   f.escEnabled(),
	})
	if err != nil {
		// The typed code is kept for the retry.
		f.model.Fail()
		return flow.Transition[Result]{}, fmt.Errorf("creating card token: %w", err)
	}
	f.securityCode = ""
	f.attachToken(tok)
	return flow.Continue[Result](), nil
}

func (f *Flow) createESCToken(ctx context.Context, _ Step) (flow.Transition[Result], error) {
	card := f.model.Selected.Card
	tok, err := f.deps.Adapter.CreateSavedCardToken(ctx, service.SavedCardTokenRequest{
		CardID:     card.CardID,
		ESC:        f.escCode,
		RequireESC: true,
	})
	if err != nil {
		if service.HasCause(err, service.CauseInvalidESC) || service.HasCause(err, service.CauseInvalidFingerprint) {
			f.logger.Info("cached esc rejected", "card", maskCard(card.LastFourDigits))
			f.forgetESC(ctx, esc.Identity{CardID: card.CardID, FirstSix: card.FirstSixDigits, LastFour: card.LastFourDigits})
			f.model.InvalidESC = true
			return flow.Continue[Result](), nil
		}
		f.model.Fail()
		return flow.Transition[Result]{}, fmt.Errorf("creating esc token: %w", err)
	}
	f.attachToken(tok)
	return flow.Continue[Result](), nil
}

// attachToken fills the card digits the saved-card token may omit, so the
// payment result can key the ESC by either form.
func (f *Flow) attachToken(tok *domain.Token) {
	if card := f.model.Selected.Card; card != nil {
		if tok.CardID == "" {
			tok.CardID = card.CardID
		}
		if tok.FirstSixDigits == "" {
			tok.FirstSixDigits = card.FirstSixDigits
		}
		if tok.LastFourDigits == "" {
			tok.LastFourDigits = card.LastFourDigits
		}
	}
	f.model.PaymentData.UpdateWithToken(tok)
}

func (f *Flow) pay(ctx context.Context, _ Step) (flow.Transition[Result], error) {
	child := f.child
	if child == nil {
		child = f.newPayment()
		f.child = child
		f.model.InvalidESC = false
	}

	res, err := child.Run(ctx)
	if err == nil {
		f.child = nil
		f.model.Payment = &res
		return flow.Continue[Result](), nil
	}
	if child.Paid() {
		// The payment exists and only its follow-up failed: resume the same
		// attempt, never review and pay again.
		if child.Resumable() && !errors.Is(err, flow.ErrCanceled) {
			f.model.Fail()
			return flow.Transition[Result]{}, fmt.Errorf("payment follow-up: %w", err)
		}
		return flow.Abort[Result](err), nil
	}
	f.child = nil

	switch {
	case errors.Is(err, flow.ErrCanceled):
		return flow.Abort[Result](err), nil
	case errors.Is(err, payment.ErrInvalidESC) && !f.remediated:
		f.remediated = true
		f.escError(ctx)
		return flow.Continue[Result](), nil
	case errors.Is(err, payment.ErrInvalidIdentification):
		f.logger.Warn("payer identification rejected", "error", err)
	default:
		f.logger.Warn("payment failed", "error", err)
	}
	// A token is spent by the attempt; a new one is made after review.
	f.model.PaymentData.CleanToken()
	f.model.ReadyToPay = false
	f.model.PaymentErr = err
	return flow.Continue[Result](), nil
}

// newPayment builds the child attempt on a clone of the reviewed data.
func (f *Flow) newPayment() *payment.Flow {
	params := payment.Params{
		Preference:  f.pref,
		PaymentData: f.model.PaymentData.Clone(),
		ChargeRules: f.ctx.ChargeRules,
		Discount:    f.discount(),
		ProductID:   f.ctx.Advanced.ProductID,
		PlatformID:  f.ctx.Advanced.PlatformID,
		Processor:   f.proc,
		Navigator:   f.deps.Navigator,
	}
	if f.model.SplitAccountMoney != nil {
		params.SplitAccountMoney = f.model.SplitAccountMoney.Clone()
		params.Split = f.split
	}

	var escStore payment.ESCStore
	if f.deps.ESC != nil {
		escStore = f.deps.ESC
	}
	return payment.New(params, f.deps.Adapter, escStore, f.deps.Logger)
}

// escError forgets the code the payment was made with and asks for the
// security code instead.
func (f *Flow) escError(ctx context.Context) {
	pd := f.model.PaymentData
	f.model.ReadyToPay = true
	f.model.InvalidESC = true
	if tok := pd.Token; tok != nil {
		f.forgetESC(ctx, esc.Identity{CardID: tok.CardID, FirstSix: tok.FirstSixDigits, LastFour: tok.LastFourDigits})
	}
	pd.CleanToken()
}

func (f *Flow) forgetESC(ctx context.Context, id esc.Identity) {
	if f.deps.ESC == nil || id.IsZero() {
		return
	}
	if err := f.deps.ESC.Delete(ctx, id); err != nil {
		f.logger.Warn("deleting esc failed", "card", maskCard(id.LastFour), "error", err)
	}
}

func (f *Flow) escEnabled() bool {
	return f.deps.ESC != nil && f.deps.ESC.Enabled()
}

func (f *Flow) cancel() flow.Transition[Result] {
	f.dropDefaultOption()
	return flow.Abort[Result](flow.ErrCanceled)
}

func (f *Flow) finish(_ context.Context, _ Step) (flow.Transition[Result], error) {
	if p := f.model.Payment; p != nil {
		return flow.Finish(Result{
			Outcome:           OutcomePaid,
			Payment:           p,
			PaymentData:       f.model.PaymentData,
			SplitAccountMoney: f.model.SplitAccountMoney,
		}), nil
	}
	return flow.Finish(Result{
		Outcome:           OutcomeIncomplete,
		PaymentData:       f.model.PaymentData,
		SplitAccountMoney: f.model.SplitAccountMoney,
	}), nil
}

func maskCard(lastFour string) string {
	if lastFour == "" {
		return ""
	}
	return "****" + lastFour
}
