package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"checkoutcore/internal/checkout/amount"
	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/checkout/esc"
	"checkoutcore/internal/checkout/flow"
	"checkoutcore/internal/checkout/hooks"
	"checkoutcore/internal/checkout/service"
)

var (
	// ErrInvalidESC means the cached code used for the token was rejected.
	ErrInvalidESC = errors.New("payment: invalid esc")
	// ErrInvalidIdentification means the payer's document was rejected.
	ErrInvalidIdentification = errors.New("payment: invalid identification")
	// ErrNoOutcome is returned when the flow ends without a result.
	ErrNoOutcome = errors.New("payment: flow ended without a result")
)

// ProcessorResult is what an integrator processor produces. Exactly one
// field is set.
type ProcessorResult struct {
	Payment  *domain.Payment
	Business *domain.BusinessResult
}

// Processor is an integrator-supplied payment processor.
type Processor interface {
	Supports(c hooks.Checkout) bool
	HasScreen(c hooks.Checkout) bool
	StartPayment(ctx context.Context, c hooks.Checkout) (ProcessorResult, error)
}

// Navigator shows the processor's own payment screen.
type Navigator interface {
	ShowProcessorScreen(ctx context.Context, c hooks.Checkout) (ProcessorResult, error)
}

// ESCStore is the part of the ESC cache the payment flow writes to.
type ESCStore interface {
	Save(ctx context.Context, id esc.Identity, code string) error
	Delete(ctx context.Context, id esc.Identity) error
}

// Params describes one payment attempt.
type Params struct {
	Preference        *domain.CheckoutPreference
	PaymentData       *domain.PaymentData
	SplitAccountMoney *domain.PaymentData
	Split             *domain.SplitConfiguration
	ChargeRules       []domain.ChargeRule
	Discount          *domain.DiscountConfiguration
	ProductID         string
	PlatformID        string
	Processor         Processor
	Navigator         Navigator
}

// Result is the outcome handed back to the owner of the flow.
type Result struct {
	PaymentResult      *domain.PaymentResult      `json:"payment_result,omitempty"`
	BusinessResult     *domain.BusinessResult     `json:"business_result,omitempty"`
	Instructions       []domain.Instructions      `json:"instructions,omitempty"`
	PointsAndDiscounts *domain.PointsAndDiscounts `json:"points_and_discounts,omitempty"`
	Amount             amount.Breakdown           `json:"amount"`
}

// Approved reports whether the payment was approved.
func (r Result) Approved() bool {
	if r.PaymentResult != nil {
		return r.PaymentResult.IsApproved()
	}
	return r.BusinessResult != nil && r.BusinessResult.Approved
}

// Flow runs one payment attempt.
type Flow struct {
	model   *Model
	params  Params
	adapter service.Adapter
	esc     ESCStore
	logger  *slog.Logger
	engine  *flow.Engine[Step, Result]

	idempotencyKey string
	breakdown      amount.Breakdown
}

// New creates a payment flow. The payment data is used as given; callers
// pass a clone.
func New(p Params, adapter service.Adapter, escStore ESCStore, logger *slog.Logger) *Flow {
	f := &Flow{
		model: &Model{
			PaymentData:        p.PaymentData,
			SplitAccountMoney:  p.SplitAccountMoney,
			HasProcessor:       p.Processor != nil,
			ShouldSearchPoints: true,
		},
		params:  p,
		adapter: adapter,
		esc:     escStore,
		logger:  logger.With("component", "payment"),
		// One key per attempt; automatic retries reuse it.
		idempotencyKey: uuid.NewString(),
	}
	f.engine = flow.NewEngine("payment", flow.Model[Step](f), map[Step]flow.Handler[Step, Result]{
		StepCreatePaymentPlugin:       f.createProcessorPayment,
		StepCreatePaymentPluginScreen: f.showProcessorScreen,
		StepCreateDefaultPayment:      f.createPayment,
		StepGetPointsAndDiscounts:     f.getPointsAndDiscounts,
		StepGetInstructions:           f.getInstructions,
		StepFinish:                    f.finish,
	}, logger)
	return f
}

// NextStep implements flow.Model.
func (f *Flow) NextStep() Step { return f.model.NextStep() }

// Commit implements flow.Model.
func (f *Flow) Commit(step Step) { f.model.Commit(step) }

// Failed reports whether the current step failed.
func (f *Flow) Failed() bool { return f.model.Failed() }

// Current returns the current step.
func (f *Flow) Current() Step { return f.model.Current() }

// Refresh snapshots what the processor says about the current checkout.
func (f *Flow) Refresh(_ context.Context) error {
	if f.params.Processor == nil {
		return nil
	}
	c := f.checkout()
	f.model.ProcessorHasScreen = f.params.Processor.HasScreen(c)
	f.model.ProcessorSupports = f.params.Processor.Supports(c)
	return nil
}

// Model exposes the flow state for inspection.
func (f *Flow) Model() *Model { return f.model }

// IdempotencyKey returns the key sent with payment creation.
func (f *Flow) IdempotencyKey() string { return f.idempotencyKey }

// Paid reports whether the attempt already holds a payment or business
// result. A paid attempt must be resumed, never replaced.
func (f *Flow) Paid() bool {
	return f.model.PaymentResult != nil || f.model.BusinessResult != nil
}

// Resumable reports whether Run may be called again after a failure.
func (f *Flow) Resumable() bool { return !f.engine.Completed() }

// Run executes the payment synchronously. After a retryable failure a new
// Run resumes at the failed step with the same idempotency key.
func (f *Flow) Run(ctx context.Context) (Result, error) {
	return f.engine.Run(ctx, flow.Callbacks[Result]{})
}

// Cancel stops the flow.
func (f *Flow) Cancel() { f.engine.Cancel() }

func (f *Flow) checkout() hooks.Checkout {
	return hooks.Checkout{Preference: f.params.Preference, PaymentData: f.model.PaymentData}
}

func (f *Flow) computeAmount() (amount.Breakdown, error) {
	in := amount.Input{
		Preference:  f.params.Preference,
		PaymentData: f.model.PaymentData,
		ChargeRules: f.params.ChargeRules,
		Discount:    f.params.Discount,
	}
	if f.model.SplitAccountMoney != nil {
		in.Split = f.params.Split
	}
	return amount.Compute(in)
}

func (f *Flow) createProcessorPayment(ctx context.Context, _ Step) (flow.Transition[Result], error) {
	res, err := f.params.Processor.StartPayment(ctx, f.checkout())
	if err != nil {
		f.model.Fail()
		return flow.Transition[Result]{}, fmt.Errorf("processor payment: %w", err)
	}
	return f.handleProcessorResult(ctx, res)
}

func (f *Flow) showProcessorScreen(ctx context.Context, _ Step) (flow.Transition[Result], error) {
	if f.params.Navigator == nil {
		return flow.Abort[Result](errors.New("payment: processor screen without navigator")), nil
	}
	res, err := f.params.Navigator.ShowProcessorScreen(ctx, f.checkout())
	if err != nil {
		f.model.Fail()
		return flow.Transition[Result]{}, fmt.Errorf("processor screen: %w", err)
	}
	return f.handleProcessorResult(ctx, res)
}

func (f *Flow) handleProcessorResult(ctx context.Context, res ProcessorResult) (flow.Transition[Result], error) {
	switch {
	case res.Business != nil:
		f.model.BusinessResult = res.Business
		f.handleESC(ctx, res.Business.PaymentStatus, res.Business.PaymentTypeID)
		return flow.Continue[Result](), nil
	case res.Payment != nil:
		return f.handlePayment(ctx, res.Payment)
	}
	return flow.Abort[Result](ErrNoOutcome), nil
}

func (f *Flow) createPayment(ctx context.Context, _ Step) (flow.Transition[Result], error) {
	if f.model.PaymentData == nil || !f.model.PaymentData.HasPaymentMethod() {
		return flow.Abort[Result](errors.New("payment: no payment method selected")), nil
	}
	b, err := f.computeAmount()
	if err != nil {
		return flow.Abort[Result](fmt.Errorf("computing amount: %w", err)), nil
	}
	f.breakdown = b

	req := f.paymentRequest(b)
	f.logger.Info("creating payment",
		"payment_method_id", req.Legs[0].PaymentMethodID,
		"amount", b.Total.String(),
		"split", b.IsSplit(),
	)

	p, err := f.adapter.CreatePayment(ctx, req)
	if err != nil {
		switch {
		case service.HasCause(err, service.CauseInvalidPaymentWithESC):
			return flow.Abort[Result](fmt.Errorf("%w: %w", ErrInvalidESC, err)), nil
		case service.HasCause(err, service.CauseInvalidPaymentIdentification):
			return flow.Abort[Result](fmt.Errorf("%w: %w", ErrInvalidIdentification, err)), nil
		}
		f.model.Fail()
		return flow.Transition[Result]{}, fmt.Errorf("creating payment: %w", err)
	}
	return f.handlePayment(ctx, p)
}

func (f *Flow) handlePayment(ctx context.Context, p *domain.Payment) (flow.Transition[Result], error) {
	if p.StatusDetail == domain.StatusDetailInvalidESC {
		return flow.Abort[Result](ErrInvalidESC), nil
	}
	f.handleESC(ctx, p.Status, p.PaymentTypeID)

	f.model.PaymentResult = &domain.PaymentResult{
		PaymentID:           p.ID,
		Status:              p.Status,
		StatusDetail:        p.StatusDetail,
		PaymentMethodID:     p.PaymentMethodID,
		PaymentTypeID:       p.PaymentTypeID,
		PayerEmail:          p.PayerEmail,
		StatementDescriptor: p.StatementDescriptor,
		PaymentData:         f.model.PaymentData,
		SplitAccountMoney:   f.model.SplitAccountMoney,
	}
	f.logger.Info("payment created", "payment_id", p.ID, "status", p.Status, "status_detail", p.StatusDetail)
	return flow.Continue[Result](), nil
}

// handleESC keeps the cache in line with the outcome: an approved payment
// proves the code, a rejected card payment invalidates it. A rejection
// that does not say which payment type failed leaves the cache alone.
func (f *Flow) handleESC(ctx context.Context, status domain.PaymentStatus, errorType domain.PaymentTypeID) {
	if f.esc == nil || f.model.PaymentData == nil || f.model.PaymentData.Token == nil {
		return
	}
	tok := f.model.PaymentData.Token
	id := esc.Identity{CardID: tok.CardID, FirstSix: tok.FirstSixDigits, LastFour: tok.LastFourDigits}
	if id.IsZero() {
		return
	}

	if status != domain.StatusApproved {
		if errorType == "" || !errorType.IsCard() {
			return
		}
		if err := f.esc.Delete(ctx, id); err != nil {
			f.logger.Warn("deleting esc failed", "card", maskCard(tok.LastFourDigits), "error", err)
		}
		return
	}
	if tok.ESC == "" {
		return
	}
	if err := f.esc.Save(ctx, id, tok.ESC); err != nil {
		f.logger.Warn("saving esc failed", "card", maskCard(tok.LastFourDigits), "error", err)
	}
}

func (f *Flow) paymentRequest(b amount.Breakdown) service.PaymentRequest {
	pd := f.model.PaymentData
	req := service.PaymentRequest{
		IdempotencyKey:    f.idempotencyKey,
		ProductID:         f.params.ProductID,
		Payer:             pd.Payer,
		TransactionAmount: b.Total,
		Legs:              []service.PaymentLeg{leg(pd, b.Primary)},
	}
	if f.params.Preference != nil {
		req.PreferenceID = f.params.Preference.ID
		if req.Payer == nil {
			req.Payer = f.params.Preference.Payer
		}
	}
	if b.Secondary != nil && f.model.SplitAccountMoney != nil {
		req.Legs = append(req.Legs, leg(f.model.SplitAccountMoney, *b.Secondary))
	}
	return req
}

func leg(pd *domain.PaymentData, l amount.Leg) service.PaymentLeg {
	out := service.PaymentLeg{
		PaymentMethodID: l.PaymentMethodID,
		Amount:          l.Amount,
		Discount:        l.Discount,
	}
	if pm := pd.PaymentMethod; pm != nil {
		out.PaymentMethodID = pm.ID
		out.PaymentTypeID = string(pm.PaymentTypeID)
	}
	if pd.Token != nil {
		out.TokenID = pd.Token.ID
	}
	if pd.Issuer != nil {
		out.IssuerID = pd.Issuer.ID
	}
	if pd.PayerCost != nil {
		out.Installments = pd.PayerCost.Installments
	}
	if l.Campaign != nil {
		out.CampaignID = l.Campaign.ID
	}
	if l.Discount != nil {
		coupon := l.DiscountAmount
		out.CouponAmount = &coupon
	}
	return out
}

func (f *Flow) getPointsAndDiscounts(ctx context.Context, _ Step) (flow.Transition[Result], error) {
	f.model.ShouldSearchPoints = false

	req := service.PointsRequest{PlatformID: f.params.PlatformID}
	switch {
	case f.model.PaymentResult != nil:
		if f.model.PaymentResult.PaymentID != "" {
			req.PaymentIDs = []string{f.model.PaymentResult.PaymentID}
		}
		req.PaymentMethodID = f.model.PaymentResult.PaymentMethodID
	case f.model.BusinessResult != nil:
		req.PaymentIDs = f.model.BusinessResult.PaymentIDs()
		req.PaymentMethodID = f.model.BusinessResult.PaymentMethodID
	}
	if f.params.Discount != nil && f.params.Discount.Campaign != nil {
		req.CampaignID = f.params.Discount.Campaign.ID
	}

	pd, err := f.adapter.GetPointsAndDiscounts(ctx, req)
	if err != nil {
		// Points are decorative; the result is shown without them.
		f.logger.Warn("points and discounts unavailable", "error", err)
		return flow.Continue[Result](), nil
	}
	f.model.PointsAndDiscounts = pd
	return flow.Continue[Result](), nil
}

func (f *Flow) getInstructions(ctx context.Context, _ Step) (flow.Transition[Result], error) {
	r := f.model.PaymentResult
	typeID := r.PaymentTypeID
	if f.model.PaymentData.PaymentMethod != nil {
		typeID = f.model.PaymentData.PaymentMethod.PaymentTypeID
	}

	ins, err := f.adapter.GetInstructions(ctx, r.PaymentID, typeID)
	if err != nil {
		f.model.Fail()
		return flow.Transition[Result]{}, fmt.Errorf("getting instructions: %w", err)
	}
	if ins == nil {
		ins = []domain.Instructions{}
	}
	f.model.Instructions = ins
	return flow.Continue[Result](), nil
}

func (f *Flow) finish(_ context.Context, _ Step) (flow.Transition[Result], error) {
	if f.model.PaymentResult == nil && f.model.BusinessResult == nil {
		return flow.Abort[Result](ErrNoOutcome), nil
	}
	return flow.Finish(Result{
		PaymentResult:      f.model.PaymentResult,
		BusinessResult:     f.model.BusinessResult,
		Instructions:       f.model.Instructions,
		PointsAndDiscounts: f.model.PointsAndDiscounts,
		Amount:             f.breakdown,
	}), nil
}

func maskCard(lastFour string) string {
	if lastFour == "" {
		return ""
	}
	return "****" + lastFour
}
