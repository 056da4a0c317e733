// Package onetap runs the express checkout: a single preselected payment
// option that the payer reviews and confirms before paying.
package onetap

import (
	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/checkout/flow"
	"checkoutcore/internal/checkout/hooks"
	"checkoutcore/internal/checkout/payment"
)

// Step is a one-tap flow step.
type Step string

const (
	StepHookBeforeConfig  Step = "hook_before_config"
	StepReviewAndConfirm  Step = "review_and_confirm"
	StepHookAfterConfig   Step = "hook_after_config"
	StepSecurityCode      Step = "security_code"
	StepCreateESCToken    Step = "create_esc_token"
	StepHookBeforePayment Step = "hook_before_payment"
	StepPayment           Step = "payment"
	StepFinish            Step = "finish"
)

// Model is the one-tap flow state.
type Model struct {
	flow.State[Step]

	Selected          domain.PaymentOption
	PaymentData       *domain.PaymentData
	SplitAccountMoney *domain.PaymentData

	ReadyToPay bool
	InvalidESC bool

	Payment *payment.Result
	// PaymentErr is the last payment failure, shown on the next review.
	PaymentErr error

	// Snapshots taken by Refresh before every decision.
	HasSavedESC bool
	ActiveHooks map[hooks.Point]bool
}

// NextStep decides the next step from the model fields.
func (m *Model) NextStep() Step {
	if m.LastStepFailed {
		return m.Step
	}
	switch {
	case m.ActiveHooks[hooks.BeforePaymentMethodConfig]:
		return StepHookBeforeConfig
	case m.needReview():
		return StepReviewAndConfirm
	case m.ReadyToPay && m.ActiveHooks[hooks.AfterPaymentMethodConfig]:
		return StepHookAfterConfig
	case m.needSecurityCode():
		return StepSecurityCode
	case m.needCreateESCToken():
		return StepCreateESCToken
	case m.needPayment() && m.ActiveHooks[hooks.BeforePayment]:
		return StepHookBeforePayment
	case m.needPayment():
		return StepPayment
	}
	return StepFinish
}

func (m *Model) needReview() bool {
	return !m.ReadyToPay && m.PaymentData.IsComplete(false)
}

func (m *Model) needSecurityCode() bool {
	pd := m.PaymentData
	if !pd.HasPaymentMethod() || !m.ReadyToPay {
		return false
	}
	usableESC := m.HasSavedESC && !m.InvalidESC
	return m.Selected.IsCustomerCard() && !pd.HasToken() && pd.HasInstallmentsIfNeeded() && !usableESC
}

// needCreateESCToken never holds once the cached code was rejected, so a
// store that fails to forget it cannot loop the flow.
func (m *Model) needCreateESCToken() bool {
	pd := m.PaymentData
	if !pd.HasPaymentMethod() || m.InvalidESC {
		return false
	}
	return !pd.HasToken() && pd.PaymentMethod.IsCard() && m.HasSavedESC && pd.HasInstallmentsIfNeeded()
}

func (m *Model) needPayment() bool {
	return m.ReadyToPay && m.PaymentData.IsComplete(false) && m.Payment == nil
}

// updateWithPayerCost applies a preselected payer cost to card and
// credits options only.
func (m *Model) updateWithPayerCost(pc *domain.PayerCost) {
	if pc == nil {
		return
	}
	if m.Selected.IsCard() || m.Selected.ID == domain.OptionConsumerCredits {
		m.PaymentData.UpdateWithPayerCost(pc)
	}
}
