// Package payment executes a payment for a completed PaymentData, either
// through an integrator processor or through the backend, and collects
// the follow-up information shown with the result.
package payment

import (
	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/checkout/flow"
)

// Step is a payment flow step.
type Step string

const (
	StepCreatePaymentPlugin       Step = "create_payment_plugin"
	StepCreatePaymentPluginScreen Step = "create_payment_plugin_screen"
	StepCreateDefaultPayment      Step = "create_default_payment"
	StepGetPointsAndDiscounts     Step = "get_points_and_discounts"
	StepGetInstructions           Step = "get_instructions"
	StepFinish                    Step = "finish"
)

// Model is the payment flow state.
type Model struct {
	flow.State[Step]

	PaymentData       *domain.PaymentData
	SplitAccountMoney *domain.PaymentData

	HasProcessor       bool
	ProcessorHasScreen bool
	ProcessorSupports  bool

	PaymentResult      *domain.PaymentResult
	BusinessResult     *domain.BusinessResult
	Instructions       []domain.Instructions
	PointsAndDiscounts *domain.PointsAndDiscounts

	// ShouldSearchPoints is cleared before the points call, so a failed
	// lookup is never repeated.
	ShouldSearchPoints bool
}

// NextStep decides the next step from the model fields.
func (m *Model) NextStep() Step {
	if m.LastStepFailed {
		return m.Step
	}
	switch {
	case m.needProcessorPayment():
		return StepCreatePaymentPlugin
	case m.needProcessorScreen():
		return StepCreatePaymentPluginScreen
	case m.needPayment():
		return StepCreateDefaultPayment
	case m.needPointsAndDiscounts():
		return StepGetPointsAndDiscounts
	case m.needInstructions():
		return StepGetInstructions
	}
	return StepFinish
}

func (m *Model) needPayment() bool {
	return m.PaymentResult == nil && m.BusinessResult == nil
}

func (m *Model) needProcessorPayment() bool {
	return m.HasProcessor && m.needPayment() && !m.ProcessorHasScreen && m.ProcessorSupports
}

func (m *Model) needProcessorScreen() bool {
	return m.HasProcessor && m.needPayment() && m.ProcessorHasScreen
}

func (m *Model) needPointsAndDiscounts() bool {
	if !m.ShouldSearchPoints {
		return false
	}
	if m.PaymentResult != nil {
		return m.PaymentResult.IsApproved() || m.needInstructions()
	}
	return m.BusinessResult != nil && m.BusinessResult.Approved
}

func (m *Model) needInstructions() bool {
	if m.PaymentResult == nil || m.PaymentResult.PaymentID == "" {
		return false
	}
	return m.isOffline() && m.Instructions == nil
}

func (m *Model) isOffline() bool {
	if m.PaymentData == nil || m.PaymentData.PaymentMethod == nil {
		return false
	}
	return !m.PaymentData.PaymentMethod.IsOnline()
}

// Clean drops the outcome so the payment can be attempted again.
func (m *Model) Clean() {
	m.PaymentResult = nil
	m.BusinessResult = nil
	m.Instructions = nil
}
