// Package addcard associates a new card with the payer's account outside
// of a payment.
package addcard

import (
	"slices"

	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/checkout/flow"
)

// Step is an add-card flow step.
type Step string

const (
	StepStart                   Step = "start"
	StepGetPaymentMethods       Step = "get_payment_methods"
	StepGetIdentificationTypes  Step = "get_identification_types"
	StepOpenCardForm            Step = "open_card_form"
	StepOpenIdentificationTypes Step = "open_identification_types"
	StepCreateToken             Step = "create_token"
	StepAssociateToken          Step = "associate_token"
	StepShowCongrats            Step = "show_congrats"
	StepFinish                  Step = "finish"
)

var stepOrder = []Step{
	StepStart,
	StepGetPaymentMethods,
	StepGetIdentificationTypes,
	StepOpenCardForm,
	StepOpenIdentificationTypes,
	StepCreateToken,
	StepAssociateToken,
	StepShowCongrats,
	StepFinish,
}

// Model is the add-card flow state.
type Model struct {
	flow.State[Step]

	PaymentMethods      []domain.PaymentMethod
	IdentificationTypes []domain.IdentificationType
	CardToken           *domain.CardToken
	PaymentMethod       *domain.PaymentMethod
	Token               *domain.Token
	Card                *domain.CardInformation
	SkipCongrats        bool

	// History lists the committed steps in order.
	History []Step

	resume Step
}

// NextStep decides the next step. The steps run in a fixed order; only the
// identification screen is optional and repeats until a type is chosen.
func (m *Model) NextStep() Step {
	if m.LastStepFailed {
		return m.Step
	}
	if m.resume != "" {
		return m.resume
	}
	switch m.Step {
	case "":
		return StepStart
	case StepStart:
		return StepGetPaymentMethods
	case StepGetPaymentMethods:
		return StepGetIdentificationTypes
	case StepGetIdentificationTypes:
		return StepOpenCardForm
	case StepOpenCardForm:
		if m.needsIdentification() {
			return StepOpenIdentificationTypes
		}
		return StepCreateToken
	case StepOpenIdentificationTypes:
		if m.hasIdentificationType() {
			return StepCreateToken
		}
		return StepOpenIdentificationTypes
	case StepCreateToken:
		return StepAssociateToken
	case StepAssociateToken:
		if m.SkipCongrats {
			return StepFinish
		}
		return StepShowCongrats
	}
	return StepFinish
}

// Commit records step and consumes a pending rewind.
func (m *Model) Commit(step Step) {
	m.State.Commit(step)
	m.History = append(m.History, step)
	m.resume = ""
}

func (m *Model) needsIdentification() bool {
	pm := m.PaymentMethod
	if pm == nil || len(m.IdentificationTypes) == 0 {
		return false
	}
	return pm.IsIdentificationTypeRequired() || pm.IsIdentificationRequired()
}

func (m *Model) hasIdentificationType() bool {
	return m.CardToken != nil && m.CardToken.Identification != nil && m.CardToken.Identification.Type != ""
}

// Reset drops the card entered so far. When the card form was already
// passed the flow goes back to it and Reset reports true.
func (m *Model) Reset() bool {
	m.CardToken = nil
	m.PaymentMethod = nil
	m.Token = nil
	m.LastStepFailed = false

	if slices.Index(stepOrder, m.Step) > slices.Index(stepOrder, StepOpenCardForm) {
		m.resume = StepOpenCardForm
		return true
	}
	return false
}

// supportedIdentificationTypes are the types the identification screen can
// validate.
func (m *Model) supportedIdentificationTypes() []domain.IdentificationType {
	return slices.DeleteFunc(slices.Clone(m.IdentificationTypes), func(t domain.IdentificationType) bool {
		return t.ID == "" || t.MaxLength <= 0
	})
}
