// Package domain holds the checkout data model shared by every flow.
package domain

import (
	"slices"

	"checkoutcore/internal/common/money"
)

// PaymentTypeID identifies a family of payment methods.
type PaymentTypeID string

const (
	TypeCreditCard      PaymentTypeID = "credit_card"
	TypeDebitCard       PaymentTypeID = "debit_card"
	TypePrepaidCard     PaymentTypeID = "prepaid_card"
	TypeAccountMoney    PaymentTypeID = "account_money"
	TypeConsumerCredits PaymentTypeID = "consumer_credits"
	TypeDigitalCurrency PaymentTypeID = "digital_currency"
	TypeTicket          PaymentTypeID = "ticket"
	TypeATM             PaymentTypeID = "atm"
	TypeBankTransfer    PaymentTypeID = "bank_transfer"
)

// Option ids used for non-card customer options.
const (
	OptionAccountMoney    = "account_money"
	OptionConsumerCredits = "consumer_credits"
)

// IsCard reports whether the type is a card family.
func (t PaymentTypeID) IsCard() bool {
	switch t {
	case TypeCreditCard, TypeDebitCard, TypePrepaidCard:
		return true
	}
	return false
}

// IsOnline reports whether payments of this type settle immediately.
// Offline types produce instructions instead.
func (t PaymentTypeID) IsOnline() bool {
	switch t {
	case TypeCreditCard, TypeDebitCard, TypePrepaidCard,
		TypeAccountMoney, TypeConsumerCredits, TypeDigitalCurrency:
		return true
	}
	return false
}

// Additional info keys a payment method may require.
const (
	InfoIdentificationNumber = "cardholder_identification_number"
	InfoIdentificationType   = "cardholder_identification_type"
	InfoIssuerID             = "issuer_id"
	InfoPayerIdentification  = "identification"
)

// PaymentMethod describes a payment method offered by the backend
type PaymentMethod struct {
	ID                   string        `json:"id"`
	Name                 string        `json:"name"`
	PaymentTypeID        PaymentTypeID `json:"payment_type_id"`
	Status               string        `json:"status,omitempty"`
	AdditionalInfoNeeded []string      `json:"additional_info_needed,omitempty"`
	SecurityCodeLength   int           `json:"security_code_length,omitempty"`
}

// IsCard reports whether the method is a card
func (p PaymentMethod) IsCard() bool { return p.PaymentTypeID.IsCard() }

// IsCreditCard reports whether the method needs installments
func (p PaymentMethod) IsCreditCard() bool { return p.PaymentTypeID == TypeCreditCard }

// IsAccountMoney reports whether the method is the account balance
func (p PaymentMethod) IsAccountMoney() bool { return p.PaymentTypeID == TypeAccountMoney }

// IsOnline reports whether the method settles immediately
func (p PaymentMethod) IsOnline() bool { return p.PaymentTypeID.IsOnline() }

// IsIdentificationRequired reports whether the card form must collect a document number
func (p PaymentMethod) IsIdentificationRequired() bool {
	return slices.Contains(p.AdditionalInfoNeeded, InfoIdentificationNumber)
}

// IsIdentificationTypeRequired reports whether the card form must collect a document type
func (p PaymentMethod) IsIdentificationTypeRequired() bool {
	return slices.Contains(p.AdditionalInfoNeeded, InfoIdentificationType)
}

// IsIssuerRequired reports whether an issuer must be chosen
func (p PaymentMethod) IsIssuerRequired() bool {
	return slices.Contains(p.AdditionalInfoNeeded, InfoIssuerID)
}

// IsPayerInfoRequired reports whether payer identification is required
func (p PaymentMethod) IsPayerInfoRequired() bool {
	return slices.Contains(p.AdditionalInfoNeeded, InfoPayerIdentification)
}

// Issuer is a card issuing bank
type Issuer struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// PayerCost is an installment plan option
type PayerCost struct {
	Installments      int         `json:"installments"`
	InstallmentRate   int64       `json:"installment_rate_bps"`
	InstallmentAmount money.Money `json:"installment_amount"`
	TotalAmount       money.Money `json:"total_amount"`
	Labels            []string    `json:"labels,omitempty"`
}

// IdentificationType is a supported identity document kind
type IdentificationType struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	MinLength int    `json:"min_length"`
	MaxLength int    `json:"max_length"`
}

// Identification is a payer identity document
type Identification struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

// Payer identifies who pays
type Payer struct {
	ID             string          `json:"id,omitempty"`
	Email          string          `json:"email,omitempty"`
	FirstName      string          `json:"first_name,omitempty"`
	LastName       string          `json:"last_name,omitempty"`
	Identification *Identification `json:"identification,omitempty"`
}

// Clone returns a deep copy
func (p *Payer) Clone() *Payer {
	if p == nil {
		return nil
	}
	c := *p
	if p.Identification != nil {
		id := *p.Identification
		c.Identification = &id
	}
	return &c
}
