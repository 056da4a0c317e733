package domain

import (
	"slices"

	"checkoutcore/internal/common/money"
)

// CardInformation identifies a saved card
type CardInformation struct {
	CardID             string `json:"card_id"`
	FirstSixDigits     string `json:"first_six_digits"`
	LastFourDigits     string `json:"last_four_digits"`
	IssuerID           string `json:"issuer_id,omitempty"`
	SecurityCodeLength int    `json:"security_code_length,omitempty"`
}

// PaymentOption is a selectable payment option: a saved card, account money,
// consumer credits or an integrator plugin.
type PaymentOption struct {
	ID              string           `json:"id"`
	PaymentMethodID string           `json:"payment_method_id"`
	PaymentTypeID   PaymentTypeID    `json:"payment_type_id"`
	Description     string           `json:"description,omitempty"`
	Customer        bool             `json:"customer"`
	Plugin          bool             `json:"plugin,omitempty"`
	Card            *CardInformation `json:"card,omitempty"`
}

// IsCard reports whether the option is a saved card
func (o PaymentOption) IsCard() bool {
	return o.Card != nil && o.PaymentTypeID.IsCard()
}

// IsCustomerCard reports whether the option is one of the payer's saved cards
func (o PaymentOption) IsCustomerCard() bool {
	return o.Customer && o.ID != OptionAccountMoney && o.ID != OptionConsumerCredits
}

// OneTapCard is the card node of an express option
type OneTapCard struct {
	CardID            string     `json:"card_id"`
	SelectedPayerCost *PayerCost `json:"selected_payer_cost,omitempty"`
}

// AccountMoney is the balance node of an express option
type AccountMoney struct {
	AvailableBalance money.Money `json:"available_balance"`
	Invested         bool        `json:"invested"`
}

// OneTapItem is an express checkout candidate
type OneTapItem struct {
	PaymentMethodID string        `json:"payment_method_id"`
	PaymentTypeID   PaymentTypeID `json:"payment_type_id,omitempty"`
	Card            *OneTapCard   `json:"card,omitempty"`
	AccountMoney    *AccountMoney `json:"account_money,omitempty"`
}

// SplitLeg is one instrument of a split payment
type SplitLeg struct {
	PaymentMethodID string      `json:"payment_method_id"`
	Amount          money.Money `json:"amount"`
	Discount        *Discount   `json:"discount,omitempty"`
}

// SplitConfiguration describes how a payment can be split across the
// selected method and the account balance.
type SplitConfiguration struct {
	DefaultEnabled bool     `json:"default_enabled"`
	Primary        SplitLeg `json:"primary_payment_method"`
	Secondary      SplitLeg `json:"secondary_payment_method"`
}

// PaymentConfiguration holds the per-option amount and discount setup
type PaymentConfiguration struct {
	OptionID               string                 `json:"option_id"`
	PayerCosts             []PayerCost            `json:"payer_costs,omitempty"`
	SelectedPayerCostIndex int                    `json:"selected_payer_cost_index"`
	Split                  *SplitConfiguration    `json:"split,omitempty"`
	DiscountToken          string                 `json:"discount_token,omitempty"`
	Discount               *DiscountConfiguration `json:"discount_configuration,omitempty"`
}

// SelectedPayerCost returns the preselected installment plan, if any
func (c *PaymentConfiguration) SelectedPayerCost() *PayerCost {
	if c == nil || c.SelectedPayerCostIndex < 0 || c.SelectedPayerCostIndex >= len(c.PayerCosts) {
		return nil
	}
	pc := c.PayerCosts[c.SelectedPayerCostIndex]
	return &pc
}

// InitSearch is the immutable result of the init call. A new Init run
// replaces it entirely.
type InitSearch struct {
	Preference      *CheckoutPreference    `json:"preference,omitempty"`
	SiteID          string                 `json:"site_id"`
	Currency        money.Currency         `json:"currency"`
	PaymentMethods  []PaymentMethod        `json:"available_payment_methods"`
	CustomOptions   []PaymentOption        `json:"custom_options,omitempty"`
	OneTap          []OneTapItem           `json:"one_tap"`
	Configurations  []PaymentConfiguration `json:"payment_configurations,omitempty"`
	DefaultDiscount *DiscountConfiguration `json:"general_discount,omitempty"`
}

// HasDefaultOption reports whether the backend proposed an express option
func (s *InitSearch) HasDefaultOption() bool {
	return s != nil && len(s.OneTap) > 0
}

// WithoutDefaultOption returns a copy with the express candidates removed
func (s *InitSearch) WithoutDefaultOption() *InitSearch {
	if s == nil {
		return nil
	}
	c := *s
	c.OneTap = nil
	return &c
}

// PaymentMethod looks up an available method by id
func (s *InitSearch) PaymentMethod(id string) (PaymentMethod, bool) {
	for _, pm := range s.PaymentMethods {
		if pm.ID == id {
			return pm, true
		}
	}
	return PaymentMethod{}, false
}

// CustomOption looks up a customer option by id
func (s *InitSearch) CustomOption(id string) (PaymentOption, bool) {
	for _, o := range s.CustomOptions {
		if o.ID == id {
			return o, true
		}
	}
	return PaymentOption{}, false
}

// Configuration returns the payment configuration for an option
func (s *InitSearch) Configuration(optionID string) *PaymentConfiguration {
	for i := range s.Configurations {
		if s.Configurations[i].OptionID == optionID {
			return &s.Configurations[i]
		}
	}
	return nil
}

// DiscountFor returns the option's discount configuration or the general one
func (s *InitSearch) DiscountFor(optionID string) *DiscountConfiguration {
	if c := s.Configuration(optionID); c != nil && c.Discount != nil {
		return c.Discount
	}
	return s.DefaultDiscount
}

// ExpressNode returns the express candidate for an option id
func (s *InitSearch) ExpressNode(optionID string) (OneTapItem, bool) {
	for _, n := range s.OneTap {
		if n.Card != nil && n.Card.CardID == optionID {
			return n, true
		}
		if n.Card == nil && n.PaymentMethodID == optionID {
			return n, true
		}
	}
	return OneTapItem{}, false
}

// HasPaymentMethodType reports whether any available method has the type
func (s *InitSearch) HasPaymentMethodType(t PaymentTypeID) bool {
	return slices.ContainsFunc(s.PaymentMethods, func(pm PaymentMethod) bool {
		return pm.PaymentTypeID == t
	})
}
