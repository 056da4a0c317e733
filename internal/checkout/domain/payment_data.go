package domain

import (
	"checkoutcore/internal/common/money"
)

// Token is a created card token
type Token struct {
	ID                 string `json:"id"`
	CardID             string `json:"card_id,omitempty"`
	FirstSixDigits     string `json:"first_six_digits"`
	LastFourDigits     string `json:"last_four_digits"`
	// ESC never leaves the process in JSON; the backend adapter reads it
	// from the token reply.
	ESC                string `json:"-"`
	SecurityCodeLength int    `json:"security_code_length,omitempty"`
	ExpirationMonth    int    `json:"expiration_month,omitempty"`
	ExpirationYear     int    `json:"expiration_year,omitempty"`
}

// HasCardID reports whether the token belongs to a saved card
func (t *Token) HasCardID() bool {
	return t != nil && t.CardID != ""
}

// Discount is a discount applied to a payment
type Discount struct {
	ID         string      `json:"id"`
	Name       string      `json:"name,omitempty"`
	PercentOff int64       `json:"percent_off_bps,omitempty"`
	AmountOff  money.Money `json:"amount_off,omitempty"`
}

// Campaign bounds a discount
type Campaign struct {
	ID              string      `json:"id"`
	MaxCouponAmount money.Money `json:"max_coupon_amount,omitempty"`
	Legal           string      `json:"legal_terms,omitempty"`
}

// DiscountConfiguration pairs a discount with its campaign
type DiscountConfiguration struct {
	Discount     *Discount `json:"discount,omitempty"`
	Campaign     *Campaign `json:"campaign,omitempty"`
	NotAvailable bool      `json:"not_available"`
}

// PaymentData is the mutable aggregate a flow builds up before paying.
// It is handed between flows with Clone, never shared.
type PaymentData struct {
	PaymentMethod     *PaymentMethod `json:"payment_method,omitempty"`
	Issuer            *Issuer        `json:"issuer,omitempty"`
	PayerCost         *PayerCost     `json:"payer_cost,omitempty"`
	Token             *Token         `json:"token,omitempty"`
	Payer             *Payer         `json:"payer,omitempty"`
	Discount          *Discount      `json:"discount,omitempty"`
	Campaign          *Campaign      `json:"campaign,omitempty"`
	ConsumedDiscount  bool           `json:"consumed_discount,omitempty"`
	TransactionAmount *money.Money   `json:"transaction_amount,omitempty"`
	// CustomerOptionID is set when the method comes from a saved option.
	CustomerOptionID string `json:"customer_option_id,omitempty"`
}

// HasPaymentMethod reports whether a method was chosen
func (d *PaymentData) HasPaymentMethod() bool { return d.PaymentMethod != nil }

// HasToken reports whether a token is attached
func (d *PaymentData) HasToken() bool { return d.Token != nil }

// HasCustomerPaymentOption reports whether a saved option was selected
func (d *PaymentData) HasCustomerPaymentOption() bool { return d.CustomerOptionID != "" }

// HasPayerCost reports whether an installment plan was chosen
func (d *PaymentData) HasPayerCost() bool { return d.PayerCost != nil }

// HasInstallmentsIfNeeded reports whether a credit card has its payer cost.
// Non credit methods never need one.
func (d *PaymentData) HasInstallmentsIfNeeded() bool {
	if d.PaymentMethod == nil {
		return false
	}
	return d.PayerCost != nil || !d.PaymentMethod.IsCreditCard()
}

// IsComplete reports whether the data is enough to pay. checkToken also
// requires a card token to be present.
func (d *PaymentData) IsComplete(checkToken bool) bool {
	pm := d.PaymentMethod
	if pm == nil {
		return false
	}
	if pm.IsPayerInfoRequired() && (d.Payer == nil || d.Payer.Identification == nil) {
		return false
	}
	if pm.IsAccountMoney() || !pm.IsOnline() {
		return true
	}
	if pm.IsIssuerRequired() && d.Issuer == nil {
		return false
	}
	if pm.IsCreditCard() && d.PayerCost == nil {
		return false
	}
	if pm.IsCard() && checkToken && d.Token == nil {
		return false
	}
	return true
}

// CleanToken drops the token
func (d *PaymentData) CleanToken() {
	d.Token = nil
}

// UpdateWithToken attaches a token
func (d *PaymentData) UpdateWithToken(t *Token) {
	d.Token = t
}

// UpdateWithPayerCost selects a payer cost. The token is dropped since a
// token is bound to the chosen installments.
func (d *PaymentData) UpdateWithPayerCost(pc *PayerCost) {
	d.PayerCost = pc
	d.CleanToken()
}

// UpdateWithPaymentMethod selects a method and resets the dependent fields
func (d *PaymentData) UpdateWithPaymentMethod(pm *PaymentMethod) {
	d.PaymentMethod = pm
	d.CustomerOptionID = ""
	d.Issuer = nil
	d.PayerCost = nil
	d.Token = nil
}

// SetDiscount sets the discount and campaign together
func (d *PaymentData) SetDiscount(discount *Discount, campaign *Campaign, consumed bool) {
	d.Discount = discount
	d.Campaign = campaign
	d.ConsumedDiscount = consumed
}

// Clone returns a deep copy
func (d *PaymentData) Clone() *PaymentData {
	if d == nil {
		return nil
	}
	c := &PaymentData{ConsumedDiscount: d.ConsumedDiscount, CustomerOptionID: d.CustomerOptionID}
	if d.PaymentMethod != nil {
		pm := *d.PaymentMethod
		pm.AdditionalInfoNeeded = append([]string(nil), d.PaymentMethod.AdditionalInfoNeeded...)
		c.PaymentMethod = &pm
	}
	if d.Issuer != nil {
		is := *d.Issuer
		c.Issuer = &is
	}
	if d.PayerCost != nil {
		pc := *d.PayerCost
		pc.Labels = append([]string(nil), d.PayerCost.Labels...)
		c.PayerCost = &pc
	}
	if d.Token != nil {
		t := *d.Token
		c.Token = &t
	}
	c.Payer = d.Payer.Clone()
	if d.Discount != nil {
		dc := *d.Discount
		c.Discount = &dc
	}
	if d.Campaign != nil {
		cp := *d.Campaign
		c.Campaign = &cp
	}
	if d.TransactionAmount != nil {
		a := *d.TransactionAmount
		c.TransactionAmount = &a
	}
	return c
}

// CardToken is what the card form collects for a new card
type CardToken struct {
	CardNumber      string          `json:"card_number"`
	SecurityCode    string          `json:"security_code"`
	ExpirationMonth int             `json:"expiration_month"`
	ExpirationYear  int             `json:"expiration_year"`
	CardholderName  string          `json:"cardholder_name"`
	Identification  *Identification `json:"identification,omitempty"`
}

// FirstSixDigits returns the card BIN
func (c *CardToken) FirstSixDigits() string {
	if len(c.CardNumber) < 6 {
		return c.CardNumber
	}
	return c.CardNumber[:6]
}

// LastFourDigits returns the last four card digits
func (c *CardToken) LastFourDigits() string {
	if len(c.CardNumber) < 4 {
		return c.CardNumber
	}
	return c.CardNumber[len(c.CardNumber)-4:]
}

// ChargeRule is a surcharge applied when paying with a payment type, or
// with a specific method of that type when PaymentMethodID is set.
type ChargeRule struct {
	PaymentTypeID   PaymentTypeID `json:"payment_type_id" yaml:"payment_type_id"`
	PaymentMethodID string        `json:"payment_method_id,omitempty" yaml:"payment_method_id,omitempty"`
	Amount          money.Money   `json:"amount" yaml:"amount"`
}

// Applies reports whether the rule matches a payment method
func (r ChargeRule) Applies(pm *PaymentMethod) bool {
	if pm == nil || r.PaymentTypeID != pm.PaymentTypeID {
		return false
	}
	return r.PaymentMethodID == "" || r.PaymentMethodID == pm.ID
}
