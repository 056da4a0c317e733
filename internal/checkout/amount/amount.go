// Package amount computes payable amounts from a preference, the payment
// data being built and the integrator's charge and discount rules.
//
// Intermediate values are exact rationals of minor units. Rounding happens
// once per final amount, so split legs always add up to the total.
package amount

import (
	"errors"
	"fmt"
	"math/big"

	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/common/money"
)

var (
	ErrNoPreference  = errors.New("amount: preference is required")
	ErrNegativeTotal = errors.New("amount: computed total is negative")
	// ErrCurrencyMismatch is returned when a discount, coupon cap or split
	// leg is not in the preference currency.
	ErrCurrencyMismatch = errors.New("amount: currency does not match the preference")
)

// Input is everything the computation depends on
type Input struct {
	Preference  *domain.CheckoutPreference
	PaymentData *domain.PaymentData
	ChargeRules []domain.ChargeRule
	Discount    *domain.DiscountConfiguration
	// Split is set only when the account money leg is enabled.
	Split *domain.SplitConfiguration
}

// Leg is the amount charged to one payment instrument
type Leg struct {
	PaymentMethodID string           `json:"payment_method_id"`
	Amount          money.Money      `json:"amount"`
	DiscountAmount  money.Money      `json:"discount_amount"`
	Discount        *domain.Discount `json:"discount,omitempty"`
	Campaign        *domain.Campaign `json:"campaign,omitempty"`
}

// Breakdown is the result of a computation
type Breakdown struct {
	Currency         money.Currency `json:"currency"`
	PreferenceAmount money.Money    `json:"preference_amount"`
	Charges          money.Money    `json:"charges"`
	DiscountAmount   money.Money    `json:"discount_amount"`
	// Total is what the legs add up to.
	Total money.Money `json:"total"`
	// AmountToPay includes installment interest when a payer cost is chosen.
	AmountToPay money.Money `json:"amount_to_pay"`
	Primary     Leg         `json:"primary"`
	Secondary   *Leg        `json:"secondary,omitempty"`
}

// IsSplit reports whether the breakdown has two legs
func (b Breakdown) IsSplit() bool {
	return b.Secondary != nil
}

// Compute returns the breakdown for in
func Compute(in Input) (Breakdown, error) {
	if in.Preference == nil {
		return Breakdown{}, ErrNoPreference
	}
	cur := in.Preference.Currency

	prefAmount, err := in.Preference.TotalAmount()
	if err != nil {
		return Breakdown{}, fmt.Errorf("preference amount: %w", err)
	}

	var pm *domain.PaymentMethod
	var payerCost *domain.PayerCost
	if in.PaymentData != nil {
		pm = in.PaymentData.PaymentMethod
		payerCost = in.PaymentData.PayerCost
	}

	charges, err := chargeAmount(in.ChargeRules, pm, cur)
	if err != nil {
		return Breakdown{}, err
	}

	var campaign *domain.Campaign
	var discount *domain.Discount
	if in.Discount != nil && !in.Discount.NotAvailable {
		discount = in.Discount.Discount
		campaign = in.Discount.Campaign
	}
	if in.PaymentData != nil && in.PaymentData.ConsumedDiscount {
		discount = nil
	}

	b := Breakdown{
		Currency:         cur,
		PreferenceAmount: prefAmount,
		Charges:          charges,
	}

	if in.Split != nil {
		return computeSplit(b, in.Split, campaign, pm, payerCost)
	}

	d, err := discountRat(discount, campaign, prefAmount.Rat(), cur)
	if err != nil {
		return Breakdown{}, err
	}

	// pref + charges - discount, rounded once
	total := new(big.Rat).Add(prefAmount.Rat(), charges.Rat())
	total.Sub(total, d)
	if total.Sign() < 0 {
		return Breakdown{}, ErrNegativeTotal
	}

	b.Total = money.FromRat(total, cur)
	b.DiscountAmount = money.FromRat(d, cur)
	b.AmountToPay = b.Total
	if payerCost != nil && payerCost.TotalAmount.IsPositive() {
		b.AmountToPay = payerCost.TotalAmount
	}
	b.Primary = Leg{
		Amount:         b.Total,
		DiscountAmount: b.DiscountAmount,
		Discount:       discount,
		Campaign:       campaign,
	}
	if pm != nil {
		b.Primary.PaymentMethodID = pm.ID
	}
	return b, nil
}

func computeSplit(b Breakdown, split *domain.SplitConfiguration, campaign *domain.Campaign, pm *domain.PaymentMethod, payerCost *domain.PayerCost) (Breakdown, error) {
	cur := b.Currency
	for _, leg := range []domain.SplitLeg{split.Primary, split.Secondary} {
		if !leg.Amount.IsZero() && leg.Amount.Currency != cur {
			return Breakdown{}, fmt.Errorf("%w: split leg %s is in %s, want %s", ErrCurrencyMismatch, leg.PaymentMethodID, leg.Amount.Currency, cur)
		}
	}

	d1, err := discountRat(split.Primary.Discount, campaign, split.Primary.Amount.Rat(), cur)
	if err != nil {
		return Breakdown{}, fmt.Errorf("primary leg: %w", err)
	}
	d2, err := discountRat(split.Secondary.Discount, campaign, split.Secondary.Amount.Rat(), cur)
	if err != nil {
		return Breakdown{}, fmt.Errorf("secondary leg: %w", err)
	}

	totalDiscount := new(big.Rat).Add(d1, d2)
	total := new(big.Rat).Add(b.PreferenceAmount.Rat(), b.Charges.Rat())
	total.Sub(total, totalDiscount)
	if total.Sign() < 0 {
		return Breakdown{}, ErrNegativeTotal
	}

	// Charges are attributed to the primary instrument.
	primary := new(big.Rat).Add(split.Primary.Amount.Rat(), b.Charges.Rat())
	primary.Sub(primary, d1)

	b.Total = money.FromRat(total, cur)
	b.DiscountAmount = money.FromRat(totalDiscount, cur)

	primaryAmount := money.FromRat(primary, cur)
	if primaryAmount.IsNegative() {
		primaryAmount = money.Zero(cur)
	}
	if primaryAmount.AmountMinor > b.Total.AmountMinor {
		primaryAmount = b.Total
	}
	secondaryAmount, err := b.Total.Sub(primaryAmount)
	if err != nil {
		return Breakdown{}, err
	}

	primaryID := split.Primary.PaymentMethodID
	if primaryID == "" && pm != nil {
		primaryID = pm.ID
	}
	b.Primary = Leg{
		PaymentMethodID: primaryID,
		Amount:          primaryAmount,
		DiscountAmount:  money.FromRat(d1, cur),
		Discount:        split.Primary.Discount,
		Campaign:        campaignFor(split.Primary.Discount, campaign),
	}
	b.Secondary = &Leg{
		PaymentMethodID: split.Secondary.PaymentMethodID,
		Amount:          secondaryAmount,
		DiscountAmount:  money.FromRat(d2, cur),
		Discount:        split.Secondary.Discount,
		Campaign:        campaignFor(split.Secondary.Discount, campaign),
	}

	b.AmountToPay = b.Total
	if payerCost != nil && payerCost.TotalAmount.IsPositive() {
		withInterest, err := payerCost.TotalAmount.Add(secondaryAmount)
		if err != nil {
			return Breakdown{}, fmt.Errorf("payer cost: %w", err)
		}
		b.AmountToPay = withInterest
	}
	return b, nil
}

func campaignFor(d *domain.Discount, c *domain.Campaign) *domain.Campaign {
	if d == nil {
		return nil
	}
	return c
}

func chargeAmount(rules []domain.ChargeRule, pm *domain.PaymentMethod, cur money.Currency) (money.Money, error) {
	total := money.Zero(cur)
	for _, r := range rules {
		if !r.Applies(pm) {
			continue
		}
		var err error
		total, err = total.Add(r.Amount)
		if err != nil {
			return money.Money{}, fmt.Errorf("charge rule %s: %w", r.PaymentTypeID, err)
		}
	}
	return total, nil
}

// discountRat returns the discount applied to base, capped by the campaign
// and by base itself.
func discountRat(d *domain.Discount, c *domain.Campaign, base *big.Rat, cur money.Currency) (*big.Rat, error) {
	out := new(big.Rat)
	if d == nil {
		return out, nil
	}

	switch {
	case d.AmountOff.IsPositive():
		if d.AmountOff.Currency != cur {
			return nil, fmt.Errorf("%w: discount %s is in %s, want %s", ErrCurrencyMismatch, d.ID, d.AmountOff.Currency, cur)
		}
		out.Set(d.AmountOff.Rat())
	case d.PercentOff > 0:
		out.Mul(base, big.NewRat(d.PercentOff, 10000))
	}

	if c != nil && c.MaxCouponAmount.IsPositive() {
		if c.MaxCouponAmount.Currency != cur {
			return nil, fmt.Errorf("%w: campaign %s cap is in %s, want %s", ErrCurrencyMismatch, c.ID, c.MaxCouponAmount.Currency, cur)
		}
		if out.Cmp(c.MaxCouponAmount.Rat()) > 0 {
			out.Set(c.MaxCouponAmount.Rat())
		}
	}
	if out.Cmp(base) > 0 {
		out.Set(base)
	}
	return out, nil
}
