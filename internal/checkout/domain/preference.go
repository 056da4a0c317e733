package domain

import (
	"fmt"
	"slices"

	"checkoutcore/internal/common/money"
)

// Item is a purchased line
type Item struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Quantity  int64       `json:"quantity"`
	UnitPrice money.Money `json:"unit_price"`
}

// CheckoutPreference describes the purchase. Flows treat it as read-only;
// site policy exclusions produce a new value.
type CheckoutPreference struct {
	ID                     string          `json:"id,omitempty"`
	SiteID                 string          `json:"site_id"`
	Currency               money.Currency  `json:"currency"`
	Items                  []Item          `json:"items,omitempty"`
	Payer                  *Payer          `json:"payer,omitempty"`
	ExcludedPaymentTypes   []PaymentTypeID `json:"excluded_payment_types,omitempty"`
	ExcludedPaymentMethods []string        `json:"excluded_payment_methods,omitempty"`
	DefaultPaymentMethodID string          `json:"default_payment_method_id,omitempty"`
	DefaultInstallments    int             `json:"default_installments,omitempty"`
	MaxInstallments        int             `json:"max_installments,omitempty"`
	DifferentialPricingID  string          `json:"differential_pricing_id,omitempty"`
}

// IsClosed reports whether the preference was created server-side and is
// referenced by id.
func (p *CheckoutPreference) IsClosed() bool {
	return p.ID != ""
}

// TotalAmount sums the items in minor units
func (p *CheckoutPreference) TotalAmount() (money.Money, error) {
	total := money.Zero(p.Currency)
	for _, it := range p.Items {
		if it.UnitPrice.Currency != p.Currency {
			return money.Money{}, fmt.Errorf("item %s: currency %s does not match preference %s", it.ID, it.UnitPrice.Currency, p.Currency)
		}
		total.AmountMinor += it.UnitPrice.AmountMinor * it.Quantity
	}
	return total, nil
}

// IsExcluded reports whether a payment type is excluded
func (p *CheckoutPreference) IsExcluded(t PaymentTypeID) bool {
	return slices.Contains(p.ExcludedPaymentTypes, t)
}

// Clone returns a deep copy
func (p *CheckoutPreference) Clone() *CheckoutPreference {
	if p == nil {
		return nil
	}
	c := *p
	c.Items = slices.Clone(p.Items)
	c.Payer = p.Payer.Clone()
	c.ExcludedPaymentTypes = slices.Clone(p.ExcludedPaymentTypes)
	c.ExcludedPaymentMethods = slices.Clone(p.ExcludedPaymentMethods)
	return &c
}

// WithExcludedPaymentTypes returns a copy with the given types appended to
// the exclusions, skipping the ones already present.
func (p *CheckoutPreference) WithExcludedPaymentTypes(types ...PaymentTypeID) *CheckoutPreference {
	c := p.Clone()
	for _, t := range types {
		if !slices.Contains(c.ExcludedPaymentTypes, t) {
			c.ExcludedPaymentTypes = append(c.ExcludedPaymentTypes, t)
		}
	}
	return c
}
