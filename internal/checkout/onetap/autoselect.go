package onetap

import (
	"checkoutcore/internal/checkout/domain"
)

// AutoSelect picks the option the express flow starts with. It reports
// false when the search proposes nothing the payer can pay with directly.
//
// A plugin matching the first express candidate wins, then a suggested
// account balance, then the payer's saved option for the candidate when the
// backend sent installments or credits for it.
func AutoSelect(search *domain.InitSearch, plugins []domain.PaymentOption) (domain.PaymentOption, bool) {
	if !search.HasDefaultOption() {
		return domain.PaymentOption{}, false
	}
	first := search.OneTap[0]

	for _, p := range plugins {
		if p.ID == first.PaymentMethodID {
			p.Plugin = true
			return p, true
		}
	}

	if len(search.CustomOptions) == 0 {
		return domain.PaymentOption{}, false
	}

	if first.AccountMoney != nil {
		if o, ok := search.CustomOption(domain.OptionAccountMoney); ok {
			return o, true
		}
		return domain.PaymentOption{
			ID:              domain.OptionAccountMoney,
			PaymentMethodID: first.PaymentMethodID,
			PaymentTypeID:   domain.TypeAccountMoney,
			Customer:        true,
		}, true
	}

	for _, o := range search.CustomOptions {
		if o.PaymentMethodID != first.PaymentMethodID {
			continue
		}
		// Only the first saved option for the method is considered.
		node, ok := search.ExpressNode(o.ID)
		if ok && selectable(search, node, o) {
			return o, true
		}
		break
	}
	return domain.PaymentOption{}, false
}

func selectable(search *domain.InitSearch, node domain.OneTapItem, o domain.PaymentOption) bool {
	if node.PaymentMethodID != o.PaymentMethodID || node.PaymentTypeID != o.PaymentTypeID {
		return false
	}
	if node.Card != nil && search.Configuration(node.Card.CardID).SelectedPayerCost() != nil {
		return true
	}
	return node.PaymentTypeID == domain.TypeConsumerCredits
}

// preselectedPayerCost is the installment plan the backend chose for the
// first express candidate.
func preselectedPayerCost(search *domain.InitSearch) *domain.PayerCost {
	if !search.HasDefaultOption() {
		return nil
	}
	first := search.OneTap[0]

	var id string
	switch {
	case first.Card != nil:
		id = first.Card.CardID
	case first.PaymentMethodID == domain.OptionConsumerCredits:
		id = first.PaymentMethodID
	default:
		return nil
	}
	if pc := search.Configuration(id).SelectedPayerCost(); pc != nil {
		return pc
	}
	if first.Card != nil && first.Card.SelectedPayerCost != nil {
		pc := *first.Card.SelectedPayerCost
		return &pc
	}
	return nil
}

// paymentDataFor builds the payment data for a selected option.
func paymentDataFor(search *domain.InitSearch, o domain.PaymentOption) *domain.PaymentData {
	pd := &domain.PaymentData{}
	if pm, ok := search.PaymentMethod(o.PaymentMethodID); ok {
		pd.UpdateWithPaymentMethod(&pm)
	} else {
		pd.UpdateWithPaymentMethod(&domain.PaymentMethod{ID: o.PaymentMethodID, PaymentTypeID: o.PaymentTypeID})
	}
	if o.Customer {
		pd.CustomerOptionID = o.ID
	}
	if o.Card != nil && o.Card.IssuerID != "" {
		pd.Issuer = &domain.Issuer{ID: o.Card.IssuerID}
	}
	return pd
}
