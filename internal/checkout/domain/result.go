package domain

import "checkoutcore/internal/common/money"

// PaymentStatus is the backend payment status
type PaymentStatus string

const (
	StatusApproved  PaymentStatus = "approved"
	StatusRejected  PaymentStatus = "rejected"
	StatusInProcess PaymentStatus = "in_process"
	StatusPending   PaymentStatus = "pending"
)

// StatusDetailInvalidESC marks a rejection caused by a stale ESC
const StatusDetailInvalidESC = "invalid_esc"

// Payment is the backend's payment resource
type Payment struct {
	ID                  string        `json:"id"`
	Status              PaymentStatus `json:"status"`
	StatusDetail        string        `json:"status_detail"`
	PaymentMethodID     string        `json:"payment_method_id,omitempty"`
	PaymentTypeID       PaymentTypeID `json:"payment_type_id,omitempty"`
	StatementDescriptor string        `json:"statement_descriptor,omitempty"`
	PayerEmail          string        `json:"payer_email,omitempty"`
}

// BusinessResult is an integrator-defined outcome produced by a payment processor
type BusinessResult struct {
	ReceiptID           string        `json:"receipt_id,omitempty"`
	ReceiptIDs          []string      `json:"receipt_ids,omitempty"`
	Approved            bool          `json:"approved"`
	PaymentStatus       PaymentStatus `json:"payment_status"`
	PaymentStatusDetail string        `json:"payment_status_detail"`
	PaymentMethodID     string        `json:"payment_method_id,omitempty"`
	PaymentTypeID       PaymentTypeID `json:"payment_type_id,omitempty"`
	Title               string        `json:"title,omitempty"`
	Subtitle            string        `json:"subtitle,omitempty"`
}

// PaymentIDs returns the receipt ids of the business result
func (b *BusinessResult) PaymentIDs() []string {
	if len(b.ReceiptIDs) > 0 {
		return b.ReceiptIDs
	}
	if b.ReceiptID != "" {
		return []string{b.ReceiptID}
	}
	return nil
}

// PaymentResult is the outcome of a payment as seen by the flows
type PaymentResult struct {
	PaymentID           string        `json:"payment_id,omitempty"`
	Status              PaymentStatus `json:"status"`
	StatusDetail        string        `json:"status_detail"`
	PaymentMethodID     string        `json:"payment_method_id,omitempty"`
	PaymentTypeID       PaymentTypeID `json:"payment_type_id,omitempty"`
	PayerEmail          string        `json:"payer_email,omitempty"`
	StatementDescriptor string        `json:"statement_description,omitempty"`
	PaymentData         *PaymentData  `json:"payment_data,omitempty"`
	SplitAccountMoney   *PaymentData  `json:"split_account_money,omitempty"`
}

// IsApproved reports an approved payment
func (r *PaymentResult) IsApproved() bool { return r.Status == StatusApproved }

// IsRejected reports a rejected payment
func (r *PaymentResult) IsRejected() bool { return r.Status == StatusRejected }

// IsPending reports a payment awaiting settlement
func (r *PaymentResult) IsPending() bool {
	return r.Status == StatusPending || r.Status == StatusInProcess
}

// InstructionReference is a labeled value the payer needs to pay offline
type InstructionReference struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Instructions explains how to complete an offline payment
type Instructions struct {
	Title             string                 `json:"title"`
	Amount            money.Money            `json:"amount"`
	References        []InstructionReference `json:"references,omitempty"`
	Info              []string               `json:"info,omitempty"`
	AccreditationInfo string                 `json:"accreditation_message,omitempty"`
	ActionURL         string                 `json:"action_url,omitempty"`
}

// PointsAndDiscounts is the loyalty information shown with the result
type PointsAndDiscounts struct {
	Points    *Points           `json:"points,omitempty"`
	Discounts []DiscountBenefit `json:"discounts,omitempty"`
}

// Points is the loyalty progress earned by the payment
type Points struct {
	Title    string  `json:"title"`
	Progress float64 `json:"percentage"`
	Level    int     `json:"level"`
}

// DiscountBenefit is a discount offered after paying
type DiscountBenefit struct {
	Title    string `json:"title"`
	Subtitle string `json:"subtitle,omitempty"`
	URL      string `json:"url,omitempty"`
}
