// Package service defines the seam between the checkout flows and the
// payments backend. Flows only see Adapter; transports live in providers.
package service

import (
	"context"

	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/common/money"
)

// Adapter is the backend contract. Every method returns *Error on failure.
type Adapter interface {
	Init(ctx context.Context, req InitRequest) (*domain.InitSearch, error)
	GetPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error)
	GetIdentificationTypes(ctx context.Context) ([]domain.IdentificationType, error)
	CreateToken(ctx context.Context, req CardTokenRequest) (*domain.Token, error)
	CreateSavedCardToken(ctx context.Context, req SavedCardTokenRequest) (*domain.Token, error)
	AssociateCard(ctx context.Context, req AssociateCardRequest) (*domain.CardInformation, error)
	CreatePayment(ctx context.Context, req PaymentRequest) (*domain.Payment, error)
	GetInstructions(ctx context.Context, paymentID string, paymentTypeID domain.PaymentTypeID) ([]domain.Instructions, error)
	GetPointsAndDiscounts(ctx context.Context, req PointsRequest) (*domain.PointsAndDiscounts, error)
}

// DiscountParams scopes which discounts the backend may offer
type DiscountParams struct {
	ProductID       string       `json:"product_id,omitempty"`
	Labels          []string     `json:"labels,omitempty"`
	Flow            string       `json:"flow,omitempty"`
	MaxCouponAmount *money.Money `json:"max_coupon_amount,omitempty"`
}

// InitExtra carries the integrator settings that shape the search
type InitExtra struct {
	DefaultPaymentMethodID string `json:"default_payment_method_id,omitempty"`
	DifferentialPricingID  string `json:"differential_pricing_id,omitempty"`
	DefaultInstallments    int    `json:"default_installments,omitempty"`
	MaxInstallments        int    `json:"max_installments,omitempty"`
	ExpressEnabled         bool   `json:"express_enabled"`
	HasPaymentProcessor    bool   `json:"has_payment_processor"`
	SplitEnabled           bool   `json:"split_enabled"`
}

// InitRequest asks for the search of a preference. Exactly one of
// PreferenceID and Preference is set.
type InitRequest struct {
	PreferenceID string                     `json:"preference_id,omitempty"`
	Preference   *domain.CheckoutPreference `json:"preference,omitempty"`
	CardsWithESC []string                   `json:"cards_with_esc"`
	Discount     DiscountParams             `json:"discount_params"`
	ChargeRules  []domain.ChargeRule        `json:"charges,omitempty"`
	Extra        InitExtra                  `json:"extra"`
}

// CardTokenRequest tokenizes a new card
type CardTokenRequest struct {
	Card       domain.CardToken `json:"card"`
	RequireESC bool             `json:"require_esc"`
}

// SavedCardTokenRequest tokenizes a saved card with either its security
// code or a cached ESC.
type SavedCardTokenRequest struct {
	CardID       string `json:"card_id"`
	SecurityCode string `json:"security_code,omitempty"`
	ESC          string `json:"esc,omitempty"`
	RequireESC   bool   `json:"require_esc"`
}

// AssociateCardRequest stores a tokenized card in the payer's account
type AssociateCardRequest struct {
	AccessToken     string `json:"access_token"`
	TokenID         string `json:"token_id"`
	PaymentMethodID string `json:"payment_method_id"`
	IssuerID        string `json:"issuer_id,omitempty"`
}

// PaymentLeg is one instrument charged by a payment request
type PaymentLeg struct {
	PaymentMethodID string           `json:"payment_method_id"`
	PaymentTypeID   string           `json:"payment_type_id"`
	TokenID         string           `json:"token,omitempty"`
	IssuerID        string           `json:"issuer_id,omitempty"`
	Installments    int              `json:"installments,omitempty"`
	Amount          money.Money      `json:"amount"`
	Discount        *domain.Discount `json:"discount,omitempty"`
	CampaignID      string           `json:"campaign_id,omitempty"`
	CouponAmount    *money.Money     `json:"coupon_amount,omitempty"`
}

// PaymentRequest creates a payment
type PaymentRequest struct {
	IdempotencyKey    string        `json:"-"`
	ProductID         string        `json:"-"`
	PreferenceID      string        `json:"pref_id,omitempty"`
	Payer             *domain.Payer `json:"payer,omitempty"`
	TransactionAmount money.Money   `json:"transaction_amount"`
	Legs              []PaymentLeg  `json:"payment_methods"`
}

// PointsRequest asks for the loyalty benefits earned by payments
type PointsRequest struct {
	PaymentIDs      []string `json:"payment_ids"`
	PaymentMethodID string   `json:"payment_method_id,omitempty"`
	PlatformID      string   `json:"platform_id,omitempty"`
	CampaignID      string   `json:"campaign_id,omitempty"`
}
