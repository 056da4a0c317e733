// Package servicetest provides a scriptable service.Adapter for flow tests.
package servicetest

import (
	"context"
	"sync"

	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/checkout/service"
)

// Fake answers each call with the matching function field. A nil field
// answers with a zero value. Calls are recorded per operation.
type Fake struct {
	InitFn                   func(context.Context, service.InitRequest) (*domain.InitSearch, error)
	GetPaymentMethodsFn      func(context.Context) ([]domain.PaymentMethod, error)
	GetIdentificationTypesFn func(context.Context) ([]domain.IdentificationType, error)
	CreateTokenFn            func(context.Context, service.CardTokenRequest) (*domain.Token, error)
	CreateSavedCardTokenFn   func(context.Context, service.SavedCardTokenRequest) (*domain.Token, error)
	AssociateCardFn          func(context.Context, service.AssociateCardRequest) (*domain.CardInformation, error)
	CreatePaymentFn          func(context.Context, service.PaymentRequest) (*domain.Payment, error)
	GetInstructionsFn        func(context.Context, string, domain.PaymentTypeID) ([]domain.Instructions, error)
	GetPointsAndDiscountsFn  func(context.Context, service.PointsRequest) (*domain.PointsAndDiscounts, error)

	mu    sync.Mutex
	calls map[service.RequestOrigin]int

	// Last requests, for assertions.
	LastInit       service.InitRequest
	LastSavedToken service.SavedCardTokenRequest
	LastPayment    service.PaymentRequest
}

var _ service.Adapter = (*Fake)(nil)

func (f *Fake) record(o service.RequestOrigin) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[service.RequestOrigin]int)
	}
	f.calls[o]++
}

// Calls returns how many times the operation was invoked
func (f *Fake) Calls(o service.RequestOrigin) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[o]
}

func (f *Fake) Init(ctx context.Context, req service.InitRequest) (*domain.InitSearch, error) {
	f.record(service.OriginGetInit)
	f.mu.Lock()
	f.LastInit = req
	f.mu.Unlock()
	if f.InitFn == nil {
		return &domain.InitSearch{}, nil
	}
	return f.InitFn(ctx, req)
}

func (f *Fake) GetPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	f.record(service.OriginGetPaymentMethods)
	if f.GetPaymentMethodsFn == nil {
		return nil, nil
	}
	return f.GetPaymentMethodsFn(ctx)
}

func (f *Fake) GetIdentificationTypes(ctx context.Context) ([]domain.IdentificationType, error) {
	f.record(service.OriginGetIdentificationTypes)
	if f.GetIdentificationTypesFn == nil {
		return nil, nil
	}
	return f.GetIdentificationTypesFn(ctx)
}

func (f *Fake) CreateToken(ctx context.Context, req service.CardTokenRequest) (*domain.Token, error) {
	f.record(service.OriginCreateToken)
	if f.CreateTokenFn == nil {
		return &domain.Token{ID: "tok"}, nil
	}
	return f.CreateTokenFn(ctx, req)
}

// CreateSavedCardToken shares the CREATE_TOKEN counter with CreateToken
func (f *Fake) CreateSavedCardToken(ctx context.Context, req service.SavedCardTokenRequest) (*domain.Token, error) {
	f.record(service.OriginCreateToken)
	f.mu.Lock()
	f.LastSavedToken = req
	f.mu.Unlock()
	if f.CreateSavedCardTokenFn == nil {
		return &domain.Token{ID: "tok", CardID: req.CardID}, nil
	}
	return f.CreateSavedCardTokenFn(ctx, req)
}

func (f *Fake) AssociateCard(ctx context.Context, req service.AssociateCardRequest) (*domain.CardInformation, error) {
	f.record(service.OriginAssociateToken)
	if f.AssociateCardFn == nil {
		return &domain.CardInformation{CardID: "card"}, nil
	}
	return f.AssociateCardFn(ctx, req)
}

func (f *Fake) CreatePayment(ctx context.Context, req service.PaymentRequest) (*domain.Payment, error) {
	f.record(service.OriginCreatePayment)
	f.mu.Lock()
	f.LastPayment = req
	f.mu.Unlock()
	if f.CreatePaymentFn == nil {
		return &domain.Payment{ID: "1", Status: domain.StatusApproved}, nil
	}
	return f.CreatePaymentFn(ctx, req)
}

func (f *Fake) GetInstructions(ctx context.Context, paymentID string, typeID domain.PaymentTypeID) ([]domain.Instructions, error) {
	f.record(service.OriginGetInstructions)
	if f.GetInstructionsFn == nil {
		return nil, nil
	}
	return f.GetInstructionsFn(ctx, paymentID, typeID)
}

func (f *Fake) GetPointsAndDiscounts(ctx context.Context, req service.PointsRequest) (*domain.PointsAndDiscounts, error) {
	f.record(service.OriginGetPoints)
	if f.GetPointsAndDiscountsFn == nil {
		return &domain.PointsAndDiscounts{}, nil
	}
	return f.GetPointsAndDiscountsFn(ctx, req)
}
