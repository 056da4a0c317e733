// Package backend implements the checkout service adapter over NATS
// request-reply against the payments backend.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"

	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/checkout/service"
)

// Subjects below the configured prefix.
const (
	SubjectInit                = "init"
	SubjectPaymentMethods      = "payment_methods"
	SubjectIdentificationTypes = "identification_types"
	SubjectCardTokens          = "card_tokens"
	SubjectSavedCardTokens     = "card_tokens.saved"
	SubjectAssociateCard       = "cards.associate"
	SubjectPayments            = "payments"
	SubjectInstructions        = "instructions"
	SubjectPoints              = "points"
)

// Headers sent with every request.
const (
	HeaderRequestID      = "X-Request-Id"
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderProductID      = "X-Product-Id"
	HeaderPublicKey      = "X-Public-Key"
)

// Config holds backend adapter configuration.
type Config struct {
	SubjectPrefix  string        `envconfig:"BACKEND_SUBJECT_PREFIX" default:"payments.checkout"`
	PublicKey      string        `envconfig:"BACKEND_PUBLIC_KEY"`
	ProductID      string        `envconfig:"BACKEND_PRODUCT_ID"`
	RequestTimeout time.Duration `envconfig:"BACKEND_TIMEOUT" default:"15s"`
}

// Requester sends a request and waits for the reply. *nats.Conn
// implements it.
type Requester interface {
	RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)
}

// envelope is the reply of every backend subject. Exactly one of Data and
// Error is set.
type envelope struct {
	Data  json.RawMessage       `json:"data"`
	Error *service.APIException `json:"error,omitempty"`
}

// Adapter implements service.Adapter.
type Adapter struct {
	config Config
	nc     Requester
	logger *slog.Logger
}

var _ service.Adapter = (*Adapter)(nil)

// NewAdapter creates a new backend adapter.
func NewAdapter(cfg Config, nc Requester, logger *slog.Logger) *Adapter {
	return &Adapter{
		config: cfg,
		nc:     nc,
		logger: logger,
	}
}

func (a *Adapter) subject(name string) string {
	if a.config.SubjectPrefix == "" {
		return name
	}
	return a.config.SubjectPrefix + "." + name
}

// call sends req on subject and decodes the data of the reply into out.
func (a *Adapter) call(ctx context.Context, origin service.RequestOrigin, subject string, req any, header nats.Header, out any) error {
	if a.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.RequestTimeout)
		defer cancel()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return service.NewError(service.KindSerialization, origin, nil, fmt.Errorf("marshal request: %w", err))
	}

	msg := nats.NewMsg(a.subject(subject))
	msg.Data = payload
	for k, vs := range header {
		for _, v := range vs {
			msg.Header.Add(k, v)
		}
	}
	requestID := ulid.Make().String()
	msg.Header.Set(HeaderRequestID, requestID)
	if a.config.PublicKey != "" {
		msg.Header.Set(HeaderPublicKey, a.config.PublicKey)
	}

	start := time.Now()
	reply, err := a.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		a.logger.Warn("backend request failed",
			"origin", origin,
			"subject", msg.Subject,
			"request_id", requestID,
			"error", err,
		)
		return service.NewError(service.KindConnectivity, origin, nil, fmt.Errorf("nats request: %w", err))
	}

	a.logger.Debug("backend request completed",
		"origin", origin,
		"subject", msg.Subject,
		"request_id", requestID,
		"duration", time.Since(start),
	)

	var env envelope
	if err := json.Unmarshal(reply.Data, &env); err != nil {
		return service.NewError(service.KindSerialization, origin, nil, fmt.Errorf("unmarshal response: %w", err))
	}
	if env.Error != nil {
		kind := service.KindBackend
		if env.Error.Status == service.StatusNotFound {
			kind = service.KindNotFound
		}
		return service.NewError(kind, origin, env.Error, nil)
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return service.NewError(service.KindSerialization, origin, nil, errors.New("empty response"))
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return service.NewError(service.KindSerialization, origin, nil, fmt.Errorf("unmarshal response data: %w", err))
	}
	return nil
}

func (a *Adapter) productHeader(productID string) nats.Header {
	if productID == "" {
		productID = a.config.ProductID
	}
	if productID == "" {
		return nil
	}
	return nats.Header{HeaderProductID: []string{productID}}
}

// Init resolves the search of a preference.
func (a *Adapter) Init(ctx context.Context, req service.InitRequest) (*domain.InitSearch, error) {
	var search domain.InitSearch
	if err := a.call(ctx, service.OriginGetInit, SubjectInit, req, a.productHeader(req.Discount.ProductID), &search); err != nil {
		return nil, err
	}
	return &search, nil
}

// GetPaymentMethods lists the payment methods of the site.
func (a *Adapter) GetPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	var methods []domain.PaymentMethod
	if err := a.call(ctx, service.OriginGetPaymentMethods, SubjectPaymentMethods, struct{}{}, nil, &methods); err != nil {
		return nil, err
	}
	return methods, nil
}

// GetIdentificationTypes lists the identity documents of the site.
func (a *Adapter) GetIdentificationTypes(ctx context.Context) ([]domain.IdentificationType, error) {
	var types []domain.IdentificationType
	if err := a.call(ctx, service.OriginGetIdentificationTypes, SubjectIdentificationTypes, struct{}{}, nil, &types); err != nil {
		return nil, err
	}
	return types, nil
}

// CreateToken tokenizes a new card.
func (a *Adapter) CreateToken(ctx context.Context, req service.CardTokenRequest) (*domain.Token, error) {
	a.logger.Info("creating card token",
		"bin", req.Card.FirstSixDigits(),
		"last_four", req.Card.LastFourDigits(),
		"require_esc", req.RequireESC,
	)
	var reply tokenReply
	if err := a.call(ctx, service.OriginCreateToken, SubjectCardTokens, req, nil, &reply); err != nil {
		return nil, err
	}
	return reply.token(), nil
}

// CreateSavedCardToken tokenizes a saved card.
func (a *Adapter) CreateSavedCardToken(ctx context.Context, req service.SavedCardTokenRequest) (*domain.Token, error) {
	a.logger.Info("creating saved card token",
		"card_id", req.CardID,
		"with_esc", req.ESC != "",
	)
	var reply tokenReply
	if err := a.call(ctx, service.OriginCreateToken, SubjectSavedCardTokens, req, nil, &reply); err != nil {
		return nil, err
	}
	return reply.token(), nil
}

// tokenReply is the wire form of a token, the only place the ESC is read
// from JSON.
type tokenReply struct {
	domain.Token
	ESC string `json:"esc"`
}

func (r *tokenReply) token() *domain.Token {
	tok := r.Token
	tok.ESC = r.ESC
	return &tok
}

// AssociateCard stores a tokenized card in the payer's account.
func (a *Adapter) AssociateCard(ctx context.Context, req service.AssociateCardRequest) (*domain.CardInformation, error) {
	var card domain.CardInformation
	if err := a.call(ctx, service.OriginAssociateToken, SubjectAssociateCard, req, nil, &card); err != nil {
		return nil, err
	}
	a.logger.Info("card associated", "card_id", card.CardID, "payment_method_id", req.PaymentMethodID)
	return &card, nil
}

// CreatePayment creates a payment. The idempotency key travels as a
// header so a retried request is not charged twice.
func (a *Adapter) CreatePayment(ctx context.Context, req service.PaymentRequest) (*domain.Payment, error) {
	header := a.productHeader(req.ProductID)
	if header == nil {
		header = nats.Header{}
	}
	if req.IdempotencyKey != "" {
		header.Set(HeaderIdempotencyKey, req.IdempotencyKey)
	}

	a.logger.Info("creating payment",
		"preference_id", req.PreferenceID,
		"amount", req.TransactionAmount.AmountMinor,
		"currency", req.TransactionAmount.Currency,
		"legs", len(req.Legs),
	)

	var p domain.Payment
	if err := a.call(ctx, service.OriginCreatePayment, SubjectPayments, req, header, &p); err != nil {
		return nil, err
	}

	a.logger.Info("payment created", "payment_id", p.ID, "status", p.Status, "status_detail", p.StatusDetail)
	return &p, nil
}

type instructionsRequest struct {
	PaymentID     string               `json:"payment_id"`
	PaymentTypeID domain.PaymentTypeID `json:"payment_type_id"`
}

// GetInstructions fetches the offline payment instructions.
func (a *Adapter) GetInstructions(ctx context.Context, paymentID string, paymentTypeID domain.PaymentTypeID) ([]domain.Instructions, error) {
	var out []domain.Instructions
	req := instructionsRequest{PaymentID: paymentID, PaymentTypeID: paymentTypeID}
	if err := a.call(ctx, service.OriginGetInstructions, SubjectInstructions, req, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPointsAndDiscounts fetches the loyalty benefits of a payment.
func (a *Adapter) GetPointsAndDiscounts(ctx context.Context, req service.PointsRequest) (*domain.PointsAndDiscounts, error) {
	var out domain.PointsAndDiscounts
	if err := a.call(ctx, service.OriginGetPoints, SubjectPoints, req, a.productHeader(""), &out); err != nil {
		return nil, err
	}
	return &out, nil
}
