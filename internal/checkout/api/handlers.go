package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/checkout/hooks"
	"checkoutcore/internal/checkout/session"
	"checkoutcore/internal/checkout/snapshot"
	"checkoutcore/internal/common/api"
	"checkoutcore/internal/common/database"
	"checkoutcore/internal/common/middleware"
	"checkoutcore/internal/common/money"
	"checkoutcore/internal/common/optional"
	"checkoutcore/internal/journal"
)

// maxReplyBytes bounds a screen reply body
const maxReplyBytes = 64 << 10

// Journal is the read side of the session journal
type Journal interface {
	Get(ctx context.Context, sessionID string) (*journal.Entry, error)
	ListByPayer(ctx context.Context, payerID string, limit, offset int) ([]*journal.Entry, int64, error)
}

// Handler handles checkout HTTP requests
type Handler struct {
	sessions *session.Manager
	journal  Journal
	logger   *slog.Logger
}

// NewHandler creates a new checkout handler. journal may be nil, which
// disables the journal routes.
func NewHandler(sessions *session.Manager, j Journal, logger *slog.Logger) *Handler {
	return &Handler{sessions: sessions, journal: j, logger: logger}
}

// Routes returns the checkout routes. They expect an authenticated payer.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/checkout-sessions", h.StartCheckout)
	r.Post("/card-sessions", h.StartCardAssociation)

	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Delete("/", h.CancelSession)
		r.Post("/retry", h.RetrySession)
		r.Post("/screens/{screen}", h.ReplyScreen)
	})

	if h.journal != nil {
		r.Get("/journal", h.ListJournal)
		r.Get("/journal/{id}", h.GetJournalEntry)
	}

	return r
}

// ItemRequest is a purchased line of an open preference
type ItemRequest struct {
	ID        string      `json:"id"`
	Title     string      `json:"title" validate:"required,max=255"`
	Quantity  int64       `json:"quantity" validate:"gt=0"`
	UnitPrice money.Money `json:"unit_price"`
}

// PreferenceRequest is either a closed preference referenced by id or an
// open one described by its items
type PreferenceRequest struct {
	ID                     string                 `json:"id"`
	SiteID                 string                 `json:"site_id" validate:"required,len=3"`
	Currency               money.Currency         `json:"currency" validate:"required_without=ID,omitempty,len=3"`
	Items                  []ItemRequest          `json:"items" validate:"required_without=ID,dive"`
	Payer                  *domain.Payer          `json:"payer"`
	ExcludedPaymentTypes   []domain.PaymentTypeID `json:"excluded_payment_types"`
	ExcludedPaymentMethods []string               `json:"excluded_payment_methods"`
	DefaultPaymentMethodID string                 `json:"default_payment_method_id"`
	DefaultInstallments    int                    `json:"default_installments" validate:"gte=0"`
	MaxInstallments        int                    `json:"max_installments" validate:"gte=0"`
	DifferentialPricingID  string                 `json:"differential_pricing_id"`
}

// HookRequest registers an integrator screen at a flow point
type HookRequest struct {
	ID            string  `json:"id" validate:"required,max=64"`
	Point         string  `json:"point" validate:"required,oneof=BEFORE_PAYMENT_METHOD_CONFIG AFTER_PAYMENT_METHOD_CONFIG BEFORE_PAYMENT"`
	Title         *string `json:"title"`
	ShowBackArrow *bool   `json:"show_back_arrow"`
}

// StartCheckoutRequest is the API request for starting a checkout session
type StartCheckoutRequest struct {
	Preference  PreferenceRequest       `json:"preference"`
	Advanced    snapshot.AdvancedConfig `json:"advanced"`
	ChargeRules []domain.ChargeRule     `json:"charge_rules"`
	Hooks       []HookRequest           `json:"hooks" validate:"max=3,dive"`
}

func (p PreferenceRequest) toDomain() (*domain.CheckoutPreference, error) {
	pref := &domain.CheckoutPreference{
		ID:                     p.ID,
		SiteID:                 p.SiteID,
		Currency:               p.Currency,
		Payer:                  p.Payer,
		ExcludedPaymentTypes:   p.ExcludedPaymentTypes,
		ExcludedPaymentMethods: p.ExcludedPaymentMethods,
		DefaultPaymentMethodID: p.DefaultPaymentMethodID,
		DefaultInstallments:    p.DefaultInstallments,
		MaxInstallments:        p.MaxInstallments,
		DifferentialPricingID:  p.DifferentialPricingID,
	}
	for i, it := range p.Items {
		if it.UnitPrice.AmountMinor <= 0 {
			return nil, fmt.Errorf("item %d: unit_price must be positive", i)
		}
		if it.UnitPrice.Currency == "" {
			it.UnitPrice.Currency = p.Currency
		}
		if it.UnitPrice.Currency != p.Currency {
			return nil, fmt.Errorf("item %d: currency %s does not match %s", i, it.UnitPrice.Currency, p.Currency)
		}
		pref.Items = append(pref.Items, domain.Item{ID: it.ID, Title: it.Title, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return pref, nil
}

func (h HookRequest) toDomain() hooks.Hook {
	hook := hooks.Hook{ID: h.ID, Point: hooks.Point(h.Point)}
	if h.Title != nil {
		hook.Title = optional.Some(*h.Title)
	}
	if h.ShowBackArrow != nil {
		hook.ShowBackArrow = optional.Some(*h.ShowBackArrow)
	}
	return hook
}

// StartCheckout handles POST /checkout-sessions
func (h *Handler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	payerID := middleware.GetPayerID(r.Context())

	var req StartCheckoutRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	pref, err := req.Preference.toDomain()
	if err != nil {
		api.ValidationError(w, err)
		return
	}
	hs := make([]hooks.Hook, 0, len(req.Hooks))
	for _, hr := range req.Hooks {
		hs = append(hs, hr.toDomain())
	}

	s, err := h.sessions.StartCheckout(r.Context(), session.CheckoutRequest{
		PayerID:       payerID,
		CorrelationID: middleware.GetCorrelationID(r.Context()),
		Preference:    pref,
		Advanced:      req.Advanced,
		ChargeRules:   req.ChargeRules,
		Hooks:         hs,
	})
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	api.WriteData(w, http.StatusAccepted, s.View())
}

// StartCardRequest is the API request for starting a card association
type StartCardRequest struct {
	SkipCongrats bool `json:"skip_congrats"`
}

// StartCardAssociation handles POST /card-sessions
func (h *Handler) StartCardAssociation(w http.ResponseWriter, r *http.Request) {
	var req StartCardRequest
	if r.ContentLength != 0 {
		if err := api.DecodeAndValidate(r, &req); err != nil && !errors.Is(err, io.EOF) {
			api.ValidationError(w, err)
			return
		}
	}

	accessToken := middleware.GetAccessToken(r.Context())
	if accessToken == "" {
		api.Forbidden(w, "token does not allow card association")
		return
	}

	s, err := h.sessions.StartCardAssociation(r.Context(), session.CardRequest{
		PayerID:       middleware.GetPayerID(r.Context()),
		CorrelationID: middleware.GetCorrelationID(r.Context()),
		AccessToken:   accessToken,
		SkipCongrats:  req.SkipCongrats,
	})
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	api.WriteData(w, http.StatusAccepted, s.View())
}

// ownedSession loads the session in the URL and checks it belongs to the payer.
// Sessions of other payers are reported as missing.
func (h *Handler) ownedSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err == nil && s.PayerID != middleware.GetPayerID(r.Context()) {
		err = session.ErrNotFound
	}
	if err != nil {
		h.writeSessionError(w, err)
		return nil, false
	}
	return s, true
}

// GetSession handles GET /sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	api.WriteData(w, http.StatusOK, s.View())
}

// CancelSession handles DELETE /sessions/{id}
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	if err := h.sessions.Cancel(s.ID); err != nil {
		h.writeSessionError(w, err)
		return
	}
	api.WriteData(w, http.StatusAccepted, s.View())
}

// RetrySession handles POST /sessions/{id}/retry
func (h *Handler) RetrySession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	if err := h.sessions.Retry(s.ID); err != nil {
		h.writeSessionError(w, err)
		return
	}
	api.WriteData(w, http.StatusAccepted, s.View())
}

// ReplyScreen handles POST /sessions/{id}/screens/{screen}
func (h *Handler) ReplyScreen(w http.ResponseWriter, r *http.Request) {
	s, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReplyBytes))
	if err != nil {
		api.BadRequest(w, "reply body too large")
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		api.ValidationError(w, errors.New("reply is not valid JSON"))
		return
	}

	screen := session.ScreenName(chi.URLParam(r, "screen"))
	if err := h.sessions.Reply(s.ID, screen, body); err != nil {
		h.writeSessionError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, s.View())
}

// ListJournal handles GET /journal
func (h *Handler) ListJournal(w http.ResponseWriter, r *http.Request) {
	page := api.GetPaginationParams(r, 20, 100)

	entries, total, err := h.journal.ListByPayer(r.Context(), middleware.GetPayerID(r.Context()), page.Limit, page.Offset)
	if err != nil {
		h.logger.Error("listing journal", "error", err)
		api.InternalError(w, "failed to list journal")
		return
	}
	if entries == nil {
		entries = []*journal.Entry{}
	}

	api.WritePaginated(w, entries, api.NewPagination(page, len(entries), total))
}

// GetJournalEntry handles GET /journal/{id}
func (h *Handler) GetJournalEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.journal.Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil && e.PayerID != middleware.GetPayerID(r.Context()) {
		err = database.ErrNotFound
	}
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "journal entry not found")
			return
		}
		h.logger.Error("reading journal", "error", err)
		api.InternalError(w, "failed to get journal entry")
		return
	}
	api.WriteData(w, http.StatusOK, e)
}

func (h *Handler) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		api.NotFound(w, "session not found")
	case errors.Is(err, session.ErrInvalidRequest):
		api.BadRequest(w, err.Error())
	case errors.Is(err, session.ErrInvalidReply):
		api.ValidationError(w, err)
	case errors.Is(err, session.ErrFinished),
		errors.Is(err, session.ErrNotRetryable),
		errors.Is(err, session.ErrNoPendingScreen),
		errors.Is(err, session.ErrScreenMismatch):
		api.Conflict(w, err.Error())
	default:
		h.logger.Error("session request failed", "error", err)
		api.InternalError(w, "session request failed")
	}
}
