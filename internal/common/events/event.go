package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"checkoutcore/internal/common/money"
)

// Event represents a checkout event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	SessionID     string          `json:"session_id"`
	PayerID       string          `json:"payer_id,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event for a session
func NewEvent(eventType, sessionID, payerID string, data any) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:         ulid.Make().String(),
		Type:       eventType,
		Version:    1,
		OccurredAt: time.Now().UTC(),
		SessionID:  sessionID,
		PayerID:    payerID,
		Data:       dataBytes,
	}, nil
}

// WithCorrelation sets the request correlation id
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher publishes events to a message broker
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Checkout event types
const (
	EventSessionStarted  = "checkout.session.started"
	EventSessionFinished = "checkout.session.finished"
	EventPaymentResult   = "checkout.payment.result"
	EventCardAssociated  = "checkout.card.associated"
)

// SessionStartedData is the data for checkout.session.started events
type SessionStartedData struct {
	Kind         string `json:"kind"`
	PreferenceID string `json:"preference_id,omitempty"`
	SiteID       string `json:"site_id,omitempty"`
}

// SessionFinishedData is the data for checkout.session.finished events
type SessionFinishedData struct {
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Outcome   string `json:"outcome,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// PaymentResultData is the data for checkout.payment.result events
type PaymentResultData struct {
	PaymentIDs      []string     `json:"payment_ids,omitempty"`
	Status          string       `json:"status"`
	StatusDetail    string       `json:"status_detail,omitempty"`
	PaymentMethodID string       `json:"payment_method_id,omitempty"`
	PaymentTypeID   string       `json:"payment_type_id,omitempty"`
	Total           *money.Money `json:"total,omitempty"`
	Business        bool         `json:"business,omitempty"`
}

// CardAssociatedData is the data for checkout.card.associated events
type CardAssociatedData struct {
	CardID          string `json:"card_id"`
	PaymentMethodID string `json:"payment_method_id,omitempty"`
	LastFourDigits  string `json:"last_four_digits,omitempty"`
}
