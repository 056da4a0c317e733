package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"checkoutcore/internal/checkout/addcard"
	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/checkout/flow"
	"checkoutcore/internal/checkout/hooks"
	"checkoutcore/internal/checkout/onetap"
	"checkoutcore/internal/checkout/payment"
)

var (
	ErrNoPendingScreen = errors.New("session: no pending screen")
	ErrScreenMismatch  = errors.New("session: reply does not match the pending screen")
	ErrInvalidReply    = errors.New("session: invalid screen reply")
	ErrScreenTimeout   = errors.New("session: screen timed out")
)

// ScreenName identifies a screen waiting for the payer.
type ScreenName string

const (
	ScreenReview         ScreenName = "review"
	ScreenSecurityCode   ScreenName = "security_code"
	ScreenHook           ScreenName = "hook"
	ScreenProcessor      ScreenName = "processor"
	ScreenCardForm       ScreenName = "card_form"
	ScreenIdentification ScreenName = "identification"
	ScreenCongrats       ScreenName = "congrats"
	ScreenError          ScreenName = "error"
)

// Screen is what the client must render next.
type Screen struct {
	ID        string     `json:"id"`
	Name      ScreenName `json:"name"`
	Payload   any        `json:"payload,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// HookScreen is the payload of a hook screen.
type HookScreen struct {
	ID            string      `json:"id"`
	Point         hooks.Point `json:"point"`
	Title         string      `json:"title,omitempty"`
	ShowBackArrow bool        `json:"show_back_arrow"`
}

// SecurityCodeReply answers a security code screen.
type SecurityCodeReply struct {
	SecurityCode string `json:"security_code"`
}

// ErrorReply answers an error screen.
type ErrorReply struct {
	Action addcard.ErrorAction `json:"action"`
}

type pending struct {
	screen Screen
	decode func(json.RawMessage) (any, error)
	reply  chan any
}

// Bridge turns the navigator calls of a flow into screens that a client
// polls for and answers. At most one screen is pending at a time, since a
// flow has a single handler in flight.
type Bridge struct {
	timeout time.Duration

	mu      sync.Mutex
	pending *pending
}

var (
	_ onetap.Navigator  = (*Bridge)(nil)
	_ addcard.Navigator = (*Bridge)(nil)
)

// NewBridge creates a bridge. Screens left unanswered for timeout cancel
// the flow; a zero timeout waits until the flow context ends.
func NewBridge(timeout time.Duration) *Bridge {
	return &Bridge{timeout: timeout}
}

// Pending returns the screen waiting for a reply.
func (b *Bridge) Pending() (Screen, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return Screen{}, false
	}
	return b.pending.screen, true
}

// Deliver hands the payer's reply to the pending screen. The reply is
// decoded before it is accepted, so a malformed reply leaves the screen
// pending.
func (b *Bridge) Deliver(name ScreenName, raw json.RawMessage) error {
	b.mu.Lock()
	p := b.pending
	if p == nil {
		b.mu.Unlock()
		return ErrNoPendingScreen
	}
	if p.screen.Name != name {
		b.mu.Unlock()
		return fmt.Errorf("%w: pending %s, got %s", ErrScreenMismatch, p.screen.Name, name)
	}
	v, err := p.decode(raw)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}
	b.pending = nil
	b.mu.Unlock()

	p.reply <- v
	return nil
}

func (b *Bridge) await(ctx context.Context, name ScreenName, payload any, decode func(json.RawMessage) (any, error)) (any, error) {
	p := &pending{
		screen: Screen{ID: ulid.Make().String(), Name: name, Payload: payload, CreatedAt: time.Now().UTC()},
		decode: decode,
		reply:  make(chan any, 1),
	}

	b.mu.Lock()
	b.pending = p
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.pending == p {
			b.pending = nil
		}
		b.mu.Unlock()
	}()

	var expired <-chan time.Time
	if b.timeout > 0 {
		t := time.NewTimer(b.timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case v := <-p.reply:
		return v, nil
	case <-expired:
		return nil, fmt.Errorf("%w: %w", flow.ErrCanceled, ErrScreenTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", flow.ErrCanceled, ctx.Err())
	}
}

// decodeInto decodes a reply as T. An empty reply decodes to the zero value.
func decodeInto[T any](raw json.RawMessage) (any, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func ask[T any](ctx context.Context, b *Bridge, name ScreenName, payload any, check func(T) error) (T, error) {
	var zero T
	v, err := b.await(ctx, name, payload, func(raw json.RawMessage) (any, error) {
		v, err := decodeInto[T](raw)
		if err != nil {
			return nil, err
		}
		if check != nil {
			if err := check(v.(T)); err != nil {
				return nil, err
			}
		}
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// Review implements onetap.Navigator.
func (b *Bridge) Review(ctx context.Context, req onetap.ReviewRequest) (onetap.ReviewAction, error) {
	return ask(ctx, b, ScreenReview, req, func(a onetap.ReviewAction) error {
		switch a.Kind {
		case onetap.ActionConfirm, onetap.ActionChangePaymentMethod, onetap.ActionRefreshInit, onetap.ActionExit:
			return nil
		}
		return fmt.Errorf("unknown review action %q", a.Kind)
	})
}

// SecurityCode implements onetap.Navigator.
func (b *Bridge) SecurityCode(ctx context.Context, req onetap.SecurityCodeRequest) (string, error) {
	r, err := ask(ctx, b, ScreenSecurityCode, req, func(r SecurityCodeReply) error {
		if r.SecurityCode == "" {
			return errors.New("security_code is required")
		}
		if n := req.Card.SecurityCodeLength; n > 0 && len(r.SecurityCode) != n {
			return fmt.Errorf("security_code must have %d digits", n)
		}
		return nil
	})
	return r.SecurityCode, err
}

// ShowHook implements onetap.Navigator. Any reply dismisses the hook.
func (b *Bridge) ShowHook(ctx context.Context, h hooks.Hook, _ hooks.Checkout) error {
	_, err := ask[struct{}](ctx, b, ScreenHook, HookScreen{
		ID:            h.ID,
		Point:         h.Point,
		Title:         h.Title.OrElse(""),
		ShowBackArrow: h.ShowBackArrow.OrElse(true),
	}, nil)
	return err
}

// ShowProcessorScreen implements payment.Navigator.
func (b *Bridge) ShowProcessorScreen(ctx context.Context, c hooks.Checkout) (payment.ProcessorResult, error) {
	return ask(ctx, b, ScreenProcessor, c.PaymentData, func(r payment.ProcessorResult) error {
		if (r.Payment == nil) == (r.Business == nil) {
			return errors.New("exactly one of payment and business is required")
		}
		return nil
	})
}

// CardForm implements addcard.Navigator.
func (b *Bridge) CardForm(ctx context.Context, req addcard.CardFormRequest) (addcard.CardFormResult, error) {
	return ask(ctx, b, ScreenCardForm, req, func(r addcard.CardFormResult) error {
		if r.PaymentMethod.ID == "" {
			return errors.New("payment_method is required")
		}
		return nil
	})
}

// Identification implements addcard.Navigator.
func (b *Bridge) Identification(ctx context.Context, req addcard.IdentificationRequest) (domain.Identification, error) {
	return ask[domain.Identification](ctx, b, ScreenIdentification, req, nil)
}

// Congrats implements addcard.Navigator.
func (b *Bridge) Congrats(ctx context.Context, card *domain.CardInformation) error {
	_, err := ask[struct{}](ctx, b, ScreenCongrats, card, nil)
	return err
}

// ErrorScreen implements addcard.Navigator.
func (b *Bridge) ErrorScreen(ctx context.Context, e addcard.ErrorScreen) (addcard.ErrorAction, error) {
	r, err := ask(ctx, b, ScreenError, e, func(r ErrorReply) error {
		if r.Action != addcard.ActionRetry && r.Action != addcard.ActionCancel {
			return fmt.Errorf("unknown action %q", r.Action)
		}
		return nil
	})
	return r.Action, err
}
