package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"

	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/checkout/service"
	"checkoutcore/internal/common/money"
)

type fakeRequester struct {
	mu    sync.Mutex
	reply func(msg *nats.Msg) ([]byte, error)
	sent  []*nats.Msg
}

func (f *fakeRequester) RequestMsgWithContext(_ context.Context, msg *nats.Msg) (*nats.Msg, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	data, err := f.reply(msg)
	if err != nil {
		return nil, err
	}
	return &nats.Msg{Subject: "_INBOX.reply", Data: data}, nil
}

func (f *fakeRequester) last(t *testing.T) *nats.Msg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no request sent")
	}
	return f.sent[len(f.sent)-1]
}

func newTestAdapter(reply func(*nats.Msg) ([]byte, error)) (*Adapter, *fakeRequester) {
	req := &fakeRequester{reply: reply}
	cfg := Config{SubjectPrefix: "payments.checkout", PublicKey: "pk", ProductID: "prod"}
	return NewAdapter(cfg, req, slog.New(slog.NewTextHandler(io.Discard, nil))), req
}

func TestInitDecodesSearch(t *testing.T) {
	t.Parallel()

	a, req := newTestAdapter(func(msg *nats.Msg) ([]byte, error) {
		var in service.InitRequest
		if err := json.Unmarshal(msg.Data, &in); err != nil {
			return nil, err
		}
		if in.PreferenceID != "PREF123" {
			return []byte(`{"error":{"status":400,"message":"wrong preference"}}`), nil
		}
		return []byte(`{"data":{"site_id":"MLA","currency":"ARS","payment_methods":[{"id":"visa","name":"Visa","payment_type_id":"credit_card"}]}}`), nil
	})

	search, err := a.Init(context.Background(), service.InitRequest{PreferenceID: "PREF123"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if search.SiteID != "MLA" || search.Currency != money.ARS || len(search.PaymentMethods) != 1 {
		t.Errorf("search = %+v", search)
	}

	msg := req.last(t)
	if msg.Subject != "payments.checkout.init" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if msg.Header.Get(HeaderPublicKey) != "pk" || msg.Header.Get(HeaderProductID) != "prod" {
		t.Errorf("headers = %v", msg.Header)
	}
	if msg.Header.Get(HeaderRequestID) == "" {
		t.Error("missing request id")
	}
}

func TestCreatePaymentSendsIdempotencyKey(t *testing.T) {
	t.Parallel()

	a, req := newTestAdapter(func(*nats.Msg) ([]byte, error) {
		return []byte(`{"data":{"id":"123","status":"approved","status_detail":"accredited"}}`), nil
	})

	p, err := a.CreatePayment(context.Background(), service.PaymentRequest{
		IdempotencyKey:    "idem-1",
		ProductID:         "other",
		PreferenceID:      "PREF123",
		TransactionAmount: money.New(10000, money.ARS),
	})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if p.ID != "123" || p.Status != domain.StatusApproved {
		t.Errorf("payment = %+v", p)
	}

	msg := req.last(t)
	if got := msg.Header.Get(HeaderIdempotencyKey); got != "idem-1" {
		t.Errorf("idempotency key = %q", got)
	}
	if got := msg.Header.Get(HeaderProductID); got != "other" {
		t.Errorf("product id = %q", got)
	}
	var body map[string]any
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		t.Fatal(err)
	}
	if _, ok := body["IdempotencyKey"]; ok {
		t.Error("idempotency key leaked into the body")
	}
	if body["pref_id"] != "PREF123" {
		t.Errorf("body = %v", body)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		reply     string
		err       error
		kind      service.Kind
		status    int
		cause     string
		wantCause bool
	}{
		{name: "transport", err: nats.ErrTimeout, kind: service.KindConnectivity},
		{name: "no responders", err: nats.ErrNoResponders, kind: service.KindConnectivity},
		{name: "garbage", reply: `not json`, kind: service.KindSerialization},
		{name: "empty data", reply: `{"data":null}`, kind: service.KindSerialization},
		{name: "not found", reply: `{"error":{"status":404,"error":"not_found"}}`, kind: service.KindNotFound, status: 404},
		{
			name:      "backend with cause",
			reply:     `{"error":{"status":400,"message":"invalid esc","cause":[{"code":"E216"}]}}`,
			kind:      service.KindBackend,
			status:    400,
			cause:     service.CauseInvalidESC,
			wantCause: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, _ := newTestAdapter(func(*nats.Msg) ([]byte, error) {
				if tt.err != nil {
					return nil, tt.err
				}
				return []byte(tt.reply), nil
			})

			_, err := a.CreateSavedCardToken(context.Background(), service.SavedCardTokenRequest{CardID: "card1", ESC: "esc"})
			se, ok := service.AsError(err)
			if !ok {
				t.Fatalf("err = %v, want *service.Error", err)
			}
			if se.Kind != tt.kind || se.Origin != service.OriginCreateToken || se.Status != tt.status {
				t.Errorf("error = %+v", se)
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Errorf("transport error not wrapped: %v", err)
			}
			if tt.cause != "" && se.ContainsCause(tt.cause) != tt.wantCause {
				t.Errorf("ContainsCause(%s) = %t", tt.cause, !tt.wantCause)
			}
		})
	}
}

func TestInstructionsAndEmptyLists(t *testing.T) {
	t.Parallel()

	a, req := newTestAdapter(func(msg *nats.Msg) ([]byte, error) {
		switch msg.Subject {
		case "payments.checkout.instructions":
			return []byte(`{"data":[{"title":"Pay at a branch","amount":{"amount_minor":500,"currency":"ARS"}}]}`), nil
		default:
			return []byte(`{"data":[]}`), nil
		}
	})

	ins, err := a.GetInstructions(context.Background(), "55", domain.TypeTicket)
	if err != nil {
		t.Fatalf("GetInstructions: %v", err)
	}
	if len(ins) != 1 || ins[0].Title != "Pay at a branch" {
		t.Errorf("instructions = %+v", ins)
	}
	var body instructionsRequest
	if err := json.Unmarshal(req.last(t).Data, &body); err != nil || body.PaymentID != "55" || body.PaymentTypeID != domain.TypeTicket {
		t.Errorf("request = %+v, %v", body, err)
	}

	types, err := a.GetIdentificationTypes(context.Background())
	if err != nil || len(types) != 0 {
		t.Errorf("types = %v, %v", types, err)
	}
}

func TestTokenReplyKeepsESCOffTheWire(t *testing.T) {
	t.Parallel()

	a, _ := newTestAdapter(func(*nats.Msg) ([]byte, error) {
		return []byte(`{"data":{"id":"tok1","card_id":"card1","first_six_digits":"450995","last_four_digits":"3704","esc":"fresh-esc"}}`), nil
	})

	tok, err := a.CreateSavedCardToken(context.Background(), service.SavedCardTokenRequest{CardID: "card1", SecurityCode: "123"})
	if err != nil {
		t.Fatalf("CreateSavedCardToken: %v", err)
	}
	if tok.ID != "tok1" || tok.CardID != "card1" || tok.ESC != "fresh-esc" {
		t.Fatalf("token = %+v", tok)
	}

	out, err := json.Marshal(tok)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(out, []byte("fresh-esc")) || bytes.Contains(out, []byte(`"esc"`)) {
		t.Errorf("encoded token carries the esc: %s", out)
	}
}
