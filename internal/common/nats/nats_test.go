package nats

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/nats-io/nats.go/jetstream"

	"checkoutcore/internal/common/events"
)

type fakeStream struct {
	subject string
	payload []byte
	opts    int
	err     error
}

func (f *fakeStream) Publish(_ context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subject = subject
	f.payload = payload
	f.opts = len(opts)
	return &jetstream.PubAck{Stream: "CHECKOUT_EVENTS", Sequence: 1}, nil
}

func TestPublishUsesTypedSubject(t *testing.T) {
	t.Parallel()

	js := &fakeStream{}
	p := NewPublisher(js, slog.New(slog.NewTextHandler(io.Discard, nil)))

	evt, err := events.NewEvent(events.EventPaymentResult, "s1", "payer1", events.PaymentResultData{Status: "approved"})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Publish(context.Background(), evt.WithCorrelation("req-1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if js.subject != "events.checkout.payment.result" {
		t.Errorf("subject = %q", js.subject)
	}
	if js.opts != 1 {
		t.Errorf("publish options = %d, want the message id", js.opts)
	}

	var got events.Event
	if err := json.Unmarshal(js.payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != evt.ID || got.CorrelationID != "req-1" || got.SessionID != "s1" {
		t.Errorf("envelope = %+v", got)
	}
	var data events.PaymentResultData
	if err := got.DecodeData(&data); err != nil || data.Status != "approved" {
		t.Errorf("data = %+v, %v", data, err)
	}
}

func TestPublishWrapsStreamErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("no responders")
	p := NewPublisher(&fakeStream{err: boom}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	evt, _ := events.NewEvent(events.EventSessionStarted, "s1", "", events.SessionStartedData{Kind: "checkout"})
	if err := p.Publish(context.Background(), evt); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
}

func TestEventStreamCoversCheckoutEvents(t *testing.T) {
	t.Parallel()

	cfg := EventStreamConfig("CHECKOUT_EVENTS")
	if len(cfg.Subjects) != 1 || cfg.Subjects[0] != "events.checkout.>" {
		t.Errorf("subjects = %v", cfg.Subjects)
	}
	for _, typ := range []string{events.EventSessionStarted, events.EventSessionFinished, events.EventPaymentResult, events.EventCardAssociated} {
		if s := Subject(typ); !strings.HasPrefix(s, "events.checkout.") {
			t.Errorf("subject %q outside the stream", s)
		}
	}
}
