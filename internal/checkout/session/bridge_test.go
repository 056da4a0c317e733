package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"checkoutcore/internal/checkout/addcard"
	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/checkout/flow"
	"checkoutcore/internal/checkout/hooks"
	"checkoutcore/internal/checkout/onetap"
)

func waitPending(t *testing.T, b *Bridge, name ScreenName) Screen {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := b.Pending(); ok && s.Name == name {
			return s
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("screen %s never pending", name)
	return Screen{}
}

func TestBridgeSecurityCodeLength(t *testing.T) {
	t.Parallel()

	b := NewBridge(0)
	got := make(chan string, 1)
	go func() {
		code, _ := b.SecurityCode(context.Background(), onetap.SecurityCodeRequest{
			Card: domain.CardInformation{CardID: "card1", SecurityCodeLength: 3},
		})
		got <- code
	}()

	waitPending(t, b, ScreenSecurityCode)
	tests := []struct {
		name string
		body string
	}{
		{name: "empty", body: `{}`},
		{name: "too long", body: `{"security_code":"1234"}`},
		{name: "not json", body: `123`},
	}
	for _, tt := range tests {
		if err := b.Deliver(ScreenSecurityCode, []byte(tt.body)); !errors.Is(err, ErrInvalidReply) {
			t.Errorf("%s: err = %v, want ErrInvalidReply", tt.name, err)
		}
	}

	if err := b.Deliver(ScreenSecurityCode, []byte(`{"security_code":"123"}`)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if code := <-got; code != "123" {
		t.Errorf("code = %q", code)
	}
	if _, ok := b.Pending(); ok {
		t.Error("screen still pending after reply")
	}
	if err := b.Deliver(ScreenSecurityCode, nil); !errors.Is(err, ErrNoPendingScreen) {
		t.Errorf("late reply = %v, want ErrNoPendingScreen", err)
	}
}

func TestBridgeProcessorNeedsOneResult(t *testing.T) {
	t.Parallel()

	b := NewBridge(0)
	done := make(chan error, 1)
	go func() {
		res, err := b.ShowProcessorScreen(context.Background(), hooks.Checkout{})
		if err == nil && (res.Payment == nil || res.Payment.ID != "9") {
			err = errors.New("unexpected processor result")
		}
		done <- err
	}()

	waitPending(t, b, ScreenProcessor)
	for _, body := range []string{`{}`, `{"payment":{"id":"9"},"business":{"approved":true}}`} {
		if err := b.Deliver(ScreenProcessor, []byte(body)); !errors.Is(err, ErrInvalidReply) {
			t.Errorf("%s: err = %v, want ErrInvalidReply", body, err)
		}
	}
	if err := b.Deliver(ScreenProcessor, []byte(`{"payment":{"id":"9","status":"approved"}}`)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestBridgeErrorScreenActions(t *testing.T) {
	t.Parallel()

	b := NewBridge(0)
	got := make(chan addcard.ErrorAction, 1)
	go func() {
		a, _ := b.ErrorScreen(context.Background(), addcard.ErrorScreen{})
		got <- a
	}()

	waitPending(t, b, ScreenError)
	if err := b.Deliver(ScreenError, []byte(`{"action":"ignore"}`)); !errors.Is(err, ErrInvalidReply) {
		t.Errorf("err = %v, want ErrInvalidReply", err)
	}
	if err := b.Deliver(ScreenError, []byte(`{"action":"retry"}`)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if a := <-got; a != addcard.ActionRetry {
		t.Errorf("action = %q", a)
	}
}

func TestBridgeTimeoutAndContext(t *testing.T) {
	t.Parallel()

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		b := NewBridge(5 * time.Millisecond)
		_, err := b.Review(context.Background(), onetap.ReviewRequest{})
		if !errors.Is(err, flow.ErrCanceled) || !errors.Is(err, ErrScreenTimeout) {
			t.Fatalf("err = %v", err)
		}
		if _, ok := b.Pending(); ok {
			t.Error("expired screen still pending")
		}
	})

	t.Run("context", func(t *testing.T) {
		t.Parallel()
		b := NewBridge(0)
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			for {
				if _, ok := b.Pending(); ok {
					cancel()
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
		err := b.Congrats(ctx, &domain.CardInformation{CardID: "c"})
		if !errors.Is(err, flow.ErrCanceled) || !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	})
}
