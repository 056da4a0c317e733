package hooks

import (
	"testing"

	"checkoutcore/internal/common/optional"
)

func TestRegistryLifecycle(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if !r.Register(Hook{ID: "h1", Point: BeforePayment}) {
		t.Fatal("first hook rejected")
	}
	if r.Register(Hook{ID: "h2", Point: BeforePayment}) {
		t.Fatal("second hook at the same point accepted")
	}
	if !r.Register(Hook{ID: "h3", Point: AfterPaymentMethodConfig}) {
		t.Fatal("hook at another point rejected")
	}

	h, ok := r.Active(BeforePayment)
	if !ok || h.ID != "h1" {
		t.Fatalf("Active = %+v, %v", h, ok)
	}

	r.Dismiss(BeforePayment)
	if _, ok := r.Active(BeforePayment); ok {
		t.Fatal("dismissed hook still active")
	}
	if _, ok := r.Active(AfterPaymentMethodConfig); !ok {
		t.Fatal("dismiss removed another point")
	}

	r.Restore(BeforePayment)
	r.Restore(BeforePayment)
	if h, ok := r.Active(BeforePayment); !ok || h.ID != "h1" {
		t.Fatalf("restored hook = %+v, %v", h, ok)
	}
	r.Dismiss(BeforePayment)
	if _, ok := r.Active(BeforePayment); ok {
		t.Fatal("Restore added the hook twice")
	}

	r.Dismiss(AfterPaymentMethodConfig)
	r.ResetShown()
	for _, p := range []Point{BeforePayment, AfterPaymentMethodConfig} {
		if _, ok := r.Active(p); !ok {
			t.Errorf("ResetShown did not restore %s", p)
		}
	}

	r.Clear()
	for _, p := range Points {
		if _, ok := r.Active(p); ok {
			t.Errorf("Clear left a hook at %s", p)
		}
	}
}

func TestRegisterAfterDismiss(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if !r.Register(Hook{ID: "h1", Point: BeforePayment}) {
		t.Fatal("first hook rejected")
	}
	r.Dismiss(BeforePayment)
	if r.Register(Hook{ID: "h2", Point: BeforePayment}) {
		t.Fatal("second hook accepted after the first was shown")
	}

	r.ResetShown()
	h, ok := r.Active(BeforePayment)
	if !ok || h.ID != "h1" {
		t.Fatalf("Active = %+v, %v", h, ok)
	}
	r.Dismiss(BeforePayment)
	if _, ok := r.Active(BeforePayment); ok {
		t.Fatal("two hooks pending at one point")
	}

	r.Clear()
	if !r.Register(Hook{ID: "h2", Point: BeforePayment}) {
		t.Fatal("Clear did not free the point")
	}
}

func TestHookSkips(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		hook Hook
		want bool
	}{
		{name: "no skip member", hook: Hook{Point: BeforePayment}},
		{name: "skip true", hook: Hook{ShouldSkip: optional.Some(func(Checkout) bool { return true })}, want: true},
		{name: "skip false", hook: Hook{ShouldSkip: optional.Some(func(Checkout) bool { return false })}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.hook.Skips(Checkout{}); got != tt.want {
				t.Errorf("Skips = %v, want %v", got, tt.want)
			}
		})
	}
}
