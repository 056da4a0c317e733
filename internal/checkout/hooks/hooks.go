// Package hooks lets an integrator insert its own screens at fixed points
// of the express flow.
package hooks

import (
	"slices"
	"sync"

	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/common/optional"
)

// Point is an insertion point
type Point string

const (
	BeforePaymentMethodConfig Point = "BEFORE_PAYMENT_METHOD_CONFIG"
	AfterPaymentMethodConfig  Point = "AFTER_PAYMENT_METHOD_CONFIG"
	BeforePayment             Point = "BEFORE_PAYMENT"
)

// Points lists the insertion points in flow order
var Points = []Point{BeforePaymentMethodConfig, AfterPaymentMethodConfig, BeforePayment}

// Checkout is the read-only view a hook receives
type Checkout struct {
	Preference  *domain.CheckoutPreference
	PaymentData *domain.PaymentData
}

// Hook is an integrator screen bound to a point
type Hook struct {
	ID    string
	Point Point

	ShouldSkip    optional.Value[func(Checkout) bool]
	DidReceive    optional.Value[func(Checkout)]
	Title         optional.Value[string]
	ShowBackArrow optional.Value[bool]
}

// Skips reports whether the hook asks to be skipped for c
func (h Hook) Skips(c Checkout) bool {
	fn, ok := h.ShouldSkip.Get()
	return ok && fn(c)
}

// Registry holds the registered hooks and the ones still to be shown.
// A point has at most one hook.
type Registry struct {
	mu     sync.RWMutex
	hooks  []Hook
	toShow []Hook
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds h unless a hook is already registered at its point, shown
// or not. Clear frees the point.
func (r *Registry) Register(h Hook) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.ContainsFunc(r.hooks, func(x Hook) bool { return x.Point == h.Point }) {
		return false
	}
	r.hooks = append(r.hooks, h)
	r.toShow = append(r.toShow, h)
	return true
}

// Active returns the pending hook at p
func (r *Registry) Active(p Point) (Hook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, h := range r.toShow {
		if h.Point == p {
			return h, true
		}
	}
	return Hook{}, false
}

// Dismiss marks the hook at p as shown
func (r *Registry) Dismiss(p Point) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.toShow = slices.DeleteFunc(r.toShow, func(h Hook) bool { return h.Point == p })
}

// Restore makes the registered hook at p pending again
func (r *Registry) Restore(p Point) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.ContainsFunc(r.toShow, func(h Hook) bool { return h.Point == p }) {
		return
	}
	for _, h := range r.hooks {
		if h.Point == p {
			r.toShow = append(r.toShow, h)
		}
	}
}

// ResetShown makes every registered hook pending again
func (r *Registry) ResetShown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.toShow = slices.Clone(r.hooks)
}

// Clear removes all hooks
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hooks = nil
	r.toShow = nil
}
