// Package snapshot holds the per-session inputs every flow is built from:
// the immutable run context and the shared preference/search snapshot.
package snapshot

import (
	"sync/atomic"

	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/checkout/service"
)

// AdvancedConfig holds integrator switches for a session.
type AdvancedConfig struct {
	ExpressEnabled bool                   `json:"express_enabled"`
	SplitEnabled   bool                   `json:"split_enabled"`
	HasProcessor   bool                   `json:"has_payment_processor"`
	ProductID      string                 `json:"product_id,omitempty"`
	PlatformID     string                 `json:"platform_id,omitempty"`
	Discount       service.DiscountParams `json:"discount_params"`
}

// Context is the immutable input of a checkout run.
type Context struct {
	Preference  *domain.CheckoutPreference
	Advanced    AdvancedConfig
	ChargeRules []domain.ChargeRule
}

// Snapshot is the current preference and search. It is never mutated; a
// change produces a new Snapshot.
type Snapshot struct {
	Preference *domain.CheckoutPreference
	Search     *domain.InitSearch
}

// Holder shares a Snapshot between the flows of a session.
type Holder struct {
	p atomic.Pointer[Snapshot]
}

// NewHolder creates a holder with an initial snapshot.
func NewHolder(s *Snapshot) *Holder {
	h := &Holder{}
	if s == nil {
		s = &Snapshot{}
	}
	h.p.Store(s)
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() *Snapshot {
	return h.p.Load()
}

// Store replaces the snapshot.
func (h *Holder) Store(s *Snapshot) {
	h.p.Store(s)
}

// Update applies fn until it wins the swap and returns the stored value.
// fn must not mutate its argument.
func (h *Holder) Update(fn func(*Snapshot) *Snapshot) *Snapshot {
	for {
		old := h.p.Load()
		next := fn(old)
		if h.p.CompareAndSwap(old, next) {
			return next
		}
	}
}

// UpdateSearch replaces the search through fn.
func (h *Holder) UpdateSearch(fn func(*domain.InitSearch) *domain.InitSearch) *Snapshot {
	return h.Update(func(s *Snapshot) *Snapshot {
		return &Snapshot{Preference: s.Preference, Search: fn(s.Search)}
	})
}
