// Package esc caches the short-lived security codes that let a saved card
// be charged without asking for its CVV again.
//
// A card is identified either by its card id or by its first six and last
// four digits. When both forms are seen together the manager records an
// alias, so later lookups by either form reach the same entry.
package esc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrNoIdentity is returned when an identity carries neither form
var ErrNoIdentity = errors.New("esc: identity has no card id nor digits")

const (
	cardPrefix   = "card:"
	digitsPrefix = "digits:"
	aliasPrefix  = "alias:"
)

// Config holds ESC cache configuration
type Config struct {
	Enabled bool   `envconfig:"ESC_ENABLED" default:"true"`
	Flow    string `envconfig:"ESC_FLOW" default:"checkout"`
}

// Identity identifies a physical card
type Identity struct {
	CardID   string
	FirstSix string
	LastFour string
}

// CardID builds an identity from a saved card id
func CardID(id string) Identity {
	return Identity{CardID: id}
}

// Digits builds an identity from the first six and last four digits
func Digits(firstSix, lastFour string) Identity {
	return Identity{FirstSix: firstSix, LastFour: lastFour}
}

// HasDigits reports whether both digit groups are set
func (i Identity) HasDigits() bool {
	return i.FirstSix != "" && i.LastFour != ""
}

// IsZero reports whether the identity is empty
func (i Identity) IsZero() bool {
	return i.CardID == "" && !i.HasDigits()
}

func (i Identity) String() string {
	if i.CardID != "" {
		return "card " + i.CardID
	}
	return "card ****" + i.LastFour
}

func (i Identity) digits() string {
	return i.FirstSix + ":" + i.LastFour
}

// Entry is a cached code
type Entry struct {
	Code    string    `json:"code"`
	Flow    string    `json:"flow"`
	SavedAt time.Time `json:"saved_at"`
}

// Manager is the ESC cache. Writers are serialized; readers go straight
// to the store.
type Manager struct {
	store   Store
	enabled bool
	flow    string
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

// NewManager creates a manager over store
func NewManager(store Store, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		store:   store,
		enabled: cfg.Enabled,
		flow:    cfg.Flow,
		logger:  logger,
		now:     time.Now,
	}
}

// Enabled reports whether codes are stored at all
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Save stores code for the card. A later save for the same card wins.
func (m *Manager) Save(ctx context.Context, id Identity, code string) error {
	if !m.enabled || code == "" {
		return nil
	}
	if id.IsZero() {
		return ErrNoIdentity
	}

	value, err := json.Marshal(Entry{Code: code, Flow: m.flow, SavedAt: m.now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var b Batch
	switch {
	case id.CardID != "":
		b.set(cardPrefix+id.CardID, value)
		if id.HasDigits() {
			// The digits entry is now the same card; keep a single entry.
			b.set(aliasPrefix+id.digits(), []byte(id.CardID))
			b.del(digitsPrefix + id.digits())
		}
	default:
		alias, err := m.alias(ctx, id)
		if err != nil {
			return err
		}
		if alias != "" {
			b.set(cardPrefix+alias, value)
		} else {
			b.set(digitsPrefix+id.digits(), value)
		}
	}

	if err := m.store.Apply(ctx, b); err != nil {
		return fmt.Errorf("saving esc: %w", err)
	}

	m.logger.Debug("esc saved", "card", id.String(), "flow", m.flow)
	return nil
}

// Lookup returns the cached code for the card. Store failures are logged
// and reported as a miss, so the payer is asked for the security code.
func (m *Manager) Lookup(ctx context.Context, id Identity) (string, bool) {
	if !m.enabled || id.IsZero() {
		return "", false
	}

	keys, err := m.resolve(ctx, id)
	if err != nil {
		m.logger.Warn("esc lookup failed", "card", id.String(), "error", err)
		return "", false
	}

	for _, k := range keys {
		raw, ok, err := m.store.Get(ctx, k)
		if err != nil {
			m.logger.Warn("esc lookup failed", "card", id.String(), "error", err)
			return "", false
		}
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			m.logger.Warn("esc entry corrupt", "card", id.String(), "error", err)
			continue
		}
		return e.Code, true
	}
	return "", false
}

// Has reports whether a code is cached for the card
func (m *Manager) Has(ctx context.Context, id Identity) bool {
	_, ok := m.Lookup(ctx, id)
	return ok
}

// Delete drops every entry the identity resolves to
func (m *Manager) Delete(ctx context.Context, id Identity) error {
	if !m.enabled || id.IsZero() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	keys, err := m.resolve(ctx, id)
	if err != nil {
		return err
	}

	var b Batch
	b.del(keys...)
	if err := m.store.Apply(ctx, b); err != nil {
		return fmt.Errorf("deleting esc: %w", err)
	}

	m.logger.Debug("esc deleted", "card", id.String())
	return nil
}

// SavedCardIDs returns the card ids that have a cached code
func (m *Manager) SavedCardIDs(ctx context.Context) ([]string, error) {
	if !m.enabled {
		return nil, nil
	}
	keys, err := m.store.Keys(ctx, cardPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing esc entries: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, cardPrefix))
	}
	return ids, nil
}

func (m *Manager) alias(ctx context.Context, id Identity) (string, error) {
	if !id.HasDigits() {
		return "", nil
	}
	raw, ok, err := m.store.Get(ctx, aliasPrefix+id.digits())
	if err != nil {
		return "", fmt.Errorf("reading alias: %w", err)
	}
	if !ok {
		return "", nil
	}
	return string(raw), nil
}

// resolve returns the entry keys for id in lookup order
func (m *Manager) resolve(ctx context.Context, id Identity) ([]string, error) {
	var keys []string
	if id.CardID != "" {
		keys = append(keys, cardPrefix+id.CardID)
	}
	if id.HasDigits() {
		alias, err := m.alias(ctx, id)
		if err != nil {
			return nil, err
		}
		if alias != "" && alias != id.CardID {
			keys = append(keys, cardPrefix+alias)
		}
		keys = append(keys, digitsPrefix+id.digits())
	}
	return keys, nil
}
