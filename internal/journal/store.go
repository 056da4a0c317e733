// Package journal records the outcome of every finished checkout session.
package journal

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"checkoutcore/internal/common/database"
	"checkoutcore/internal/common/money"
)

// Migrations holds the journal schema.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// Entry is the journal row of one session
type Entry struct {
	SessionID       string       `json:"session_id"`
	Kind            string       `json:"kind"`
	PayerID         string       `json:"payer_id,omitempty"`
	Status          string       `json:"status"`
	Outcome         string       `json:"outcome,omitempty"`
	PaymentIDs      []string     `json:"payment_ids,omitempty"`
	PaymentStatus   string       `json:"payment_status,omitempty"`
	StatusDetail    string       `json:"status_detail,omitempty"`
	PaymentMethodID string       `json:"payment_method_id,omitempty"`
	Amount          *money.Money `json:"amount,omitempty"`
	CardID          string       `json:"card_id,omitempty"`
	Error           string       `json:"error,omitempty"`
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      time.Time    `json:"finished_at"`
}

// Store provides journal data access
type Store struct {
	db database.Querier
}

// New creates a journal store
func New(db database.Querier) *Store {
	return &Store{db: db}
}

// Record writes e. Recording a session again replaces its row, so a
// session retried after a failure keeps only its last outcome.
func (s *Store) Record(ctx context.Context, e Entry) error {
	query := `
		INSERT INTO checkout_journal (
			session_id, kind, payer_id, status, outcome, payment_ids,
			payment_status, status_detail, payment_method_id, amount_minor,
			currency, card_id, error, started_at, finished_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
		ON CONFLICT (session_id) DO UPDATE SET
			status = EXCLUDED.status,
			outcome = EXCLUDED.outcome,
			payment_ids = EXCLUDED.payment_ids,
			payment_status = EXCLUDED.payment_status,
			status_detail = EXCLUDED.status_detail,
			payment_method_id = EXCLUDED.payment_method_id,
			amount_minor = EXCLUDED.amount_minor,
			currency = EXCLUDED.currency,
			card_id = EXCLUDED.card_id,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at
	`

	amountMinor, currency := splitAmount(e.Amount)
	paymentIDs := e.PaymentIDs
	if paymentIDs == nil {
		paymentIDs = []string{}
	}

	_, err := s.db.Exec(ctx, query,
		e.SessionID,
		e.Kind,
		e.PayerID,
		e.Status,
		e.Outcome,
		paymentIDs,
		e.PaymentStatus,
		e.StatusDetail,
		e.PaymentMethodID,
		amountMinor,
		currency,
		e.CardID,
		e.Error,
		e.StartedAt,
		e.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("recording session %s: %w", e.SessionID, err)
	}
	return nil
}

const selectColumns = `
	SELECT session_id, kind, payer_id, status, outcome, payment_ids,
		   payment_status, status_detail, payment_method_id, amount_minor,
		   currency, card_id, error, started_at, finished_at
	FROM checkout_journal
`

// Get returns the entry of a session
func (s *Store) Get(ctx context.Context, sessionID string) (*Entry, error) {
	row := s.db.QueryRow(ctx, selectColumns+` WHERE session_id = $1`, sessionID)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("getting session %s: %w", sessionID, err)
	}
	return e, nil
}

// ListByPayer lists a payer's entries, newest first
func (s *Store) ListByPayer(ctx context.Context, payerID string, limit, offset int) ([]*Entry, int64, error) {
	var total int64
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM checkout_journal WHERE payer_id = $1`, payerID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting entries: %w", err)
	}

	rows, err := s.db.Query(ctx,
		selectColumns+` WHERE payer_id = $1 ORDER BY finished_at DESC LIMIT $2 OFFSET $3`,
		payerID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("listing entries: %w", err)
	}
	return entries, total, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e           Entry
		amountMinor *int64
		currency    string
	)
	err := row.Scan(
		&e.SessionID, &e.Kind, &e.PayerID, &e.Status, &e.Outcome, &e.PaymentIDs,
		&e.PaymentStatus, &e.StatusDetail, &e.PaymentMethodID, &amountMinor,
		&currency, &e.CardID, &e.Error, &e.StartedAt, &e.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Amount = joinAmount(amountMinor, currency)
	return &e, nil
}

func splitAmount(m *money.Money) (*int64, string) {
	if m == nil {
		return nil, ""
	}
	v := m.AmountMinor
	return &v, string(m.Currency)
}

func joinAmount(amountMinor *int64, currency string) *money.Money {
	if amountMinor == nil {
		return nil
	}
	m := money.New(*amountMinor, money.Currency(currency))
	return &m
}
