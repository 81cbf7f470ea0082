package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// LedgerRepo is the append-only credit balance ledger. The idempotency key
// unique constraint makes replays of the same grant a silent no-op, so the
// balance can never be double-credited by webhook redelivery.
type LedgerRepo struct {
	db *sql.DB
}

// Append records one balance movement. It reports whether the entry was
// applied; false means an entry with the same idempotency key already
// exists.
func (r *LedgerRepo) Append(ctx context.Context, e *LedgerEntry) (applied bool, err error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO credit_ledger (id, customer_stripe_id, delta_cents, reason, idempotency_key)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		e.ID, e.CustomerStripeID, e.DeltaCents, e.Reason, e.IdempotencyKey)
	if err != nil {
		return false, fmt.Errorf("append ledger entry: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// Balance returns the current credit balance in cents for a customer.
func (r *LedgerRepo) Balance(ctx context.Context, customerStripeID string) (int64, error) {
	var balance int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta_cents), 0) FROM credit_ledger WHERE customer_stripe_id = $1`,
		customerStripeID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("ledger balance: %w", err)
	}
	return balance, nil
}

// Entries lists a customer's movements, newest first.
func (r *LedgerRepo) Entries(ctx context.Context, customerStripeID string) ([]*LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, customer_stripe_id, delta_cents, reason, idempotency_key, created_at
		FROM credit_ledger WHERE customer_stripe_id = $1 ORDER BY created_at DESC`,
		customerStripeID)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.CustomerStripeID, &e.DeltaCents, &e.Reason, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
