package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StoreRepo reads seller profiles.
type StoreRepo struct {
	db *sql.DB
}

const storeColumns = `id, slug, name, clerk_id, owner_email, stripe_id, iban_bic,
	address_line, postal_code, city, country, phone, tva_applicable,
	payout_facture_id, payout_created_at, created_at`

// GetByID retrieves a store by internal id. Returns nil when absent.
func (r *StoreRepo) GetByID(ctx context.Context, id int64) (*Store, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+storeColumns+` FROM stores WHERE id = $1`, id)
	return scanStore(row)
}

// GetBySlug retrieves a store by public slug.
func (r *StoreRepo) GetBySlug(ctx context.Context, slug string) (*Store, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+storeColumns+` FROM stores WHERE slug = $1`, slug)
	return scanStore(row)
}

// GetByClerkID retrieves the store owned by a Clerk user.
func (r *StoreRepo) GetByClerkID(ctx context.Context, clerkID string) (*Store, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+storeColumns+` FROM stores WHERE clerk_id = $1`, clerkID)
	return scanStore(row)
}

// GetByIDs retrieves several stores at once, keyed by id.
func (r *StoreRepo) GetByIDs(ctx context.Context, ids []int64) (map[int64]*Store, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+storeColumns+` FROM stores WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get stores by ids: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]*Store, len(ids))
	for rows.Next() {
		st, err := scanStore(rows)
		if err != nil {
			return nil, err
		}
		out[st.ID] = st
	}
	return out, rows.Err()
}

// NextPayoutNumber atomically increments and returns the store's payout
// invoice counter, stamping the payout time.
func (r *StoreRepo) NextPayoutNumber(ctx context.Context, id int64, at time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE stores SET payout_facture_id = payout_facture_id + 1, payout_created_at = $2
		WHERE id = $1
		RETURNING payout_facture_id`, id, at).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next payout number: %w", err)
	}
	return n, nil
}

func scanStore(s scanner) (*Store, error) {
	var st Store
	var payoutAt sql.NullTime
	err := s.Scan(&st.ID, &st.Slug, &st.Name, &st.ClerkID, &st.OwnerEmail, &st.StripeID, &st.IbanBic,
		&st.AddressLine, &st.PostalCode, &st.City, &st.Country, &st.Phone, &st.TVAApplicable,
		&st.PayoutFactureID, &payoutAt, &st.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan store: %w", err)
	}
	if payoutAt.Valid {
		t := payoutAt.Time.UTC()
		st.PayoutCreatedAt = &t
	}
	return &st, nil
}
