package store

import (
	"context"
	"database/sql"
	"fmt"
)

// StockRepo manages per-store inventory counters.
//
// All adjustments run as single conditional UPDATEs so that concurrent
// sales and restocks cannot drive a counter below zero: quantity clamps at
// zero on decrement and bought clamps at zero on un-buy.
type StockRepo struct {
	db *sql.DB
}

const stockColumns = `id, store_id, product_reference, product_stripe_id, quantity, bought`

// FindByStripeIDs resolves stock rows by Stripe product id within a store.
func (r *StockRepo) FindByStripeIDs(ctx context.Context, storeID int64, stripeIDs []string) ([]*StockRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+stockColumns+` FROM stock
		WHERE store_id = $1 AND product_stripe_id = ANY($2)`, storeID, stripeIDs)
	if err != nil {
		return nil, fmt.Errorf("find stock by stripe ids: %w", err)
	}
	defer rows.Close()
	return scanStockRows(rows)
}

// FindByReferences resolves stock rows by seller reference within a store.
func (r *StockRepo) FindByReferences(ctx context.Context, storeID int64, refs []string) ([]*StockRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+stockColumns+` FROM stock
		WHERE store_id = $1 AND product_reference = ANY($2)`, storeID, refs)
	if err != nil {
		return nil, fmt.Errorf("find stock by references: %w", err)
	}
	defer rows.Close()
	return scanStockRows(rows)
}

// ApplyPurchase records n units sold: quantity (when tracked) decrements
// clamped at zero, bought increments.
func (r *StockRepo) ApplyPurchase(ctx context.Context, id int64, n int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE stock SET
			quantity = CASE WHEN quantity IS NULL THEN NULL ELSE GREATEST(quantity - $2, 0) END,
			bought   = bought + $2
		WHERE id = $1`, id, n)
	if err != nil {
		return fmt.Errorf("apply purchase: %w", err)
	}
	return nil
}

// ApplyRestock reverses a purchase of n units: quantity (when tracked)
// increments, bought decrements clamped at zero.
func (r *StockRepo) ApplyRestock(ctx context.Context, id int64, n int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE stock SET
			quantity = CASE WHEN quantity IS NULL THEN NULL ELSE quantity + $2 END,
			bought   = GREATEST(bought - $2, 0)
		WHERE id = $1`, id, n)
	if err != nil {
		return fmt.Errorf("apply restock: %w", err)
	}
	return nil
}

func scanStockRows(rows *sql.Rows) ([]*StockRow, error) {
	var out []*StockRow
	for rows.Next() {
		var st StockRow
		var qty sql.NullInt64
		if err := rows.Scan(&st.ID, &st.StoreID, &st.ProductReference, &st.ProductStripeID, &qty, &st.Bought); err != nil {
			return nil, fmt.Errorf("scan stock row: %w", err)
		}
		if qty.Valid {
			st.Quantity = &qty.Int64
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}
