package store

import (
	"context"
	"database/sql"
	"fmt"

	verrors "github.com/vitrinelive/vitrine/internal/errors"
)

// CartRepo manages ephemeral pre-checkout line items. Rows exist between
// "add to cart" and checkout completion; the reconciler deletes them by
// payment id once the shipment is recorded.
type CartRepo struct {
	db *sql.DB
}

const cartColumns = `id, customer_stripe_id, store_id, payment_id, product_reference, quantity, description, price_cents, created_at`

// Add inserts one cart line.
func (r *CartRepo) Add(ctx context.Context, item *CartItem) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO carts (customer_stripe_id, store_id, payment_id, product_reference, quantity, description, price_cents)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id, created_at`,
		item.CustomerStripeID, item.StoreID, item.PaymentID, item.ProductReference,
		item.Quantity, item.Description, item.PriceCents,
	).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		return fmt.Errorf("add cart item: %w", err)
	}
	return nil
}

// ListByCustomerStore returns a buyer's current cart for one store.
func (r *CartRepo) ListByCustomerStore(ctx context.Context, customerStripeID string, storeID int64) ([]*CartItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+cartColumns+` FROM carts
		WHERE customer_stripe_id = $1 AND store_id = $2 ORDER BY id`, customerStripeID, storeID)
	if err != nil {
		return nil, fmt.Errorf("list cart items: %w", err)
	}
	defer rows.Close()
	return scanCartItems(rows)
}

// ListByPaymentID returns the cart lines bound to a checkout session's
// payment, used when the Stripe line items cannot be re-listed.
func (r *CartRepo) ListByPaymentID(ctx context.Context, paymentID string) ([]*CartItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+cartColumns+` FROM carts WHERE payment_id = $1 ORDER BY id`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list cart items by payment: %w", err)
	}
	defer rows.Close()
	return scanCartItems(rows)
}

// BindPayment stamps a buyer's open cart lines with the payment id created
// at checkout so they survive until the webhook lands.
func (r *CartRepo) BindPayment(ctx context.Context, customerStripeID string, storeID int64, paymentID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE carts SET payment_id = $3
		WHERE customer_stripe_id = $1 AND store_id = $2 AND payment_id = ''`,
		customerStripeID, storeID, paymentID)
	if err != nil {
		return fmt.Errorf("bind cart to payment: %w", err)
	}
	return nil
}

// UpdateQuantity changes one cart line's quantity, scoped to its owner.
func (r *CartRepo) UpdateQuantity(ctx context.Context, customerStripeID string, id int64, quantity int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE carts SET quantity = $3 WHERE id = $1 AND customer_stripe_id = $2`,
		id, customerStripeID, quantity)
	if err != nil {
		return fmt.Errorf("update cart quantity: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("cart item %d: %w", id, verrors.ErrNotFound)
	}
	return nil
}

// Remove deletes one cart line owned by the given buyer.
func (r *CartRepo) Remove(ctx context.Context, customerStripeID string, id int64) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM carts WHERE id = $1 AND customer_stripe_id = $2`, id, customerStripeID)
	if err != nil {
		return fmt.Errorf("remove cart item: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("cart item %d: %w", id, verrors.ErrNotFound)
	}
	return nil
}

// DeleteByPaymentID clears the cart once its payment has been reconciled.
func (r *CartRepo) DeleteByPaymentID(ctx context.Context, paymentID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM carts WHERE payment_id = $1`, paymentID); err != nil {
		return fmt.Errorf("delete cart by payment: %w", err)
	}
	return nil
}

// Clear drops a buyer's cart for one store.
func (r *CartRepo) Clear(ctx context.Context, customerStripeID string, storeID int64) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM carts WHERE customer_stripe_id = $1 AND store_id = $2`,
		customerStripeID, storeID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

func scanCartItems(rows *sql.Rows) ([]*CartItem, error) {
	var items []*CartItem
	for rows.Next() {
		var it CartItem
		err := rows.Scan(&it.ID, &it.CustomerStripeID, &it.StoreID, &it.PaymentID,
			&it.ProductReference, &it.Quantity, &it.Description, &it.PriceCents, &it.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}
