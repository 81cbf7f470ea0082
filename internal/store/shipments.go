package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	verrors "github.com/vitrinelive/vitrine/internal/errors"
)

const shipmentColumns = `id, shipment_id, payment_id, store_id, customer_stripe_id,
	product_reference, paid_value, customer_spent_amount, store_earnings_amount, promo_code,
	delivery_cost, estimated_delivery_cost, weight, status, delivery_method, delivery_network,
	pickup_point, dropoff_point, tracking_url, is_final_destination, delivery_date,
	document_created, document_url, is_open_shipment, cancel_requested, return_requested,
	boxtal_shipping_json, created_at, updated_at`

// ShipmentRepo provides CRUD operations for shipment rows.
type ShipmentRepo struct {
	db *sql.DB
}

// Create inserts a new shipment. A second insert for the same payment id
// returns ErrDuplicate: webhook delivery is at-least-once and the unique
// index is the idempotence boundary.
func (r *ShipmentRepo) Create(ctx context.Context, sh *Shipment) error {
	now := time.Now().UTC()
	sh.CreatedAt = now
	sh.UpdatedAt = now

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO shipments (
			shipment_id, payment_id, store_id, customer_stripe_id,
			product_reference, paid_value, customer_spent_amount, store_earnings_amount, promo_code,
			delivery_cost, estimated_delivery_cost, weight, status, delivery_method, delivery_network,
			pickup_point, dropoff_point, tracking_url, is_open_shipment, boxtal_shipping_json,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT (payment_id) DO NOTHING
		RETURNING id`,
		sh.BoxtalID, sh.PaymentID, sh.StoreID, sh.CustomerStripeID,
		sh.ProductReference, sh.PaidValue, sh.CustomerSpentAmount, sh.StoreEarnings, sh.PromoCode,
		sh.DeliveryCost, sh.EstimatedDeliveryCost, sh.Weight, sh.Status, sh.DeliveryMethod, sh.DeliveryNetwork,
		nilIfEmptyBytes(sh.PickupPoint), nilIfEmptyBytes(sh.DropoffPoint), sh.TrackingURL,
		sh.IsOpenShipment, nilIfEmptyBytes(sh.BoxtalShippingJSON),
		sh.CreatedAt, sh.UpdatedAt,
	).Scan(&sh.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("shipment for payment %s: %w", sh.PaymentID, verrors.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create shipment: %w", err)
	}
	return nil
}

// GetByID retrieves a shipment by internal id. Returns nil when absent.
func (r *ShipmentRepo) GetByID(ctx context.Context, id int64) (*Shipment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+shipmentColumns+` FROM shipments WHERE id = $1`, id)
	return scanShipment(row)
}

// GetByPaymentID retrieves a shipment by Stripe PaymentIntent id.
func (r *ShipmentRepo) GetByPaymentID(ctx context.Context, paymentID string) (*Shipment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+shipmentColumns+` FROM shipments WHERE payment_id = $1`, paymentID)
	return scanShipment(row)
}

// GetByBoxtalID retrieves a shipment by external Boxtal order id.
func (r *ShipmentRepo) GetByBoxtalID(ctx context.Context, boxtalID string) (*Shipment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+shipmentColumns+` FROM shipments WHERE shipment_id = $1`, boxtalID)
	return scanShipment(row)
}

// ListByCustomer returns all shipments for a buyer, newest first.
func (r *ShipmentRepo) ListByCustomer(ctx context.Context, customerStripeID string) ([]*Shipment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+shipmentColumns+` FROM shipments
		WHERE customer_stripe_id = $1 ORDER BY created_at DESC`, customerStripeID)
	if err != nil {
		return nil, fmt.Errorf("list shipments by customer: %w", err)
	}
	defer rows.Close()
	return scanShipments(rows)
}

// ListByStoreSlug returns all shipments sold by a store, newest first.
func (r *ShipmentRepo) ListByStoreSlug(ctx context.Context, slug string) ([]*Shipment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+prefixColumns("s", shipmentColumns)+`
		FROM shipments s JOIN stores st ON st.id = s.store_id
		WHERE st.slug = $1 ORDER BY s.created_at DESC`, slug)
	if err != nil {
		return nil, fmt.Errorf("list shipments by store: %w", err)
	}
	defer rows.Close()
	return scanShipments(rows)
}

// StoreIDsForCustomer returns the distinct stores a buyer has ordered from.
func (r *ShipmentRepo) StoreIDsForCustomer(ctx context.Context, customerStripeID string) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT store_id FROM shipments WHERE customer_stripe_id = $1`, customerStripeID)
	if err != nil {
		return nil, fmt.Errorf("list stores for customer: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan store id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListOpen returns the shipments currently flagged open for editing for a
// (customer, store) pair. The partial unique index keeps this at most one,
// but callers still handle a slice for the force-close path.
func (r *ShipmentRepo) ListOpen(ctx context.Context, customerStripeID string, storeID int64) ([]*Shipment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+shipmentColumns+` FROM shipments
		WHERE customer_stripe_id = $1 AND store_id = $2 AND is_open_shipment`, customerStripeID, storeID)
	if err != nil {
		return nil, fmt.Errorf("list open shipments: %w", err)
	}
	defer rows.Close()
	return scanShipments(rows)
}

// SetOpen toggles the is_open_shipment flag. Opening a second shipment for
// the same (customer, store) pair trips the partial unique index and is
// reported as ErrConflict.
func (r *ShipmentRepo) SetOpen(ctx context.Context, id int64, open bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE shipments SET is_open_shipment = $2, updated_at = now() WHERE id = $1`, id, open)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("open shipment %d: %w", id, verrors.ErrConflict)
		}
		return fmt.Errorf("set open shipment: %w", err)
	}
	return requireAffected(res, id)
}

// UpdateTracking stores the latest Boxtal status and tracking URL.
func (r *ShipmentRepo) UpdateTracking(ctx context.Context, id int64, status, trackingURL string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE shipments SET status = $2, tracking_url = COALESCE(NULLIF($3, ''), tracking_url), updated_at = now()
		WHERE id = $1`, id, status, trackingURL)
	if err != nil {
		return fmt.Errorf("update tracking: %w", err)
	}
	return requireAffected(res, id)
}

// MarkDocumentCreated records label availability. It reports whether this
// call was the first to set the flag; redeliveries only refresh the URL.
func (r *ShipmentRepo) MarkDocumentCreated(ctx context.Context, id int64, documentURL string) (first bool, err error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE shipments SET document_created = TRUE, document_url = $2, updated_at = now()
		WHERE id = $1 AND NOT document_created`, id, documentURL)
	if err != nil {
		return false, fmt.Errorf("mark document created: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return true, nil
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE shipments SET document_url = $2, updated_at = now() WHERE id = $1`, id, documentURL)
	if err != nil {
		return false, fmt.Errorf("refresh document url: %w", err)
	}
	return false, nil
}

// SetFinalDelivery records final-destination reconciliation. The WHERE
// clause makes replays of the same values a no-op; it reports whether a
// write actually happened.
func (r *ShipmentRepo) SetFinalDelivery(ctx context.Context, id int64, deliveryCost float64, deliveryDate time.Time) (changed bool, err error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE shipments SET is_final_destination = TRUE, delivery_cost = $2, delivery_date = $3, updated_at = now()
		WHERE id = $1 AND (
			is_final_destination IS DISTINCT FROM TRUE
			OR delivery_cost IS DISTINCT FROM $2::numeric
			OR delivery_date IS DISTINCT FROM $3::timestamptz
		)`, id, deliveryCost, deliveryDate)
	if err != nil {
		return false, fmt.Errorf("set final delivery: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// SetStatusCancelled marks a shipment locally cancelled (terminal).
func (r *ShipmentRepo) SetStatusCancelled(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE shipments SET status = 'CANCELLED', cancel_requested = TRUE, is_open_shipment = FALSE, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("cancel shipment: %w", err)
	}
	return requireAffected(res, id)
}

// SetReturnRequested flags a return request on a delivered shipment.
func (r *ShipmentRepo) SetReturnRequested(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE shipments SET return_requested = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("request return: %w", err)
	}
	return requireAffected(res, id)
}

// SetBoxtalOrder backfills the external order id and status after a
// deferred (or retried) Boxtal order creation.
func (r *ShipmentRepo) SetBoxtalOrder(ctx context.Context, id int64, boxtalID, status string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE shipments SET shipment_id = $2, status = $3, boxtal_shipping_json = NULL, updated_at = now()
		WHERE id = $1`, id, boxtalID, status)
	if err != nil {
		return fmt.Errorf("set boxtal order: %w", err)
	}
	return requireAffected(res, id)
}

// Delete removes a shipment row. Only abandoned open-shipment edit
// sessions are ever hard-deleted.
func (r *ShipmentRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM shipments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete shipment: %w", err)
	}
	return requireAffected(res, id)
}

// ListStuck returns shipments whose Boxtal order creation failed after a
// successful payment: no external id, no status, raw payload preserved.
func (r *ShipmentRepo) ListStuck(ctx context.Context) ([]*Shipment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+shipmentColumns+` FROM shipments
		WHERE shipment_id = '' AND status IS NULL AND boxtal_shipping_json IS NOT NULL
		AND delivery_method <> 'store_pickup'`)
	if err != nil {
		return nil, fmt.Errorf("list stuck shipments: %w", err)
	}
	defer rows.Close()
	return scanShipments(rows)
}

func scanShipment(s scanner) (*Shipment, error) {
	var sh Shipment
	var status sql.NullString
	var deliveryCost, estimatedCost, weight sql.NullFloat64
	var deliveryDate sql.NullTime
	var pickupPoint, dropoffPoint, boxtalJSON []byte

	err := s.Scan(
		&sh.ID, &sh.BoxtalID, &sh.PaymentID, &sh.StoreID, &sh.CustomerStripeID,
		&sh.ProductReference, &sh.PaidValue, &sh.CustomerSpentAmount, &sh.StoreEarnings, &sh.PromoCode,
		&deliveryCost, &estimatedCost, &weight, &status, &sh.DeliveryMethod, &sh.DeliveryNetwork,
		&pickupPoint, &dropoffPoint, &sh.TrackingURL, &sh.IsFinalDestination, &deliveryDate,
		&sh.DocumentCreated, &sh.DocumentURL, &sh.IsOpenShipment, &sh.CancelRequested, &sh.ReturnRequested,
		&boxtalJSON, &sh.CreatedAt, &sh.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan shipment: %w", err)
	}

	if status.Valid {
		sh.Status = &status.String
	}
	if deliveryCost.Valid {
		sh.DeliveryCost = &deliveryCost.Float64
	}
	if estimatedCost.Valid {
		sh.EstimatedDeliveryCost = &estimatedCost.Float64
	}
	if weight.Valid {
		sh.Weight = &weight.Float64
	}
	if deliveryDate.Valid {
		t := deliveryDate.Time.UTC()
		sh.DeliveryDate = &t
	}
	sh.PickupPoint = pickupPoint
	sh.DropoffPoint = dropoffPoint
	sh.BoxtalShippingJSON = boxtalJSON
	return &sh, nil
}

func scanShipments(rows *sql.Rows) ([]*Shipment, error) {
	var shipments []*Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, err
		}
		shipments = append(shipments, sh)
	}
	return shipments, rows.Err()
}

func requireAffected(res sql.Result, id int64) error {
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("shipment %d: %w", id, verrors.ErrNotFound)
	}
	return nil
}

// prefixColumns qualifies each column in a comma-separated list with a
// table alias, for joined queries.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nilIfEmptyBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
