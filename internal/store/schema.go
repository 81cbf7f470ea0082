package store

import (
	"context"
	"fmt"
)

// EnsureSchema creates tables and indexes if they do not exist.
//
// Two uniqueness rules the application logic also checks are enforced here
// so that concurrent webhook deliveries or edit requests cannot slip past a
// read-then-write race: shipments are unique per payment, and at most one
// shipment per (customer, store) pair may be open for editing.
func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stores (
			id                 BIGSERIAL PRIMARY KEY,
			slug               TEXT NOT NULL UNIQUE,
			name               TEXT NOT NULL DEFAULT '',
			clerk_id           TEXT NOT NULL DEFAULT '',
			owner_email        TEXT NOT NULL DEFAULT '',
			stripe_id          TEXT NOT NULL DEFAULT '',
			iban_bic           TEXT NOT NULL DEFAULT '',
			address_line       TEXT NOT NULL DEFAULT '',
			postal_code        TEXT NOT NULL DEFAULT '',
			city               TEXT NOT NULL DEFAULT '',
			country            TEXT NOT NULL DEFAULT 'FR',
			phone              TEXT NOT NULL DEFAULT '',
			tva_applicable     BOOLEAN NOT NULL DEFAULT FALSE,
			payout_facture_id  BIGINT NOT NULL DEFAULT 0,
			payout_created_at  TIMESTAMPTZ,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS shipments (
			id                      BIGSERIAL PRIMARY KEY,
			shipment_id             TEXT NOT NULL DEFAULT '',
			payment_id              TEXT NOT NULL,
			store_id                BIGINT NOT NULL REFERENCES stores(id),
			customer_stripe_id      TEXT NOT NULL,
			product_reference       TEXT NOT NULL DEFAULT '',
			paid_value              BIGINT NOT NULL DEFAULT 0,
			customer_spent_amount   BIGINT NOT NULL DEFAULT 0,
			store_earnings_amount   BIGINT NOT NULL DEFAULT 0,
			promo_code              TEXT NOT NULL DEFAULT '',
			delivery_cost           NUMERIC(10,2),
			estimated_delivery_cost NUMERIC(10,2),
			weight                  NUMERIC(10,3),
			status                  TEXT,
			delivery_method         TEXT NOT NULL DEFAULT 'home_delivery',
			delivery_network        TEXT NOT NULL DEFAULT '',
			pickup_point            JSONB,
			dropoff_point           JSONB,
			tracking_url            TEXT NOT NULL DEFAULT '',
			is_final_destination    BOOLEAN NOT NULL DEFAULT FALSE,
			delivery_date           TIMESTAMPTZ,
			document_created        BOOLEAN NOT NULL DEFAULT FALSE,
			document_url            TEXT NOT NULL DEFAULT '',
			is_open_shipment        BOOLEAN NOT NULL DEFAULT FALSE,
			cancel_requested        BOOLEAN NOT NULL DEFAULT FALSE,
			return_requested        BOOLEAN NOT NULL DEFAULT FALSE,
			boxtal_shipping_json    JSONB,
			created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_shipments_payment_id ON shipments(payment_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_shipments_single_open
			ON shipments(customer_stripe_id, store_id) WHERE is_open_shipment`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_customer ON shipments(customer_stripe_id)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_store ON shipments(store_id)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_boxtal ON shipments(shipment_id)`,
		`CREATE TABLE IF NOT EXISTS carts (
			id                 BIGSERIAL PRIMARY KEY,
			customer_stripe_id TEXT NOT NULL,
			store_id           BIGINT NOT NULL REFERENCES stores(id),
			payment_id         TEXT NOT NULL DEFAULT '',
			product_reference  TEXT NOT NULL,
			quantity           INT NOT NULL DEFAULT 1,
			description        TEXT NOT NULL DEFAULT '',
			price_cents        BIGINT NOT NULL DEFAULT 0,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_carts_customer_store ON carts(customer_stripe_id, store_id)`,
		`CREATE INDEX IF NOT EXISTS idx_carts_payment ON carts(payment_id)`,
		`CREATE TABLE IF NOT EXISTS stock (
			id                BIGSERIAL PRIMARY KEY,
			store_id          BIGINT NOT NULL REFERENCES stores(id),
			product_reference TEXT NOT NULL DEFAULT '',
			product_stripe_id TEXT NOT NULL DEFAULT '',
			quantity          BIGINT,
			bought            BIGINT NOT NULL DEFAULT 0 CHECK (bought >= 0),
			CHECK (quantity IS NULL OR quantity >= 0)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stock_store_ref ON stock(store_id, product_reference)`,
		`CREATE INDEX IF NOT EXISTS idx_stock_store_stripe ON stock(store_id, product_stripe_id)`,
		`CREATE TABLE IF NOT EXISTS credit_ledger (
			id                 UUID PRIMARY KEY,
			customer_stripe_id TEXT NOT NULL,
			delta_cents        BIGINT NOT NULL,
			reason             TEXT NOT NULL,
			idempotency_key    TEXT NOT NULL UNIQUE,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_ledger_customer ON credit_ledger(customer_stripe_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
