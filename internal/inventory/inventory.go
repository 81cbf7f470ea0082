// Package inventory applies stock adjustments derived from parsed order
// line items.
package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/vitrinelive/vitrine/internal/metrics"
	"github.com/vitrinelive/vitrine/internal/reference"
	"github.com/vitrinelive/vitrine/internal/store"
)

// Mode selects the adjustment direction.
type Mode string

const (
	// ModeRestock returns reserved units to sellable inventory (an order
	// was reopened for editing or cancelled).
	ModeRestock Mode = "restock"
	// ModeUnrestock re-reserves units (an edit was discarded or
	// superseded by a new payment).
	ModeUnrestock Mode = "unrestock"
)

// StockStore is the slice of the store layer the engine needs.
type StockStore interface {
	FindByStripeIDs(ctx context.Context, storeID int64, stripeIDs []string) ([]*store.StockRow, error)
	FindByReferences(ctx context.Context, storeID int64, refs []string) ([]*store.StockRow, error)
	ApplyPurchase(ctx context.Context, id int64, n int64) error
	ApplyRestock(ctx context.Context, id int64, n int64) error
}

// Engine resolves line-item references to stock rows and adjusts their
// counters. Adjustments are additive deltas applied as conditional
// UPDATEs, never absolute overwrites.
type Engine struct {
	stock StockStore
}

func NewEngine(stock StockStore) *Engine {
	return &Engine{stock: stock}
}

// Apply adjusts stock for every line item. References starting with
// "prod_" resolve by Stripe product id, the rest by seller reference, in
// two batched lookups. Items with no matching stock row are skipped with
// a warning; any database error aborts the whole adjustment so the caller
// can roll back whatever flag it set.
func (e *Engine) Apply(ctx context.Context, storeID int64, items []reference.LineItem, mode Mode) error {
	if len(items) == 0 {
		return nil
	}

	var stripeIDs, refs []string
	for _, it := range items {
		if it.Reference == "" {
			continue
		}
		if strings.HasPrefix(it.Reference, "prod_") {
			stripeIDs = append(stripeIDs, it.Reference)
		} else {
			refs = append(refs, it.Reference)
		}
	}

	byRef := make(map[string]*store.StockRow, len(items))
	if len(stripeIDs) > 0 {
		rows, err := e.stock.FindByStripeIDs(ctx, storeID, stripeIDs)
		if err != nil {
			return fmt.Errorf("resolve stock by stripe id: %w", err)
		}
		for _, row := range rows {
			byRef[row.ProductStripeID] = row
		}
	}
	if len(refs) > 0 {
		rows, err := e.stock.FindByReferences(ctx, storeID, refs)
		if err != nil {
			return fmt.Errorf("resolve stock by reference: %w", err)
		}
		for _, row := range rows {
			byRef[row.ProductReference] = row
		}
	}

	for _, it := range items {
		row, ok := byRef[it.Reference]
		if !ok {
			log.Warn().
				Int64("store_id", storeID).
				Str("reference", it.Reference).
				Str("mode", string(mode)).
				Msg("No stock row for reference, skipping adjustment")
			continue
		}

		n := int64(it.Quantity)
		var err error
		switch mode {
		case ModeRestock:
			err = e.stock.ApplyRestock(ctx, row.ID, n)
		case ModeUnrestock:
			err = e.stock.ApplyPurchase(ctx, row.ID, n)
		default:
			return fmt.Errorf("unknown stock adjustment mode %q", mode)
		}
		if err != nil {
			return fmt.Errorf("adjust stock %s (%s): %w", it.Reference, mode, err)
		}
		metrics.StockAdjustmentsTotal.WithLabelValues(string(mode)).Inc()
	}
	return nil
}
