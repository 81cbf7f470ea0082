package shipments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	verrors "github.com/vitrinelive/vitrine/internal/errors"
	"github.com/vitrinelive/vitrine/internal/inventory"
	"github.com/vitrinelive/vitrine/internal/reference"
	"github.com/vitrinelive/vitrine/internal/store"
)

// ErrOpenConflict is returned when another shipment is already open for
// the same customer/store pair and force was not requested.
type ErrOpenConflict struct {
	Open *store.Shipment
}

func (e *ErrOpenConflict) Error() string {
	return fmt.Sprintf("shipment %d is already open for editing", e.Open.ID)
}

func (e *ErrOpenConflict) Is(target error) bool {
	return target == verrors.ErrConflict
}

// Editor lets a buyer reopen a paid order for editing: stock is released
// back to sellable inventory while the order is open, and re-reserved
// when the edit is cancelled or superseded.
type Editor struct {
	shipments ShipmentStore
	carts     CartStore
	stock     StockAdjuster
	payments  Payments
}

// NewEditor wires an editor.
func NewEditor(shipments ShipmentStore, carts CartStore, stock StockAdjuster, payments Payments) *Editor {
	return &Editor{shipments: shipments, carts: carts, stock: stock, payments: payments}
}

// Open flags a shipment as editable. At most one shipment per
// (customer, store) may be open; an existing one yields ErrOpenConflict
// unless force is set, in which case it is closed and its stock
// re-reserved first. The caller must own the shipment.
func (e *Editor) Open(ctx context.Context, customerStripeID string, shipmentID int64, force bool) (*store.Shipment, error) {
	sh, err := e.shipments.GetByID(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	if sh == nil {
		return nil, fmt.Errorf("shipment %d: %w", shipmentID, verrors.ErrNotFound)
	}
	if sh.CustomerStripeID != customerStripeID {
		return nil, fmt.Errorf("shipment %d: %w", shipmentID, verrors.ErrForbidden)
	}
	if sh.IsOpenShipment {
		return sh, nil
	}

	open, err := e.shipments.ListOpen(ctx, customerStripeID, sh.StoreID)
	if err != nil {
		return nil, err
	}
	if len(open) > 0 && !force {
		return nil, &ErrOpenConflict{Open: open[0]}
	}
	for _, other := range open {
		if err := e.closeOne(ctx, other); err != nil {
			return nil, fmt.Errorf("force-close shipment %d: %w", other.ID, err)
		}
	}

	if err := e.shipments.SetOpen(ctx, shipmentID, true); err != nil {
		if errors.Is(err, verrors.ErrConflict) {
			// Another request opened a shipment between the list and the
			// flag write; the partial unique index caught it.
			open, lerr := e.shipments.ListOpen(ctx, customerStripeID, sh.StoreID)
			if lerr == nil && len(open) > 0 {
				return nil, &ErrOpenConflict{Open: open[0]}
			}
		}
		return nil, err
	}

	// Release the order's reserved units back to sellable inventory. If
	// that fails the flag is rolled back so the shipment is not left
	// half-open.
	items := reference.Parse(sh.ProductReference)
	if err := e.stock.Apply(ctx, sh.StoreID, items, inventory.ModeRestock); err != nil {
		if rbErr := e.shipments.SetOpen(ctx, shipmentID, false); rbErr != nil {
			log.Error().Err(rbErr).Int64("shipment", shipmentID).Msg("Failed to roll back open flag after stock error")
		}
		return nil, fmt.Errorf("release stock for edit: %w", err)
	}

	sh.IsOpenShipment = true
	return sh, nil
}

// OpenByPayment is Open keyed by Stripe PaymentIntent id.
func (e *Editor) OpenByPayment(ctx context.Context, customerStripeID, paymentID string, force bool) (*store.Shipment, error) {
	sh, err := e.shipments.GetByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if sh == nil {
		return nil, fmt.Errorf("payment %s: %w", paymentID, verrors.ErrNotFound)
	}
	return e.Open(ctx, customerStripeID, sh.ID, force)
}

// Active returns the currently open shipment for a customer/store pair,
// or nil.
func (e *Editor) Active(ctx context.Context, customerStripeID string, storeID int64) (*store.Shipment, error) {
	open, err := e.shipments.ListOpen(ctx, customerStripeID, storeID)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}
	return open[0], nil
}

// Cancel reverses an edit session entirely: every open shipment for the
// pair is re-reserved and closed, and the session's cart rows are purged.
func (e *Editor) Cancel(ctx context.Context, customerStripeID string, storeID int64) error {
	open, err := e.shipments.ListOpen(ctx, customerStripeID, storeID)
	if err != nil {
		return err
	}
	for _, sh := range open {
		if err := e.closeOne(ctx, sh); err != nil {
			return fmt.Errorf("close shipment %d: %w", sh.ID, err)
		}
	}

	// Post-condition: nothing may remain open for this pair.
	remaining, err := e.shipments.ListOpen(ctx, customerStripeID, storeID)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return fmt.Errorf("shipment %d still open after cancel: %w", remaining[0].ID, verrors.ErrInternal)
	}
	return nil
}

func (e *Editor) closeOne(ctx context.Context, sh *store.Shipment) error {
	items := reference.Parse(sh.ProductReference)
	if err := e.stock.Apply(ctx, sh.StoreID, items, inventory.ModeUnrestock); err != nil {
		return fmt.Errorf("re-reserve stock: %w", err)
	}
	if err := e.shipments.SetOpen(ctx, sh.ID, false); err != nil {
		return err
	}
	if err := e.carts.DeleteByPaymentID(ctx, sh.PaymentID); err != nil {
		log.Warn().Err(err).Str("payment", sh.PaymentID).Msg("Failed to purge cart rows while closing edit")
	}
	return nil
}

// Synthetic delivery-adjustment line items are not real products and are
// excluded when rebuilding a cart.
func isDeliveryAdjustment(description string) bool {
	return strings.Contains(strings.ToLower(description), "regularisation livraison") ||
		strings.Contains(strings.ToLower(description), "régularisation livraison")
}

// RebuildCarts reconstructs editable cart rows from a past payment's
// Stripe line items, cross-checked against the shipment's own reference
// encoding. The checkout session is resolved from the payment when the
// caller does not supply it.
func (e *Editor) RebuildCarts(ctx context.Context, customerStripeID, paymentID, sessionID string) ([]*store.CartItem, error) {
	sh, err := e.shipments.GetByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if sh == nil {
		return nil, fmt.Errorf("payment %s: %w", paymentID, verrors.ErrNotFound)
	}
	if sh.CustomerStripeID != customerStripeID {
		return nil, fmt.Errorf("payment %s: %w", paymentID, verrors.ErrForbidden)
	}

	if sessionID == "" {
		sess, err := e.payments.FindSessionByPaymentIntent(ctx, paymentID)
		if err != nil {
			return nil, fmt.Errorf("resolve session for payment %s: %w", paymentID, err)
		}
		sessionID = sess.ID
	}

	lineItems, err := e.payments.ListSessionLineItems(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	parsed := reference.Parse(sh.ProductReference)
	descByRef := make(map[string]string, len(parsed))
	qtyByRef := make(map[string]int, len(parsed))
	for _, it := range parsed {
		descByRef[it.Reference] = it.Description
		qtyByRef[it.Reference] = it.Quantity
	}

	var created []*store.CartItem
	for _, li := range lineItems {
		if li.Reference == "" || isDeliveryAdjustment(li.Description) {
			continue
		}
		qty := int(li.Quantity)
		if q, ok := qtyByRef[li.Reference]; ok {
			qty = q
		}
		item := &store.CartItem{
			CustomerStripeID: customerStripeID,
			StoreID:          sh.StoreID,
			PaymentID:        paymentID,
			ProductReference: li.Reference,
			Quantity:         qty,
			Description:      firstNonEmpty(descByRef[li.Reference], li.Description),
			PriceCents:       li.AmountCents,
		}
		if err := e.carts.Add(ctx, item); err != nil {
			return nil, fmt.Errorf("rebuild cart row: %w", err)
		}
		created = append(created, item)
	}
	return created, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
