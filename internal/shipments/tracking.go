package shipments

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vitrinelive/vitrine/internal/mail"
	"github.com/vitrinelive/vitrine/internal/store"
)

// Boxtal webhook event names.
const (
	EventDocumentCreated = "DOCUMENT_CREATED"
	EventTrackingChanged = "TRACKING_CHANGED"
)

// vatMarkup converts Boxtal's excl.-tax delivery price to the amount the
// buyer actually pays.
const vatMarkup = 1.2

// Boxtal reports prices to the cent; differences below this are noise.
const costEpsilon = 0.009

// BoxtalEvent is a minimal representation of a Boxtal webhook payload.
type BoxtalEvent struct {
	Event       string `json:"event"`
	OrderID     string `json:"orderId"`
	Status      string `json:"status"`
	IsFinal     bool   `json:"isFinal"`
	DocumentURL string `json:"documentUrl"`
}

// HandleBoxtalEvent reconciles one carrier event against local state.
// Unknown orders and unknown event types are acknowledged and skipped;
// Boxtal retries on non-2xx and there is nothing a retry would fix.
func (rc *Reconciler) HandleBoxtalEvent(ctx context.Context, ev *BoxtalEvent) error {
	sh, err := rc.shipments.GetByBoxtalID(ctx, ev.OrderID)
	if err != nil {
		return fmt.Errorf("load shipment for boxtal order: %w", err)
	}
	if sh == nil {
		log.Warn().Str("order", ev.OrderID).Str("event", ev.Event).Msg("Boxtal event for unknown order, skipping")
		return nil
	}

	switch ev.Event {
	case EventDocumentCreated:
		return rc.handleDocumentCreated(ctx, sh.ID, ev)
	case EventTrackingChanged:
		return rc.handleTrackingChanged(ctx, sh.ID, ev)
	default:
		log.Debug().Str("event", ev.Event).Msg("Unhandled Boxtal event type")
		return nil
	}
}

func (rc *Reconciler) handleDocumentCreated(ctx context.Context, shipmentID int64, ev *BoxtalEvent) error {
	url := ev.DocumentURL
	if url == "" {
		var err error
		url, err = rc.carrier.DocumentURL(ctx, ev.OrderID)
		if err != nil {
			return fmt.Errorf("fetch label url: %w", err)
		}
	}

	first, err := rc.shipments.MarkDocumentCreated(ctx, shipmentID, url)
	if err != nil {
		return fmt.Errorf("mark document created: %w", err)
	}
	if !first {
		log.Debug().Str("order", ev.OrderID).Msg("Label already recorded, URL refreshed")
	}
	return nil
}

func (rc *Reconciler) handleTrackingChanged(ctx context.Context, shipmentID int64, ev *BoxtalEvent) error {
	sh, err := rc.shipments.GetByID(ctx, shipmentID)
	if err != nil {
		return fmt.Errorf("reload shipment: %w", err)
	}

	statusChanged := sh.Status == nil || *sh.Status != ev.Status
	// Final-delivery events are reconciled even when the status string
	// repeats, because they carry the financial settlement.
	if !statusChanged && !ev.IsFinal {
		log.Debug().Str("order", ev.OrderID).Str("status", ev.Status).Msg("Tracking status unchanged, skipping")
		return nil
	}

	trackingURL := sh.TrackingURL
	if trackingURL == "" {
		if u, err := rc.carrier.TrackingURL(ctx, ev.OrderID); err == nil {
			trackingURL = u
		}
	}

	if statusChanged {
		if err := rc.shipments.UpdateTracking(ctx, shipmentID, ev.Status, trackingURL); err != nil {
			return fmt.Errorf("update tracking: %w", err)
		}
	}

	if ev.IsFinal {
		if err := rc.reconcileFinalDelivery(ctx, sh, ev.OrderID); err != nil {
			return err
		}
	}

	if statusChanged {
		rc.sendTrackingEmail(ctx, sh.CustomerStripeID, ev.Status, trackingURL)
	}
	return nil
}

// reconcileFinalDelivery settles the real delivery cost against what the
// buyer paid at checkout. Guarded by comparing stored state with the
// newly computed values so webhook redelivery cannot double-credit.
func (rc *Reconciler) reconcileFinalDelivery(ctx context.Context, sh *store.Shipment, orderID string) error {
	order, err := rc.carrier.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("fetch order for final reconciliation: %w", err)
	}
	actualCost := math.Round(order.DeliveryPriceExclTax.Value*vatMarkup*100) / 100

	if sh.IsFinalDestination && sh.DeliveryCost != nil && math.Abs(*sh.DeliveryCost-actualCost) < costEpsilon {
		log.Debug().Str("order", orderID).Float64("cost", actualCost).Msg("Final delivery already reconciled")
		return nil
	}

	changed, err := rc.shipments.SetFinalDelivery(ctx, sh.ID, actualCost, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record final delivery: %w", err)
	}
	if !changed {
		return nil
	}

	if est := sh.EstimatedDeliveryCost; est != nil {
		deltaCents := int64(math.Round((*est - actualCost) * 100))
		if deltaCents != 0 {
			_, err := rc.credits.Grant(ctx, sh.CustomerStripeID, deltaCents, "delivery_adjustment", "delivery_final:"+orderID)
			if err != nil {
				return fmt.Errorf("settle delivery cost delta: %w", err)
			}
		}
	}
	return nil
}

func (rc *Reconciler) sendTrackingEmail(ctx context.Context, customerStripeID, status, trackingURL string) {
	customer, err := rc.payments.GetCustomer(ctx, customerStripeID)
	if err != nil || customer.Email == "" {
		if err != nil {
			log.Warn().Err(err).Str("customer", customerStripeID).Msg("Failed to load customer for tracking email")
		}
		return
	}
	html, text, err := mail.RenderTrackingUpdate(mail.TrackingUpdateData{Status: status, TrackingURL: trackingURL})
	if err != nil {
		return
	}
	rc.send(ctx, customer.Email, "Suivi de votre commande", html, text, "tracking_update")
}
