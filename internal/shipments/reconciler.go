// Package shipments holds the shipment lifecycle: the webhook-driven
// reconciler that keeps local rows consistent with Stripe and Boxtal, the
// open-shipment editor, and the customer/seller HTTP endpoints.
package shipments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/vitrinelive/vitrine/internal/billing"
	verrors "github.com/vitrinelive/vitrine/internal/errors"
	"github.com/vitrinelive/vitrine/internal/inventory"
	"github.com/vitrinelive/vitrine/internal/mail"
	"github.com/vitrinelive/vitrine/internal/metrics"
	"github.com/vitrinelive/vitrine/internal/reference"
	"github.com/vitrinelive/vitrine/internal/shipping"
	"github.com/vitrinelive/vitrine/internal/store"
)

// Session metadata keys written by the storefront at checkout creation.
const (
	metaStoreID               = "store_id"
	metaProductReference      = "product_reference"
	metaDeliveryMethod        = "delivery_method"
	metaDeliveryNetwork       = "delivery_network"
	metaPickupPoint           = "pickup_point"
	metaDropoffPoint          = "dropoff_point"
	metaEstimatedDeliveryCost = "estimated_delivery_cost"
	metaWeight                = "weight"
	metaPromoCode             = "promo_code"
	metaStoreEarnings         = "store_earnings_amount"
	metaOpenShipmentPayment   = "open_shipment_payment_id"
	metaCreditApplied         = "credit_applied_cents"
)

// Delivery methods.
const (
	DeliveryPickupPoint  = "pickup_point"
	DeliveryHome         = "home_delivery"
	DeliveryStorePickup  = "store_pickup"
	StatusCancelledLocal = "CANCELLED"
)

// ShipmentStore is the slice of the store layer the reconciler and editor
// need.
type ShipmentStore interface {
	Create(ctx context.Context, sh *store.Shipment) error
	GetByID(ctx context.Context, id int64) (*store.Shipment, error)
	GetByPaymentID(ctx context.Context, paymentID string) (*store.Shipment, error)
	GetByBoxtalID(ctx context.Context, boxtalID string) (*store.Shipment, error)
	ListOpen(ctx context.Context, customerStripeID string, storeID int64) ([]*store.Shipment, error)
	SetOpen(ctx context.Context, id int64, open bool) error
	UpdateTracking(ctx context.Context, id int64, status, trackingURL string) error
	MarkDocumentCreated(ctx context.Context, id int64, documentURL string) (bool, error)
	SetFinalDelivery(ctx context.Context, id int64, deliveryCost float64, deliveryDate time.Time) (bool, error)
	SetStatusCancelled(ctx context.Context, id int64) error
	SetBoxtalOrder(ctx context.Context, id int64, boxtalID, status string) error
	Delete(ctx context.Context, id int64) error
	ListStuck(ctx context.Context) ([]*store.Shipment, error)
}

// CartStore is the slice of the cart layer the reconciler and editor need.
type CartStore interface {
	Add(ctx context.Context, item *store.CartItem) error
	ListByCustomerStore(ctx context.Context, customerStripeID string, storeID int64) ([]*store.CartItem, error)
	DeleteByPaymentID(ctx context.Context, paymentID string) error
}

// StoreCatalog resolves seller profiles.
type StoreCatalog interface {
	GetByID(ctx context.Context, id int64) (*store.Store, error)
}

// Payments is the slice of the Stripe client the reconciler and editor
// need.
type Payments interface {
	GetCustomer(ctx context.Context, customerID string) (*stripelib.Customer, error)
	ListSessionLineItems(ctx context.Context, sessionID string) ([]billing.SessionLineItem, error)
	FindSessionByPaymentIntent(ctx context.Context, paymentID string) (*stripelib.CheckoutSession, error)
}

// Carrier is the slice of the Boxtal client the reconciler needs.
type Carrier interface {
	CreateOrder(ctx context.Context, payload json.RawMessage) (*shipping.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (*shipping.Order, error)
	DocumentURL(ctx context.Context, orderID string) (string, error)
	TrackingURL(ctx context.Context, orderID string) (string, error)
}

// Credits grants store credit, idempotently.
type Credits interface {
	Grant(ctx context.Context, customerStripeID string, deltaCents int64, reason, idempotencyKey string) (bool, error)
}

// StockAdjuster applies stock movements for parsed line items.
type StockAdjuster interface {
	Apply(ctx context.Context, storeID int64, items []reference.LineItem, mode inventory.Mode) error
}

// Reconciler applies webhook-driven state transitions to shipments. Every
// handler treats its event as a self-contained reconciliation against
// current database state; no cross-event ordering is assumed.
type Reconciler struct {
	shipments ShipmentStore
	carts     CartStore
	stores    StoreCatalog
	payments  Payments
	carrier   Carrier
	credits   Credits
	mailer    mail.Sender

	emailFrom  string
	alertEmail string

	// Injected for tests; the document fetch backs off between attempts.
	sleep func(time.Duration)
}

// NewReconciler wires a reconciler.
func NewReconciler(shipments ShipmentStore, carts CartStore, stores StoreCatalog, payments Payments, carrier Carrier, credits Credits, mailer mail.Sender, emailFrom, alertEmail string) *Reconciler {
	return &Reconciler{
		shipments:  shipments,
		carts:      carts,
		stores:     stores,
		payments:   payments,
		carrier:    carrier,
		credits:    credits,
		mailer:     mailer,
		emailFrom:  emailFrom,
		alertEmail: alertEmail,
		sleep:      time.Sleep,
	}
}

// CheckoutSession is a minimal representation of a Stripe checkout
// session event payload.
type CheckoutSession struct {
	ID            string            `json:"id"`
	Customer      string            `json:"customer"`
	PaymentIntent string            `json:"payment_intent"`
	AmountTotal   int64             `json:"amount_total"`
	PaymentStatus string            `json:"payment_status"`
	Metadata      map[string]string `json:"metadata"`
}

// HandleCheckoutCompleted turns a completed checkout into a shipment row
// plus its side effects. Payment success must always produce a local
// record: a failed Boxtal order creation still inserts the row, with the
// raw order payload preserved for later replay.
func (rc *Reconciler) HandleCheckoutCompleted(ctx context.Context, sess *CheckoutSession) error {
	if sess.PaymentIntent == "" {
		log.Warn().Str("session", sess.ID).Msg("Checkout session without payment intent, skipping")
		return nil
	}

	existing, err := rc.shipments.GetByPaymentID(ctx, sess.PaymentIntent)
	if err != nil {
		return fmt.Errorf("duplicate check: %w", err)
	}
	if existing != nil {
		log.Info().Str("payment", sess.PaymentIntent).Msg("Shipment already recorded, acknowledging redelivery")
		return nil
	}

	storeID, err := strconv.ParseInt(sess.Metadata[metaStoreID], 10, 64)
	if err != nil {
		return fmt.Errorf("checkout session %s: bad store_id metadata %q", sess.ID, sess.Metadata[metaStoreID])
	}
	seller, err := rc.stores.GetByID(ctx, storeID)
	if err != nil {
		return fmt.Errorf("load store %d: %w", storeID, err)
	}
	if seller == nil {
		return fmt.Errorf("checkout session %s references unknown store %d", sess.ID, storeID)
	}

	items := reference.Parse(sess.Metadata[metaProductReference])

	// Items that left the customer's pending cart since checkout began
	// were sold to someone else; their price is credited back instead of
	// being fulfilled.
	fulfilled, creditCents, err := rc.reconcileAvailability(ctx, sess, storeID, items)
	if err != nil {
		return err
	}
	if creditCents > 0 {
		if _, err := rc.credits.Grant(ctx, sess.Customer, creditCents, "sold_out_item", "sold_out:"+sess.ID); err != nil {
			return fmt.Errorf("credit sold-out items: %w", err)
		}
	}
	if len(fulfilled) == 0 {
		log.Warn().Str("payment", sess.PaymentIntent).Int64("credited_cents", creditCents).
			Msg("No referenced items remain available, payment fully credited")
		if err := rc.carts.DeleteByPaymentID(ctx, sess.PaymentIntent); err != nil {
			log.Warn().Err(err).Msg("Failed to clear cart after blocked checkout")
		}
		metrics.ShipmentsCreatedTotal.WithLabelValues("blocked").Inc()
		return nil
	}

	// A payment produced by editing an earlier order supersedes that
	// order: the old Boxtal shipment must be cancelled before the new row
	// exists, or two labels could ship.
	if oldPayment := sess.Metadata[metaOpenShipmentPayment]; oldPayment != "" {
		if err := rc.supersede(ctx, oldPayment); err != nil {
			rc.alert(ctx, "Failed to supersede edited shipment",
				"The previous Boxtal order could not be cancelled. The new shipment was NOT created.",
				map[string]string{"old_payment": oldPayment, "new_payment": sess.PaymentIntent})
			return fmt.Errorf("supersede open shipment: %w", err)
		}
	}

	if spent, err := strconv.ParseInt(sess.Metadata[metaCreditApplied], 10, 64); err == nil && spent > 0 {
		if _, err := rc.credits.Grant(ctx, sess.Customer, -spent, "credit_spent", "credit_spent:"+sess.ID); err != nil {
			return fmt.Errorf("debit applied credit: %w", err)
		}
	}

	sh := rc.buildShipment(sess, storeID, fulfilled)

	var order *shipping.Order
	if sh.DeliveryMethod != DeliveryStorePickup {
		payload, err := rc.buildOrderPayload(ctx, sess, seller, sh, fulfilled)
		if err != nil {
			return fmt.Errorf("build order payload: %w", err)
		}
		order, err = rc.carrier.CreateOrder(ctx, payload)
		if err != nil {
			log.Error().Err(err).Str("payment", sess.PaymentIntent).Msg("Boxtal order creation failed, recording shipment without it")
			sh.BoxtalShippingJSON = payload
			rc.alert(ctx, "Boxtal order creation failed",
				"The payment succeeded but no shipping order exists. The payload is preserved on the shipment row.",
				map[string]string{"payment": sess.PaymentIntent, "store": seller.Slug})
			metrics.ShipmentsCreatedTotal.WithLabelValues("carrier_failed").Inc()
		} else {
			sh.BoxtalID = order.ID
			status := order.Status
			sh.Status = &status
		}
	}

	if err := rc.shipments.Create(ctx, sh); err != nil {
		if errors.Is(err, verrors.ErrDuplicate) {
			// A concurrent delivery won the insert race. Our Boxtal order
			// is now an orphan; cancel it before acknowledging the replay.
			if order != nil {
				if cerr := rc.carrier.CancelOrder(ctx, order.ID); cerr != nil {
					rc.alert(ctx, "Orphan Boxtal order after duplicate delivery",
						"Two deliveries raced; the losing order could not be cancelled and must be cancelled by hand.",
						map[string]string{"payment": sess.PaymentIntent, "boxtal_order": order.ID})
				}
			}
			log.Info().Str("payment", sess.PaymentIntent).Msg("Shipment recorded by concurrent delivery, acknowledging replay")
			return nil
		}
		if order != nil {
			// The order is live but the row is not. Failing here would make
			// Stripe redeliver and create a second order, so acknowledge and
			// hand the context to the operator instead.
			rc.alert(ctx, "Shipment insert failed after Boxtal order creation",
				"The Boxtal order exists but no shipment row was written. Recreate the row manually; do not replay the webhook.",
				map[string]string{"payment": sess.PaymentIntent, "boxtal_order": order.ID, "error": err.Error()})
			log.Error().Err(err).Str("payment", sess.PaymentIntent).Str("order", order.ID).
				Msg("Shipment insert failed after order creation, alerting instead of retrying")
			return nil
		}
		return fmt.Errorf("record shipment: %w", err)
	}
	if order == nil && sh.DeliveryMethod != DeliveryStorePickup {
		// Row exists, order does not: leave it for the sweep job.
	} else {
		metrics.ShipmentsCreatedTotal.WithLabelValues("created").Inc()
	}

	if err := rc.carts.DeleteByPaymentID(ctx, sess.PaymentIntent); err != nil {
		log.Warn().Err(err).Str("payment", sess.PaymentIntent).Msg("Failed to clear cart after shipment creation")
	}

	rc.notify(ctx, sess, seller, sh, fulfilled, order)
	return nil
}

// reconcileAvailability cross-checks referenced items against the
// customer's pending cart. Returns the still-available items and the
// credit owed for the rest.
func (rc *Reconciler) reconcileAvailability(ctx context.Context, sess *CheckoutSession, storeID int64, items []reference.LineItem) ([]reference.LineItem, int64, error) {
	cartItems, err := rc.carts.ListByCustomerStore(ctx, sess.Customer, storeID)
	if err != nil {
		return nil, 0, fmt.Errorf("list pending cart: %w", err)
	}
	inCart := make(map[string]bool, len(cartItems))
	for _, ci := range cartItems {
		inCart[ci.ProductReference] = true
	}

	var fulfilled []reference.LineItem
	missing := make(map[string]bool)
	for _, it := range items {
		if inCart[it.Reference] {
			fulfilled = append(fulfilled, it)
		} else {
			missing[it.Reference] = true
		}
	}
	if len(missing) == 0 {
		return fulfilled, 0, nil
	}

	lineItems, err := rc.payments.ListSessionLineItems(ctx, sess.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("list line items for credit: %w", err)
	}
	credit := billing.MissingItemsCredit(lineItems, missing, sess.AmountTotal)
	return fulfilled, credit, nil
}

// supersede cancels and removes the shipment an edit session replaced.
func (rc *Reconciler) supersede(ctx context.Context, oldPaymentID string) error {
	old, err := rc.shipments.GetByPaymentID(ctx, oldPaymentID)
	if err != nil {
		return fmt.Errorf("load superseded shipment: %w", err)
	}
	if old == nil {
		log.Warn().Str("payment", oldPaymentID).Msg("Superseded shipment already gone")
		return nil
	}
	if old.BoxtalID != "" {
		if err := rc.carrier.CancelOrder(ctx, old.BoxtalID); err != nil {
			return fmt.Errorf("cancel superseded boxtal order %s: %w", old.BoxtalID, err)
		}
	}
	if err := rc.shipments.Delete(ctx, old.ID); err != nil {
		return fmt.Errorf("delete superseded shipment: %w", err)
	}
	if err := rc.carts.DeleteByPaymentID(ctx, oldPaymentID); err != nil {
		log.Warn().Err(err).Str("payment", oldPaymentID).Msg("Failed to purge superseded cart rows")
	}
	return nil
}

func (rc *Reconciler) buildShipment(sess *CheckoutSession, storeID int64, items []reference.LineItem) *store.Shipment {
	sh := &store.Shipment{
		PaymentID:           sess.PaymentIntent,
		StoreID:             storeID,
		CustomerStripeID:    sess.Customer,
		ProductReference:    reference.Encode(items),
		PaidValue:           sess.AmountTotal,
		CustomerSpentAmount: sess.AmountTotal,
		PromoCode:           sess.Metadata[metaPromoCode],
		DeliveryMethod:      sess.Metadata[metaDeliveryMethod],
		DeliveryNetwork:     sess.Metadata[metaDeliveryNetwork],
	}
	if sh.DeliveryMethod == "" {
		sh.DeliveryMethod = DeliveryHome
	}
	if earnings, err := strconv.ParseInt(sess.Metadata[metaStoreEarnings], 10, 64); err == nil {
		sh.StoreEarnings = earnings
	}
	if est, err := strconv.ParseFloat(sess.Metadata[metaEstimatedDeliveryCost], 64); err == nil {
		sh.EstimatedDeliveryCost = &est
	}
	if w, err := strconv.ParseFloat(sess.Metadata[metaWeight], 64); err == nil {
		sh.Weight = &w
	}
	if p := sess.Metadata[metaPickupPoint]; p != "" && json.Valid([]byte(p)) {
		sh.PickupPoint = json.RawMessage(p)
	}
	if p := sess.Metadata[metaDropoffPoint]; p != "" && json.Valid([]byte(p)) {
		sh.DropoffPoint = json.RawMessage(p)
	}
	return sh
}

// orderAddress is one side of a Boxtal order payload.
type orderAddress struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Street  string `json:"street"`
	ZipCode string `json:"zipCode"`
	City    string `json:"city"`
	Country string `json:"country"`
}

type orderPayload struct {
	ExternalID  string          `json:"externalId"`
	Network     string          `json:"network"`
	WeightKg    float64         `json:"weightKg"`
	Length      int             `json:"lengthCm"`
	Width       int             `json:"widthCm"`
	Height      int             `json:"heightCm"`
	From        orderAddress    `json:"fromAddress"`
	To          orderAddress    `json:"toAddress"`
	PickupCode  json.RawMessage `json:"pickupPoint,omitempty"`
	DropoffCode json.RawMessage `json:"dropoffPoint,omitempty"`
	ContentDesc string          `json:"contentDescription"`
}

func (rc *Reconciler) buildOrderPayload(ctx context.Context, sess *CheckoutSession, seller *store.Store, sh *store.Shipment, items []reference.LineItem) (json.RawMessage, error) {
	customer, err := rc.payments.GetCustomer(ctx, sess.Customer)
	if err != nil {
		return nil, fmt.Errorf("load customer for order: %w", err)
	}

	dims := shipping.DimensionsForNetwork(sh.DeliveryNetwork)
	weight := 1.0
	if sh.Weight != nil {
		weight = *sh.Weight
	}

	to := orderAddress{Name: customer.Name, Email: customer.Email, Phone: customer.Phone, Country: "FR"}
	if customer.Address != nil {
		to.Street = customer.Address.Line1
		to.ZipCode = customer.Address.PostalCode
		to.City = customer.Address.City
		if customer.Address.Country != "" {
			to.Country = customer.Address.Country
		}
	}

	payload := orderPayload{
		ExternalID: sess.PaymentIntent,
		Network:    sh.DeliveryNetwork,
		WeightKg:   weight,
		Length:     dims.Length,
		Width:      dims.Width,
		Height:     dims.Height,
		From: orderAddress{
			Name:    seller.Name,
			Email:   seller.OwnerEmail,
			Phone:   seller.Phone,
			Street:  seller.AddressLine,
			ZipCode: seller.PostalCode,
			City:    seller.City,
			Country: seller.Country,
		},
		To:          to,
		PickupCode:  sh.PickupPoint,
		DropoffCode: sh.DropoffPoint,
		ContentDesc: contentDescription(items),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order payload: %w", err)
	}
	return raw, nil
}

func contentDescription(items []reference.LineItem) string {
	if len(items) == 0 {
		return "Commande"
	}
	desc := items[0].Description
	if desc == "" {
		desc = items[0].Reference
	}
	if len(items) > 1 {
		return fmt.Sprintf("%s (+%d articles)", desc, len(items)-1)
	}
	return desc
}

// notify sends the buyer confirmation and seller notification. Failures
// are logged only: Stripe must not retry the webhook because an email
// bounced.
func (rc *Reconciler) notify(ctx context.Context, sess *CheckoutSession, seller *store.Store, sh *store.Shipment, items []reference.LineItem, order *shipping.Order) {
	var labelURL, trackingURL string
	if order != nil {
		labelURL = rc.fetchDocumentWithRetry(ctx, order.ID)
		var err error
		trackingURL, err = rc.carrier.TrackingURL(ctx, order.ID)
		if err != nil {
			log.Warn().Err(err).Str("order", order.ID).Msg("Failed to fetch tracking URL for confirmation email")
		}
	}

	emailItems := make([]mail.OrderItem, 0, len(items))
	for _, it := range items {
		emailItems = append(emailItems, mail.OrderItem{Reference: it.Reference, Description: it.Description, Quantity: it.Quantity})
	}
	totalEur := fmt.Sprintf("%.2f", float64(sess.AmountTotal)/100)

	customer, err := rc.payments.GetCustomer(ctx, sess.Customer)
	if err != nil {
		log.Warn().Err(err).Str("customer", sess.Customer).Msg("Failed to load customer for confirmation email")
	} else if customer.Email != "" {
		html, text, err := mail.RenderOrderConfirmation(mail.OrderConfirmationData{
			StoreName:   seller.Name,
			Items:       emailItems,
			TotalEur:    totalEur,
			TrackingURL: trackingURL,
		})
		if err == nil {
			rc.send(ctx, customer.Email, "Confirmation de votre commande", html, text, "order_confirmation")
		}
	}

	if seller.OwnerEmail != "" {
		pickupNote := ""
		if sh.DeliveryMethod == DeliveryStorePickup {
			pickupNote = "Commande a remettre en main propre (retrait en boutique)."
		}
		html, text, err := mail.RenderOwnerNotification(mail.OwnerNotificationData{
			StoreName:  seller.Name,
			PaymentID:  sess.PaymentIntent,
			TotalEur:   totalEur,
			Items:      emailItems,
			LabelURL:   labelURL,
			PickupNote: pickupNote,
		})
		if err == nil {
			rc.send(ctx, seller.OwnerEmail, "Nouvelle commande", html, text, "owner_notification")
		}
	}
}

// fetchDocumentWithRetry tries twice to obtain the shipping label, since
// Boxtal often has not rendered it yet right after order creation.
func (rc *Reconciler) fetchDocumentWithRetry(ctx context.Context, orderID string) string {
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			rc.sleep(10 * time.Second)
		}
		url, err := rc.carrier.DocumentURL(ctx, orderID)
		if err != nil {
			log.Warn().Err(err).Str("order", orderID).Int("attempt", attempt+1).Msg("Label fetch failed")
			continue
		}
		if url != "" {
			return url
		}
	}
	return ""
}

func (rc *Reconciler) send(ctx context.Context, to, subject, html, text, template string) {
	err := rc.mailer.Send(ctx, mail.Message{From: rc.emailFrom, To: to, Subject: subject, HTML: html, Text: text})
	outcome := "sent"
	if err != nil {
		outcome = "failed"
		log.Warn().Err(err).Str("to", to).Str("template", template).Msg("Email send failed")
	}
	metrics.EmailsSentTotal.WithLabelValues(template, outcome).Inc()
}

// alert emails the operator about a partial failure needing manual
// reconciliation.
func (rc *Reconciler) alert(ctx context.Context, subject, detail string, kv map[string]string) {
	if rc.alertEmail == "" {
		log.Error().Str("subject", subject).Interface("context", kv).Msg("Admin alert (no alert email configured)")
		return
	}
	text := mail.RenderAdminAlert(subject, detail, kv)
	rc.send(ctx, rc.alertEmail, "[vitrine] "+subject, "", text, "admin_alert")
}
