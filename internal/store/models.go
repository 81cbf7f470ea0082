package store

import (
	"encoding/json"
	"time"
)

// Shipment is the local record of one fulfilled order, one per successful
// payment, tracked through delivery.
type Shipment struct {
	ID               int64
	BoxtalID         string // external Boxtal order id, empty until the order succeeds
	PaymentID        string // Stripe PaymentIntent id
	StoreID          int64
	CustomerStripeID string

	ProductReference    string
	PaidValue           int64 // cents
	CustomerSpentAmount int64 // cents
	StoreEarnings       int64 // cents
	PromoCode           string

	DeliveryCost          *float64 // EUR, set on final delivery
	EstimatedDeliveryCost *float64 // EUR, quoted at checkout
	Weight                *float64 // kg

	Status          *string // mirror of the Boxtal order status, or CANCELLED
	DeliveryMethod  string  // pickup_point | home_delivery | store_pickup
	DeliveryNetwork string
	PickupPoint     json.RawMessage
	DropoffPoint    json.RawMessage

	TrackingURL        string
	IsFinalDestination bool
	DeliveryDate       *time.Time
	DocumentCreated    bool
	DocumentURL        string

	IsOpenShipment  bool
	CancelRequested bool
	ReturnRequested bool

	// Raw Boxtal order payload preserved for manual recovery when order
	// creation failed after a successful payment.
	BoxtalShippingJSON json.RawMessage

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CartItem is an ephemeral pre-checkout line item.
type CartItem struct {
	ID               int64
	CustomerStripeID string
	StoreID          int64
	PaymentID        string
	ProductReference string
	Quantity         int
	Description      string
	PriceCents       int64
	CreatedAt        time.Time
}

// StockRow is per-store inventory for one product. Quantity is NULL for
// products whose available units are not tracked; only Bought moves then.
type StockRow struct {
	ID               int64
	StoreID          int64
	ProductReference string
	ProductStripeID  string
	Quantity         *int64
	Bought           int64
}

// Store is a seller profile.
type Store struct {
	ID              int64
	Slug            string
	Name            string
	ClerkID         string
	OwnerEmail      string
	StripeID        string
	IbanBic         string
	AddressLine     string
	PostalCode      string
	City            string
	Country         string
	Phone           string
	TVAApplicable   bool
	PayoutFactureID int64
	PayoutCreatedAt *time.Time
	CreatedAt       time.Time
}

// LedgerEntry is one append-only credit balance movement.
type LedgerEntry struct {
	ID               string
	CustomerStripeID string
	DeltaCents       int64
	Reason           string
	IdempotencyKey   string
	CreatedAt        time.Time
}
