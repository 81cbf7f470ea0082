package shipments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/vitrinelive/vitrine/internal/billing"
	verrors "github.com/vitrinelive/vitrine/internal/errors"
	"github.com/vitrinelive/vitrine/internal/inventory"
	"github.com/vitrinelive/vitrine/internal/mail"
	"github.com/vitrinelive/vitrine/internal/reference"
	"github.com/vitrinelive/vitrine/internal/shipping"
	"github.com/vitrinelive/vitrine/internal/store"
)

// fakeShipments mimics the repository semantics the reconciler and
// editor rely on: payment-id uniqueness and the single-open partial
// unique index.
type fakeShipments struct {
	mu         sync.Mutex
	nextID     int64
	rows       map[int64]*store.Shipment
	storeSlugs map[string]int64
}

func newFakeShipments() *fakeShipments {
	return &fakeShipments{rows: make(map[int64]*store.Shipment), storeSlugs: make(map[string]int64)}
}

func (f *fakeShipments) add(sh *store.Shipment) *store.Shipment {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	sh.ID = f.nextID
	f.rows[sh.ID] = sh
	return sh
}

func (f *fakeShipments) Create(_ context.Context, sh *store.Shipment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.rows {
		if existing.PaymentID == sh.PaymentID {
			return fmt.Errorf("shipment for payment %s: %w", sh.PaymentID, verrors.ErrDuplicate)
		}
	}
	f.nextID++
	sh.ID = f.nextID
	sh.CreatedAt = time.Now().UTC()
	f.rows[sh.ID] = sh
	return nil
}

func (f *fakeShipments) GetByID(_ context.Context, id int64) (*store.Shipment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id], nil
}

func (f *fakeShipments) GetByPaymentID(_ context.Context, paymentID string) (*store.Shipment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sh := range f.rows {
		if sh.PaymentID == paymentID {
			return sh, nil
		}
	}
	return nil, nil
}

func (f *fakeShipments) GetByBoxtalID(_ context.Context, boxtalID string) (*store.Shipment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sh := range f.rows {
		if sh.BoxtalID == boxtalID {
			return sh, nil
		}
	}
	return nil, nil
}

func (f *fakeShipments) ListOpen(_ context.Context, customer string, storeID int64) ([]*store.Shipment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Shipment
	for _, sh := range f.rows {
		if sh.CustomerStripeID == customer && sh.StoreID == storeID && sh.IsOpenShipment {
			out = append(out, sh)
		}
	}
	return out, nil
}

func (f *fakeShipments) SetOpen(_ context.Context, id int64, open bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sh, ok := f.rows[id]
	if !ok {
		return verrors.ErrNotFound
	}
	if open {
		for _, other := range f.rows {
			if other.ID != id && other.CustomerStripeID == sh.CustomerStripeID &&
				other.StoreID == sh.StoreID && other.IsOpenShipment {
				return fmt.Errorf("open shipment %d: %w", id, verrors.ErrConflict)
			}
		}
	}
	sh.IsOpenShipment = open
	return nil
}

func (f *fakeShipments) UpdateTracking(_ context.Context, id int64, status, trackingURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sh := f.rows[id]
	sh.Status = &status
	if trackingURL != "" {
		sh.TrackingURL = trackingURL
	}
	return nil
}

func (f *fakeShipments) MarkDocumentCreated(_ context.Context, id int64, url string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sh := f.rows[id]
	first := !sh.DocumentCreated
	sh.DocumentCreated = true
	sh.DocumentURL = url
	return first, nil
}

func (f *fakeShipments) SetFinalDelivery(_ context.Context, id int64, cost float64, date time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sh := f.rows[id]
	if sh.IsFinalDestination && sh.DeliveryCost != nil && math.Abs(*sh.DeliveryCost-cost) < 0.005 {
		return false, nil
	}
	sh.IsFinalDestination = true
	sh.DeliveryCost = &cost
	sh.DeliveryDate = &date
	return true, nil
}

func (f *fakeShipments) SetStatusCancelled(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := StatusCancelledLocal
	sh := f.rows[id]
	sh.Status = &status
	sh.CancelRequested = true
	sh.IsOpenShipment = false
	return nil
}

func (f *fakeShipments) SetBoxtalOrder(_ context.Context, id int64, boxtalID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sh := f.rows[id]
	sh.BoxtalID = boxtalID
	sh.Status = &status
	sh.BoxtalShippingJSON = nil
	return nil
}

func (f *fakeShipments) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return verrors.ErrNotFound
	}
	delete(f.rows, id)
	return nil
}

func (f *fakeShipments) ListStuck(_ context.Context) ([]*store.Shipment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Shipment
	for _, sh := range f.rows {
		if sh.BoxtalID == "" && sh.Status == nil && len(sh.BoxtalShippingJSON) > 0 &&
			sh.DeliveryMethod != DeliveryStorePickup {
			out = append(out, sh)
		}
	}
	return out, nil
}

func (f *fakeShipments) ListByCustomer(_ context.Context, customer string) ([]*store.Shipment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Shipment
	for _, sh := range f.rows {
		if sh.CustomerStripeID == customer {
			out = append(out, sh)
		}
	}
	return out, nil
}

func (f *fakeShipments) ListByStoreSlug(_ context.Context, slug string) ([]*store.Shipment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Shipment
	for _, sh := range f.rows {
		if f.storeSlugs[slug] == sh.StoreID {
			out = append(out, sh)
		}
	}
	return out, nil
}

func (f *fakeShipments) StoreIDsForCustomer(_ context.Context, customer string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[int64]bool)
	var out []int64
	for _, sh := range f.rows {
		if sh.CustomerStripeID == customer && !seen[sh.StoreID] {
			seen[sh.StoreID] = true
			out = append(out, sh.StoreID)
		}
	}
	return out, nil
}

func (f *fakeShipments) SetReturnRequested(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sh, ok := f.rows[id]
	if !ok {
		return verrors.ErrNotFound
	}
	sh.ReturnRequested = true
	return nil
}

func (f *fakeShipments) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeCarts struct {
	mu     sync.Mutex
	nextID int64
	items  []*store.CartItem
}

func (f *fakeCarts) Add(_ context.Context, item *store.CartItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	item.ID = f.nextID
	f.items = append(f.items, item)
	return nil
}

func (f *fakeCarts) ListByCustomerStore(_ context.Context, customer string, storeID int64) ([]*store.CartItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.CartItem
	for _, it := range f.items {
		if it.CustomerStripeID == customer && it.StoreID == storeID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeCarts) DeleteByPaymentID(_ context.Context, paymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.items[:0]
	for _, it := range f.items {
		if it.PaymentID != paymentID {
			kept = append(kept, it)
		}
	}
	f.items = kept
	return nil
}

type fakeStores struct {
	byID    map[int64]*store.Store
	payouts map[int64]int64
}

func (f *fakeStores) GetByID(_ context.Context, id int64) (*store.Store, error) {
	return f.byID[id], nil
}

func (f *fakeStores) GetBySlug(_ context.Context, slug string) (*store.Store, error) {
	for _, st := range f.byID {
		if st.Slug == slug {
			return st, nil
		}
	}
	return nil, nil
}

func (f *fakeStores) GetByClerkID(_ context.Context, clerkID string) (*store.Store, error) {
	for _, st := range f.byID {
		if st.ClerkID == clerkID {
			return st, nil
		}
	}
	return nil, nil
}

func (f *fakeStores) GetByIDs(_ context.Context, ids []int64) (map[int64]*store.Store, error) {
	out := make(map[int64]*store.Store)
	for _, id := range ids {
		if st, ok := f.byID[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

func (f *fakeStores) NextPayoutNumber(_ context.Context, id int64, at time.Time) (int64, error) {
	if f.payouts == nil {
		f.payouts = make(map[int64]int64)
	}
	f.payouts[id]++
	if st, ok := f.byID[id]; ok {
		st.PayoutFactureID = f.payouts[id]
		st.PayoutCreatedAt = &at
	}
	return f.payouts[id], nil
}

type fakePayments struct {
	customers map[string]*stripelib.Customer
	lineItems map[string][]billing.SessionLineItem
	sessions  map[string]string // payment intent -> session id
}

func (f *fakePayments) GetCustomer(_ context.Context, id string) (*stripelib.Customer, error) {
	if c, ok := f.customers[id]; ok {
		return c, nil
	}
	return &stripelib.Customer{ID: id}, nil
}

func (f *fakePayments) ListSessionLineItems(_ context.Context, sessionID string) ([]billing.SessionLineItem, error) {
	return f.lineItems[sessionID], nil
}

func (f *fakePayments) FindSessionByPaymentIntent(_ context.Context, paymentID string) (*stripelib.CheckoutSession, error) {
	if id, ok := f.sessions[paymentID]; ok {
		return &stripelib.CheckoutSession{ID: id}, nil
	}
	return nil, fmt.Errorf("no session for payment %s: %w", paymentID, verrors.ErrNotFound)
}

type fakeCarrier struct {
	mu           sync.Mutex
	nextOrder    int
	createErr    error
	cancelErr    error
	created      []json.RawMessage
	cancelled    []string
	orders       map[string]*shipping.Order
	documentURLs map[string]string
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{orders: make(map[string]*shipping.Order), documentURLs: make(map[string]string)}
}

func (f *fakeCarrier) CreateOrder(_ context.Context, payload json.RawMessage) (*shipping.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextOrder++
	order := &shipping.Order{ID: fmt.Sprintf("bx_%d", f.nextOrder), Status: "PENDING"}
	f.created = append(f.created, payload)
	f.orders[order.ID] = order
	return order, nil
}

func (f *fakeCarrier) CancelOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeCarrier) GetOrder(_ context.Context, orderID string) (*shipping.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		return o, nil
	}
	return nil, errors.New("order not found")
}

func (f *fakeCarrier) DocumentURL(_ context.Context, orderID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.documentURLs[orderID], nil
}

func (f *fakeCarrier) TrackingURL(_ context.Context, orderID string) (string, error) {
	return "https://track.example/" + orderID, nil
}

type fakeCredits struct {
	mu     sync.Mutex
	keys   map[string]bool
	grants map[string]int64 // customer -> summed cents
}

func newFakeCredits() *fakeCredits {
	return &fakeCredits{keys: make(map[string]bool), grants: make(map[string]int64)}
}

func (f *fakeCredits) Grant(_ context.Context, customer string, delta int64, _, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[key] {
		return false, nil
	}
	f.keys[key] = true
	f.grants[customer] += delta
	return true, nil
}

func (f *fakeCredits) balance(customer string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grants[customer]
}

// fakeStockAdjuster records net adjustments per reference so stock
// conservation can be asserted.
type fakeStockAdjuster struct {
	mu    sync.Mutex
	err   error
	net   map[string]int // +restocked, -unrestocked
	calls []string
}

func newFakeStockAdjuster() *fakeStockAdjuster {
	return &fakeStockAdjuster{net: make(map[string]int)}
}

func (f *fakeStockAdjuster) Apply(_ context.Context, _ int64, items []reference.LineItem, mode inventory.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, string(mode))
	for _, it := range items {
		if mode == inventory.ModeRestock {
			f.net[it.Reference] += it.Quantity
		} else {
			f.net[it.Reference] -= it.Quantity
		}
	}
	return nil
}

type sentMail struct {
	To      string
	Subject string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (f *fakeMailer) Send(_ context.Context, msg mail.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{To: msg.To, Subject: msg.Subject})
	return nil
}

func (f *fakeMailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type reconcilerFixture struct {
	shipments *fakeShipments
	carts     *fakeCarts
	stores    *fakeStores
	payments  *fakePayments
	carrier   *fakeCarrier
	credits   *fakeCredits
	mailer    *fakeMailer
	rc        *Reconciler
}

func newReconcilerFixture() *reconcilerFixture {
	f := &reconcilerFixture{
		shipments: newFakeShipments(),
		carts:     &fakeCarts{},
		stores: &fakeStores{byID: map[int64]*store.Store{
			7: {ID: 7, Slug: "atelier-lune", Name: "Atelier Lune", OwnerEmail: "owner@atelier-lune.fr",
				AddressLine: "12 rue des Lilas", PostalCode: "75011", City: "Paris", Country: "FR"},
		}},
		payments: &fakePayments{
			customers: map[string]*stripelib.Customer{},
			lineItems: map[string][]billing.SessionLineItem{},
		},
		carrier: newFakeCarrier(),
		credits: newFakeCredits(),
		mailer:  &fakeMailer{},
	}
	f.rc = NewReconciler(f.shipments, f.carts, f.stores, f.payments, f.carrier, f.credits, f.mailer,
		"noreply@vitrine.live", "ops@vitrine.live")
	f.rc.sleep = func(time.Duration) {}
	return f
}
