package shipments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitrinelive/vitrine/internal/billing"
	"github.com/vitrinelive/vitrine/internal/store"
)

func checkoutSession(payment string) *CheckoutSession {
	return &CheckoutSession{
		ID:            "cs_" + payment,
		Customer:      "cus_alice",
		PaymentIntent: payment,
		AmountTotal:   1500,
		Metadata: map[string]string{
			metaStoreID:          "7",
			metaProductReference: "prod_A;prod_B",
			metaDeliveryMethod:   DeliveryHome,
			metaDeliveryNetwork:  "MONR",
		},
	}
}

func seedCart(f *reconcilerFixture, refs ...string) {
	for _, ref := range refs {
		_ = f.carts.Add(context.Background(), &store.CartItem{
			CustomerStripeID: "cus_alice", StoreID: 7, ProductReference: ref, Quantity: 1,
		})
	}
}

func TestCheckoutCompletedCreatesShipment(t *testing.T) {
	f := newReconcilerFixture()
	seedCart(f, "prod_A", "prod_B")

	require.NoError(t, f.rc.HandleCheckoutCompleted(context.Background(), checkoutSession("pi_1")))

	sh, err := f.shipments.GetByPaymentID(context.Background(), "pi_1")
	require.NoError(t, err)
	require.NotNil(t, sh)
	assert.Equal(t, "bx_1", sh.BoxtalID)
	assert.Equal(t, "PENDING", *sh.Status)
	assert.Equal(t, int64(1500), sh.PaidValue)
	assert.Equal(t, "prod_A**1;prod_B**1", sh.ProductReference)
	assert.Zero(t, f.credits.balance("cus_alice"))
	// Buyer confirmation is skipped without a customer email; the owner
	// notification still goes out.
	assert.Equal(t, 1, f.mailer.count())
}

func TestCheckoutCompletedIsIdempotent(t *testing.T) {
	f := newReconcilerFixture()
	seedCart(f, "prod_A", "prod_B")

	require.NoError(t, f.rc.HandleCheckoutCompleted(context.Background(), checkoutSession("pi_1")))
	mailsAfterFirst := f.mailer.count()
	ordersAfterFirst := len(f.carrier.created)

	require.NoError(t, f.rc.HandleCheckoutCompleted(context.Background(), checkoutSession("pi_1")))

	assert.Equal(t, 1, f.shipments.count())
	assert.Equal(t, mailsAfterFirst, f.mailer.count())
	assert.Equal(t, ordersAfterFirst, len(f.carrier.created))
}

func TestCheckoutCompletedCreditsSoldOutItems(t *testing.T) {
	f := newReconcilerFixture()
	// prod_B left the cart between checkout start and webhook delivery.
	seedCart(f, "prod_A")
	sess := checkoutSession("pi_1")
	f.payments.lineItems[sess.ID] = []billing.SessionLineItem{
		{Reference: "prod_A", Quantity: 1, AmountCents: 1000},
		{Reference: "prod_B", Quantity: 1, AmountCents: 500},
	}

	require.NoError(t, f.rc.HandleCheckoutCompleted(context.Background(), sess))

	sh, err := f.shipments.GetByPaymentID(context.Background(), "pi_1")
	require.NoError(t, err)
	require.NotNil(t, sh)
	assert.Equal(t, "prod_A**1", sh.ProductReference)
	assert.Equal(t, int64(500), f.credits.balance("cus_alice"))
}

func TestCheckoutCompletedBlockedWhenNothingAvailable(t *testing.T) {
	f := newReconcilerFixture()
	// Empty cart: everything referenced was sold elsewhere.
	sess := checkoutSession("pi_1")
	f.payments.lineItems[sess.ID] = []billing.SessionLineItem{
		{Reference: "prod_A", Quantity: 1, AmountCents: 1000},
		{Reference: "prod_B", Quantity: 1, AmountCents: 500},
	}

	require.NoError(t, f.rc.HandleCheckoutCompleted(context.Background(), sess))

	assert.Zero(t, f.shipments.count())
	assert.Empty(t, f.carrier.created)
	assert.Equal(t, int64(1500), f.credits.balance("cus_alice"))
}

func TestCheckoutCompletedCarrierFailureStillRecordsShipment(t *testing.T) {
	f := newReconcilerFixture()
	seedCart(f, "prod_A", "prod_B")
	f.carrier.createErr = errors.New("boxtal 502")

	require.NoError(t, f.rc.HandleCheckoutCompleted(context.Background(), checkoutSession("pi_1")))

	sh, err := f.shipments.GetByPaymentID(context.Background(), "pi_1")
	require.NoError(t, err)
	require.NotNil(t, sh)
	assert.Empty(t, sh.BoxtalID)
	assert.Nil(t, sh.Status)
	assert.NotEmpty(t, sh.BoxtalShippingJSON)

	// Operator alert plus owner notification.
	subjects := make([]string, 0, len(f.mailer.sent))
	for _, m := range f.mailer.sent {
		subjects = append(subjects, m.Subject)
	}
	assert.Contains(t, subjects, "[vitrine] Boxtal order creation failed")
}

func TestCheckoutCompletedStorePickupSkipsCarrier(t *testing.T) {
	f := newReconcilerFixture()
	seedCart(f, "prod_A", "prod_B")
	sess := checkoutSession("pi_1")
	sess.Metadata[metaDeliveryMethod] = DeliveryStorePickup

	require.NoError(t, f.rc.HandleCheckoutCompleted(context.Background(), sess))

	sh, _ := f.shipments.GetByPaymentID(context.Background(), "pi_1")
	require.NotNil(t, sh)
	assert.Empty(t, sh.BoxtalID)
	assert.Empty(t, f.carrier.created)
}

func TestCheckoutCompletedSupersedesEditedShipment(t *testing.T) {
	f := newReconcilerFixture()
	old := f.shipments.add(&store.Shipment{
		BoxtalID: "bx_old", PaymentID: "pi_old", StoreID: 7,
		CustomerStripeID: "cus_alice", IsOpenShipment: true,
	})
	seedCart(f, "prod_A", "prod_B")
	sess := checkoutSession("pi_new")
	sess.Metadata[metaOpenShipmentPayment] = "pi_old"

	require.NoError(t, f.rc.HandleCheckoutCompleted(context.Background(), sess))

	assert.Contains(t, f.carrier.cancelled, "bx_old")
	gone, _ := f.shipments.GetByID(context.Background(), old.ID)
	assert.Nil(t, gone)
	created, _ := f.shipments.GetByPaymentID(context.Background(), "pi_new")
	assert.NotNil(t, created)
}

func TestCheckoutCompletedSupersedeCancelFailureAborts(t *testing.T) {
	f := newReconcilerFixture()
	f.shipments.add(&store.Shipment{
		BoxtalID: "bx_old", PaymentID: "pi_old", StoreID: 7, CustomerStripeID: "cus_alice",
	})
	seedCart(f, "prod_A", "prod_B")
	f.carrier.cancelErr = errors.New("boxtal 500")
	sess := checkoutSession("pi_new")
	sess.Metadata[metaOpenShipmentPayment] = "pi_old"

	err := f.rc.HandleCheckoutCompleted(context.Background(), sess)
	require.Error(t, err)

	// No new shipment may exist while the old order is still live.
	created, _ := f.shipments.GetByPaymentID(context.Background(), "pi_new")
	assert.Nil(t, created)
}

func TestCheckoutCompletedDebitsAppliedCredit(t *testing.T) {
	f := newReconcilerFixture()
	seedCart(f, "prod_A", "prod_B")
	sess := checkoutSession("pi_1")
	sess.Metadata[metaCreditApplied] = "300"

	require.NoError(t, f.rc.HandleCheckoutCompleted(context.Background(), sess))
	assert.Equal(t, int64(-300), f.credits.balance("cus_alice"))

	// Redelivery must not debit twice.
	require.NoError(t, f.rc.HandleCheckoutCompleted(context.Background(), sess))
	assert.Equal(t, int64(-300), f.credits.balance("cus_alice"))
}

// racingShipments hides rows from the pre-insert duplicate check so two
// deliveries can race past it; the unique index still rejects the loser.
type racingShipments struct {
	*fakeShipments
	blind bool
}

func (r *racingShipments) GetByPaymentID(ctx context.Context, paymentID string) (*store.Shipment, error) {
	if r.blind {
		return nil, nil
	}
	return r.fakeShipments.GetByPaymentID(ctx, paymentID)
}

func TestCheckoutCompletedReplayRaceCancelsOrphanOrder(t *testing.T) {
	f := newReconcilerFixture()
	racing := &racingShipments{fakeShipments: f.shipments}
	rc := NewReconciler(racing, f.carts, f.stores, f.payments, f.carrier, f.credits, f.mailer,
		"noreply@vitrine.live", "ops@vitrine.live")
	rc.sleep = func(time.Duration) {}

	seedCart(f, "prod_A", "prod_B")
	require.NoError(t, rc.HandleCheckoutCompleted(context.Background(), checkoutSession("pi_1")))

	// The concurrent delivery misses the duplicate check but loses the
	// insert; its fresh Boxtal order must not survive.
	racing.blind = true
	seedCart(f, "prod_A", "prod_B")
	require.NoError(t, rc.HandleCheckoutCompleted(context.Background(), checkoutSession("pi_1")))

	assert.Equal(t, 1, f.shipments.count())
	assert.Len(t, f.carrier.created, 2)
	assert.Equal(t, []string{"bx_2"}, f.carrier.cancelled)
}

// flakyShipments fails the first insert, as a transient database outage
// between order creation and row recording would.
type flakyShipments struct {
	*fakeShipments
	createErr error
}

func (f *flakyShipments) Create(ctx context.Context, sh *store.Shipment) error {
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		return err
	}
	return f.fakeShipments.Create(ctx, sh)
}

func TestCheckoutCompletedInsertFailureAlertsInsteadOfFailing(t *testing.T) {
	f := newReconcilerFixture()
	flaky := &flakyShipments{fakeShipments: f.shipments, createErr: errors.New("db down")}
	rc := NewReconciler(flaky, f.carts, f.stores, f.payments, f.carrier, f.credits, f.mailer,
		"noreply@vitrine.live", "ops@vitrine.live")
	rc.sleep = func(time.Duration) {}
	seedCart(f, "prod_A", "prod_B")

	// The Boxtal order is live but the row write failed. An error here
	// would make Stripe redeliver and create a second order, so the
	// delivery is acknowledged and the operator takes over.
	require.NoError(t, rc.HandleCheckoutCompleted(context.Background(), checkoutSession("pi_1")))

	assert.Zero(t, f.shipments.count())
	assert.Len(t, f.carrier.created, 1)
	subjects := make([]string, 0, len(f.mailer.sent))
	for _, m := range f.mailer.sent {
		subjects = append(subjects, m.Subject)
	}
	assert.Contains(t, subjects, "[vitrine] Shipment insert failed after Boxtal order creation")
}

func TestSweepRetriesStuckShipments(t *testing.T) {
	f := newReconcilerFixture()
	f.shipments.add(&store.Shipment{
		PaymentID: "pi_stuck", StoreID: 7, CustomerStripeID: "cus_alice",
		DeliveryMethod: DeliveryHome, BoxtalShippingJSON: []byte(`{"externalId":"pi_stuck"}`),
	})

	sweeper := NewSweeper(f.shipments, f.carrier, 0)
	completed := sweeper.SweepOnce(context.Background())
	assert.Equal(t, 1, completed)

	sh, _ := f.shipments.GetByPaymentID(context.Background(), "pi_stuck")
	assert.NotEmpty(t, sh.BoxtalID)
	assert.Nil(t, sh.BoxtalShippingJSON)

	assert.Zero(t, sweeper.SweepOnce(context.Background()))
}
