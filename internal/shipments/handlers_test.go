package shipments

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitrinelive/vitrine/internal/auth"
	"github.com/vitrinelive/vitrine/internal/billing"
	"github.com/vitrinelive/vitrine/internal/invoice"
	"github.com/vitrinelive/vitrine/internal/store"
)

type handlersFixture struct {
	shipments *fakeShipments
	stores    *fakeStores
	carrier   *fakeCarrier
	handlers  *Handlers
}

func newHandlersFixture() *handlersFixture {
	f := &handlersFixture{
		shipments: newFakeShipments(),
		stores: &fakeStores{byID: map[int64]*store.Store{
			7: {ID: 7, Slug: "atelier-lune", Name: "Atelier Lune", ClerkID: "user_owner",
				IbanBic: "FR76 3000 / ABCDEF", CreatedAt: time.Now().Add(-30 * 24 * time.Hour)},
		}},
		carrier: newFakeCarrier(),
	}
	f.shipments.storeSlugs["atelier-lune"] = 7
	payments := &fakePayments{lineItems: map[string][]billing.SessionLineItem{}}
	editor := NewEditor(f.shipments, &fakeCarts{}, newFakeStockAdjuster(), payments)
	f.handlers = NewHandlers(f.shipments, f.stores, editor, f.carrier, payments, invoice.NewGenerator())
	return f
}

func authedRequest(method, target string, id *auth.Identity) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	return req.WithContext(auth.WithIdentity(req.Context(), id))
}

func customerIdentity() *auth.Identity {
	return &auth.Identity{ClerkUserID: "user_alice", StripeCustomerID: "cus_alice"}
}

func TestListCustomerShipmentsOnlyOwn(t *testing.T) {
	f := newHandlersFixture()
	f.shipments.add(&store.Shipment{PaymentID: "pi_1", StoreID: 7, CustomerStripeID: "cus_alice"})
	f.shipments.add(&store.Shipment{PaymentID: "pi_2", StoreID: 7, CustomerStripeID: "cus_bob"})

	rec := httptest.NewRecorder()
	f.handlers.HandleListCustomerShipments(rec, authedRequest(http.MethodGet, "/api/shipments/customer", customerIdentity()))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pi_1")
	assert.NotContains(t, rec.Body.String(), "pi_2")
}

func TestCancelShipmentCancelsCarrierOrder(t *testing.T) {
	f := newHandlersFixture()
	sh := f.shipments.add(&store.Shipment{
		PaymentID: "pi_1", StoreID: 7, CustomerStripeID: "cus_alice", BoxtalID: "bx_1",
	})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/shipments/{id}/cancel", f.handlers.HandleCancelShipment)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/shipments/1/cancel", customerIdentity()))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// Second call is a no-op once the shipment is already cancelled.
	assert.Equal(t, []string{"bx_1"}, f.carrier.cancelled)
	got, _ := f.shipments.GetByID(t.Context(), sh.ID)
	require.NotNil(t, got.Status)
	assert.Equal(t, StatusCancelledLocal, *got.Status)
}

func TestStoreShipmentsRequireOwnership(t *testing.T) {
	f := newHandlersFixture()
	f.shipments.add(&store.Shipment{PaymentID: "pi_1", StoreID: 7, CustomerStripeID: "cus_alice"})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/shipments/store/{storeSlug}", f.handlers.HandleListStoreShipments)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/shipments/store/atelier-lune", customerIdentity()))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	owner := &auth.Identity{ClerkUserID: "user_owner", StripeCustomerID: "cus_owner"}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/shipments/store/atelier-lune", owner))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pi_1")
}

func TestPayoutRendersPDFAndAdvancesCounter(t *testing.T) {
	f := newHandlersFixture()
	f.shipments.add(&store.Shipment{
		PaymentID: "pi_1", StoreID: 7, CustomerStripeID: "cus_alice",
		StoreEarnings: 4500, CreatedAt: time.Now().Add(-time.Hour),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stores/{slug}/payout", f.handlers.HandlePayout)
	owner := &auth.Identity{ClerkUserID: "user_owner", StripeCustomerID: "cus_owner"}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/stores/atelier-lune/payout", owner))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, int64(1), f.stores.payouts[7])

	// Nothing sold since the payout above: no second invoice.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/stores/atelier-lune/payout", owner))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, int64(1), f.stores.payouts[7])
}

func TestInvoiceReturnsPDF(t *testing.T) {
	f := newHandlersFixture()
	f.shipments.add(&store.Shipment{
		PaymentID: "pi_1", StoreID: 7, CustomerStripeID: "cus_alice",
		ProductReference: "prod_A**2", PaidValue: 3500, CreatedAt: time.Now(),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/shipments/{id}/invoice", f.handlers.HandleInvoice)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/shipments/1/invoice", customerIdentity()))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.True(t, rec.Body.Len() > 500)
}
