package shipments

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitrinelive/vitrine/internal/billing"
	verrors "github.com/vitrinelive/vitrine/internal/errors"
	"github.com/vitrinelive/vitrine/internal/store"
)

type editorFixture struct {
	shipments *fakeShipments
	carts     *fakeCarts
	stock     *fakeStockAdjuster
	payments  *fakePayments
	editor    *Editor
}

func newEditorFixture() *editorFixture {
	f := &editorFixture{
		shipments: newFakeShipments(),
		carts:     &fakeCarts{},
		stock:     newFakeStockAdjuster(),
		payments:  &fakePayments{lineItems: map[string][]billing.SessionLineItem{}},
	}
	f.editor = NewEditor(f.shipments, f.carts, f.stock, f.payments)
	return f
}

func (f *editorFixture) seed(payment string, open bool) *store.Shipment {
	return f.shipments.add(&store.Shipment{
		PaymentID: payment, StoreID: 7, CustomerStripeID: "cus_alice",
		ProductReference: "prod_A**2", IsOpenShipment: open,
	})
}

func TestOpenReleasesStock(t *testing.T) {
	f := newEditorFixture()
	sh := f.seed("pi_1", false)

	got, err := f.editor.Open(context.Background(), "cus_alice", sh.ID, false)
	require.NoError(t, err)
	assert.True(t, got.IsOpenShipment)
	assert.Equal(t, 2, f.stock.net["prod_A"])
}

func TestOpenConflictWithoutForce(t *testing.T) {
	f := newEditorFixture()
	blocking := f.seed("pi_1", true)
	target := f.seed("pi_2", false)

	_, err := f.editor.Open(context.Background(), "cus_alice", target.ID, false)
	var conflict *ErrOpenConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, blocking.ID, conflict.Open.ID)
	assert.True(t, errors.Is(err, verrors.ErrConflict))
}

func TestOpenWithForceClosesBlocker(t *testing.T) {
	f := newEditorFixture()
	blocking := f.seed("pi_1", true)
	target := f.seed("pi_2", false)

	got, err := f.editor.Open(context.Background(), "cus_alice", target.ID, true)
	require.NoError(t, err)
	assert.True(t, got.IsOpenShipment)

	b, _ := f.shipments.GetByID(context.Background(), blocking.ID)
	assert.False(t, b.IsOpenShipment)
	// Blocker re-reserved (-2), target released (+2).
	assert.Equal(t, 0, f.stock.net["prod_A"])
	assert.Equal(t, []string{"unrestock", "restock"}, f.stock.calls)
}

func TestOpenRollsBackFlagOnStockError(t *testing.T) {
	f := newEditorFixture()
	sh := f.seed("pi_1", false)
	f.stock.err = errors.New("db down")

	_, err := f.editor.Open(context.Background(), "cus_alice", sh.ID, false)
	require.Error(t, err)

	got, _ := f.shipments.GetByID(context.Background(), sh.ID)
	assert.False(t, got.IsOpenShipment)
}

func TestOpenForeignShipmentForbidden(t *testing.T) {
	f := newEditorFixture()
	sh := f.shipments.add(&store.Shipment{
		PaymentID: "pi_x", StoreID: 7, CustomerStripeID: "cus_bob", ProductReference: "prod_A**1",
	})

	_, err := f.editor.Open(context.Background(), "cus_alice", sh.ID, false)
	assert.True(t, errors.Is(err, verrors.ErrForbidden))
}

func TestCancelClosesEverythingAndConserves(t *testing.T) {
	f := newEditorFixture()
	sh := f.seed("pi_1", false)

	_, err := f.editor.Open(context.Background(), "cus_alice", sh.ID, false)
	require.NoError(t, err)
	require.NoError(t, f.editor.Cancel(context.Background(), "cus_alice", 7))

	open, _ := f.shipments.ListOpen(context.Background(), "cus_alice", 7)
	assert.Empty(t, open)
	// Stock conservation: open then cancel nets to zero.
	assert.Equal(t, 0, f.stock.net["prod_A"])
}

func TestActiveReturnsOpenShipment(t *testing.T) {
	f := newEditorFixture()
	assertNilActive := func() {
		sh, err := f.editor.Active(context.Background(), "cus_alice", 7)
		require.NoError(t, err)
		assert.Nil(t, sh)
	}
	assertNilActive()

	opened := f.seed("pi_1", true)
	sh, err := f.editor.Active(context.Background(), "cus_alice", 7)
	require.NoError(t, err)
	require.NotNil(t, sh)
	assert.Equal(t, opened.ID, sh.ID)
}

func TestRebuildCartsFiltersDeliveryAdjustments(t *testing.T) {
	f := newEditorFixture()
	f.seed("pi_1", true)
	f.payments.lineItems["cs_1"] = []billing.SessionLineItem{
		{Reference: "prod_A", Description: "Taille M", Quantity: 1, AmountCents: 1000},
		{Reference: "prod_regul", Description: "Regularisation livraison", Quantity: 1, AmountCents: 250},
	}

	items, err := f.editor.RebuildCarts(context.Background(), "cus_alice", "pi_1", "cs_1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "prod_A", items[0].ProductReference)
	// Quantity comes from the shipment's own reference encoding.
	assert.Equal(t, 2, items[0].Quantity)
	assert.Equal(t, "pi_1", items[0].PaymentID)
}

func TestRebuildCartsResolvesSessionFromPayment(t *testing.T) {
	f := newEditorFixture()
	f.seed("pi_1", true)
	f.payments.sessions = map[string]string{"pi_1": "cs_1"}
	f.payments.lineItems["cs_1"] = []billing.SessionLineItem{
		{Reference: "prod_A", Description: "Taille M", Quantity: 1, AmountCents: 1000},
	}

	items, err := f.editor.RebuildCarts(context.Background(), "cus_alice", "pi_1", "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "prod_A", items[0].ProductReference)
}

func TestRebuildCartsUnknownPayment(t *testing.T) {
	f := newEditorFixture()
	_, err := f.editor.RebuildCarts(context.Background(), "cus_alice", "pi_missing", "cs_1")
	assert.True(t, errors.Is(err, verrors.ErrNotFound))
}
