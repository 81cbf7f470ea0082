package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitrinelive/vitrine/internal/reference"
	"github.com/vitrinelive/vitrine/internal/store"
)

type fakeStock struct {
	rows    map[int64]*store.StockRow
	findErr error
	adjErr  error
}

func newFakeStock(rows ...*store.StockRow) *fakeStock {
	f := &fakeStock{rows: make(map[int64]*store.StockRow)}
	for _, r := range rows {
		f.rows[r.ID] = r
	}
	return f
}

func (f *fakeStock) FindByStripeIDs(_ context.Context, storeID int64, ids []string) ([]*store.StockRow, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []*store.StockRow
	for _, r := range f.rows {
		for _, id := range ids {
			if r.StoreID == storeID && r.ProductStripeID == id {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (f *fakeStock) FindByReferences(_ context.Context, storeID int64, refs []string) ([]*store.StockRow, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []*store.StockRow
	for _, r := range f.rows {
		for _, ref := range refs {
			if r.StoreID == storeID && r.ProductReference == ref {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (f *fakeStock) ApplyPurchase(_ context.Context, id int64, n int64) error {
	if f.adjErr != nil {
		return f.adjErr
	}
	r := f.rows[id]
	if r.Quantity != nil {
		q := *r.Quantity - n
		if q < 0 {
			q = 0
		}
		r.Quantity = &q
	}
	r.Bought += n
	return nil
}

func (f *fakeStock) ApplyRestock(_ context.Context, id int64, n int64) error {
	if f.adjErr != nil {
		return f.adjErr
	}
	r := f.rows[id]
	if r.Quantity != nil {
		q := *r.Quantity + n
		r.Quantity = &q
	}
	r.Bought -= n
	if r.Bought < 0 {
		r.Bought = 0
	}
	return nil
}

func qty(n int64) *int64 { return &n }

func TestApplyRestockThenUnrestockConserves(t *testing.T) {
	stock := newFakeStock(
		&store.StockRow{ID: 1, StoreID: 7, ProductStripeID: "prod_abc", Quantity: qty(3), Bought: 5},
		&store.StockRow{ID: 2, StoreID: 7, ProductReference: "REF-01", Quantity: qty(10), Bought: 2},
	)
	engine := NewEngine(stock)
	items := []reference.LineItem{
		{Reference: "prod_abc", Quantity: 2},
		{Reference: "REF-01", Quantity: 1},
	}

	require.NoError(t, engine.Apply(context.Background(), 7, items, ModeRestock))
	assert.Equal(t, int64(5), *stock.rows[1].Quantity)
	assert.Equal(t, int64(3), stock.rows[1].Bought)

	require.NoError(t, engine.Apply(context.Background(), 7, items, ModeUnrestock))
	assert.Equal(t, int64(3), *stock.rows[1].Quantity)
	assert.Equal(t, int64(5), stock.rows[1].Bought)
	assert.Equal(t, int64(10), *stock.rows[2].Quantity)
	assert.Equal(t, int64(2), stock.rows[2].Bought)
}

func TestApplyUntrackedQuantityOnlyMovesBought(t *testing.T) {
	stock := newFakeStock(
		&store.StockRow{ID: 1, StoreID: 7, ProductReference: "REF-02", Quantity: nil, Bought: 4},
	)
	engine := NewEngine(stock)
	items := []reference.LineItem{{Reference: "REF-02", Quantity: 3}}

	require.NoError(t, engine.Apply(context.Background(), 7, items, ModeRestock))
	assert.Nil(t, stock.rows[1].Quantity)
	assert.Equal(t, int64(1), stock.rows[1].Bought)
}

func TestApplyUnknownReferenceSkipped(t *testing.T) {
	stock := newFakeStock()
	engine := NewEngine(stock)

	err := engine.Apply(context.Background(), 7, []reference.LineItem{{Reference: "REF-MISSING", Quantity: 1}}, ModeRestock)
	assert.NoError(t, err)
}

func TestApplyLookupErrorAborts(t *testing.T) {
	stock := newFakeStock()
	stock.findErr = errors.New("connection refused")
	engine := NewEngine(stock)

	err := engine.Apply(context.Background(), 7, []reference.LineItem{{Reference: "prod_x", Quantity: 1}}, ModeUnrestock)
	assert.Error(t, err)
}
