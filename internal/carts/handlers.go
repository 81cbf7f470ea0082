// Package carts serves the pre-checkout cart endpoints.
package carts

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/vitrinelive/vitrine/internal/auth"
	verrors "github.com/vitrinelive/vitrine/internal/errors"
	"github.com/vitrinelive/vitrine/internal/httpx"
	"github.com/vitrinelive/vitrine/internal/store"
)

// CartStore is the slice of the store layer the handlers need.
type CartStore interface {
	Add(ctx context.Context, item *store.CartItem) error
	ListByCustomerStore(ctx context.Context, customerStripeID string, storeID int64) ([]*store.CartItem, error)
	ListByPaymentID(ctx context.Context, paymentID string) ([]*store.CartItem, error)
	UpdateQuantity(ctx context.Context, customerStripeID string, id int64, quantity int) error
	Remove(ctx context.Context, customerStripeID string, id int64) error
	Clear(ctx context.Context, customerStripeID string, storeID int64) error
}

// StoreResolver resolves a store slug to its id.
type StoreResolver interface {
	GetBySlug(ctx context.Context, slug string) (*store.Store, error)
}

// Handlers serves the cart endpoints.
type Handlers struct {
	carts  CartStore
	stores StoreResolver
}

// NewHandlers wires the cart endpoints.
func NewHandlers(carts CartStore, stores StoreResolver) *Handlers {
	return &Handlers{carts: carts, stores: stores}
}

func identity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, verrors.ErrUnauthorized)
		return nil, false
	}
	return id, true
}

type addItemRequest struct {
	StoreID          int64  `json:"store_id"`
	ProductReference string `json:"product_reference"`
	Quantity         int    `json:"quantity"`
	Description      string `json:"description"`
	PriceCents       int64  `json:"price_cents"`
}

// HandleAdd adds one line to the caller's cart.
// POST /api/carts
func (h *Handlers) HandleAdd(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req addItemRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.StoreID == 0 || req.ProductReference == "" {
		httpx.WriteError(w, fmt.Errorf("store_id and product_reference are required: %w", verrors.ErrInvalidInput))
		return
	}
	if req.Quantity < 1 {
		req.Quantity = 1
	}

	item := &store.CartItem{
		CustomerStripeID: id.StripeCustomerID,
		StoreID:          req.StoreID,
		ProductReference: req.ProductReference,
		Quantity:         req.Quantity,
		Description:      req.Description,
		PriceCents:       req.PriceCents,
	}
	if err := h.carts.Add(r.Context(), item); err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, item)
}

// HandleSummary returns the cart lines bound to a payment, or the
// caller's pending cart for a store.
// GET /api/carts/summary?stripeId=cus_x&paymentId=pi_x
func (h *Handlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	if stripeID := q.Get("stripeId"); stripeID != "" && stripeID != id.StripeCustomerID {
		httpx.WriteError(w, verrors.ErrForbidden)
		return
	}

	var (
		items []*store.CartItem
		err   error
	)
	if paymentID := q.Get("paymentId"); paymentID != "" {
		items, err = h.carts.ListByPaymentID(r.Context(), paymentID)
	} else if storeID, perr := strconv.ParseInt(q.Get("store_id"), 10, 64); perr == nil {
		items, err = h.carts.ListByCustomerStore(r.Context(), id.StripeCustomerID, storeID)
	} else {
		httpx.WriteError(w, fmt.Errorf("paymentId or store_id is required: %w", verrors.ErrInvalidInput))
		return
	}
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	var totalCents int64
	var count int
	for _, it := range items {
		totalCents += it.PriceCents * int64(it.Quantity)
		count += it.Quantity
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"items":       items,
		"count":       count,
		"total_cents": totalCents,
	})
}

type clearRequest struct {
	StoreID int64 `json:"store_id"`
	ItemID  int64 `json:"item_id"`
}

// HandleDelete removes one line, or clears the caller's cart for a
// store.
// DELETE /api/carts
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req clearRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	if req.ItemID != 0 {
		if err := h.carts.Remove(r.Context(), id.StripeCustomerID, req.ItemID); err != nil {
			httpx.WriteError(w, err)
			return
		}
	} else if req.StoreID != 0 {
		if err := h.carts.Clear(r.Context(), id.StripeCustomerID, req.StoreID); err != nil {
			httpx.WriteError(w, err)
			return
		}
	} else {
		httpx.WriteError(w, fmt.Errorf("item_id or store_id is required: %w", verrors.ErrInvalidInput))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type updateItemRequest struct {
	Quantity int `json:"quantity"`
}

// HandleUpdate changes one cart line's quantity.
// PUT /api/carts/{id}
func (h *Handlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	itemID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		httpx.WriteError(w, fmt.Errorf("invalid cart item id: %w", verrors.ErrInvalidInput))
		return
	}
	var req updateItemRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.Quantity < 1 {
		httpx.WriteError(w, fmt.Errorf("quantity must be at least 1: %w", verrors.ErrInvalidInput))
		return
	}

	if err := h.carts.UpdateQuantity(r.Context(), id.StripeCustomerID, itemID, req.Quantity); err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

// HandleListByStore returns the caller's cart for a store identified by
// slug.
// GET /api/carts/store/{slug}
func (h *Handlers) HandleListByStore(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	seller, err := h.stores.GetBySlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if seller == nil {
		httpx.WriteError(w, verrors.ErrNotFound)
		return
	}

	items, err := h.carts.ListByCustomerStore(r.Context(), id.StripeCustomerID, seller.ID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

type recapRequest struct {
	StoreID int64 `json:"store_id"`
}

// HandleRecap returns a per-reference aggregation of the caller's cart
// for checkout display.
// POST /api/carts/recap
func (h *Handlers) HandleRecap(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req recapRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	items, err := h.carts.ListByCustomerStore(r.Context(), id.StripeCustomerID, req.StoreID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	type recapLine struct {
		Reference   string `json:"reference"`
		Description string `json:"description,omitempty"`
		Quantity    int    `json:"quantity"`
		TotalCents  int64  `json:"total_cents"`
	}
	byRef := make(map[string]*recapLine)
	var order []string
	for _, it := range items {
		line, ok := byRef[it.ProductReference]
		if !ok {
			line = &recapLine{Reference: it.ProductReference, Description: it.Description}
			byRef[it.ProductReference] = line
			order = append(order, it.ProductReference)
		}
		line.Quantity += it.Quantity
		line.TotalCents += it.PriceCents * int64(it.Quantity)
		if line.Description == "" {
			line.Description = it.Description
		}
	}

	lines := make([]recapLine, 0, len(order))
	var totalCents int64
	for _, ref := range order {
		lines = append(lines, *byRef[ref])
		totalCents += byRef[ref].TotalCents
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"lines": lines, "total_cents": totalCents})
}
