package shipments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vitrinelive/vitrine/internal/auth"
	verrors "github.com/vitrinelive/vitrine/internal/errors"
	"github.com/vitrinelive/vitrine/internal/httpx"
	"github.com/vitrinelive/vitrine/internal/invoice"
	"github.com/vitrinelive/vitrine/internal/reference"
	"github.com/vitrinelive/vitrine/internal/store"
)

// SellerCatalog adds the lookups the handlers need beyond the reconciler.
type SellerCatalog interface {
	StoreCatalog
	GetBySlug(ctx context.Context, slug string) (*store.Store, error)
	GetByClerkID(ctx context.Context, clerkID string) (*store.Store, error)
	GetByIDs(ctx context.Context, ids []int64) (map[int64]*store.Store, error)
	NextPayoutNumber(ctx context.Context, id int64, at time.Time) (int64, error)
}

// ShipmentLister adds the read queries the handlers need.
type ShipmentLister interface {
	ShipmentStore
	ListByCustomer(ctx context.Context, customerStripeID string) ([]*store.Shipment, error)
	ListByStoreSlug(ctx context.Context, slug string) ([]*store.Shipment, error)
	StoreIDsForCustomer(ctx context.Context, customerStripeID string) ([]int64, error)
	SetReturnRequested(ctx context.Context, id int64) error
}

// Handlers serves the customer and seller shipment endpoints.
type Handlers struct {
	shipments ShipmentLister
	stores    SellerCatalog
	editor    *Editor
	carrier   Carrier
	payments  Payments
	invoices  *invoice.Generator
}

// NewHandlers wires the shipment endpoints.
func NewHandlers(shipments ShipmentLister, stores SellerCatalog, editor *Editor, carrier Carrier, payments Payments, invoices *invoice.Generator) *Handlers {
	return &Handlers{
		shipments: shipments,
		stores:    stores,
		editor:    editor,
		carrier:   carrier,
		payments:  payments,
		invoices:  invoices,
	}
}

type shipmentResponse struct {
	ID                 int64      `json:"id"`
	BoxtalID           string     `json:"shipment_id,omitempty"`
	PaymentID          string     `json:"payment_id"`
	StoreID            int64      `json:"store_id"`
	ProductReference   string     `json:"product_reference"`
	PaidValue          int64      `json:"paid_value"`
	Status             *string    `json:"status"`
	DeliveryMethod     string     `json:"delivery_method"`
	DeliveryNetwork    string     `json:"delivery_network,omitempty"`
	TrackingURL        string     `json:"tracking_url,omitempty"`
	IsFinalDestination bool       `json:"is_final_destination"`
	DeliveryDate       *time.Time `json:"delivery_date,omitempty"`
	DocumentURL        string     `json:"document_url,omitempty"`
	IsOpenShipment     bool       `json:"is_open_shipment"`
	CancelRequested    bool       `json:"cancel_requested"`
	ReturnRequested    bool       `json:"return_requested"`
	CreatedAt          time.Time  `json:"created_at"`
}

func toResponse(sh *store.Shipment) shipmentResponse {
	return shipmentResponse{
		ID:                 sh.ID,
		BoxtalID:           sh.BoxtalID,
		PaymentID:          sh.PaymentID,
		StoreID:            sh.StoreID,
		ProductReference:   sh.ProductReference,
		PaidValue:          sh.PaidValue,
		Status:             sh.Status,
		DeliveryMethod:     sh.DeliveryMethod,
		DeliveryNetwork:    sh.DeliveryNetwork,
		TrackingURL:        sh.TrackingURL,
		IsFinalDestination: sh.IsFinalDestination,
		DeliveryDate:       sh.DeliveryDate,
		DocumentURL:        sh.DocumentURL,
		IsOpenShipment:     sh.IsOpenShipment,
		CancelRequested:    sh.CancelRequested,
		ReturnRequested:    sh.ReturnRequested,
		CreatedAt:          sh.CreatedAt,
	}
}

func toResponses(shs []*store.Shipment) []shipmentResponse {
	out := make([]shipmentResponse, 0, len(shs))
	for _, sh := range shs {
		out = append(out, toResponse(sh))
	}
	return out
}

func identity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, verrors.ErrUnauthorized)
		return nil, false
	}
	return id, true
}

type openShipmentRequest struct {
	ShipmentID int64 `json:"shipment_id"`
	Force      bool  `json:"force"`
}

// HandleOpenShipment flags a shipment editable.
// POST /api/shipments/open-shipment
func (h *Handlers) HandleOpenShipment(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req openShipmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	sh, err := h.editor.Open(r.Context(), id.StripeCustomerID, req.ShipmentID, req.Force)
	if err != nil {
		h.writeOpenError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toResponse(sh))
}

type openByPaymentRequest struct {
	PaymentID string `json:"payment_id"`
	Force     bool   `json:"force"`
}

// HandleOpenShipmentByPayment flags a shipment editable, keyed by
// PaymentIntent.
// POST /api/shipments/open-shipment-by-payment
func (h *Handlers) HandleOpenShipmentByPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req openByPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.PaymentID == "" {
		httpx.WriteError(w, fmt.Errorf("payment_id is required: %w", verrors.ErrInvalidInput))
		return
	}

	sh, err := h.editor.OpenByPayment(r.Context(), id.StripeCustomerID, req.PaymentID, req.Force)
	if err != nil {
		h.writeOpenError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toResponse(sh))
}

// writeOpenError maps an open-shipment conflict to 409 with the blocking
// shipment's identity so the storefront can offer the force option.
func (h *Handlers) writeOpenError(w http.ResponseWriter, err error) {
	var conflict *ErrOpenConflict
	if errors.As(err, &conflict) {
		httpx.WriteJSON(w, http.StatusConflict, map[string]any{
			"error":        "another shipment is already open for editing",
			"openShipment": toResponse(conflict.Open),
		})
		return
	}
	httpx.WriteError(w, err)
}

// HandleActiveOpenShipment returns the currently open shipment, if any.
// GET /api/shipments/active-open-shipment?store_id=N
func (h *Handlers) HandleActiveOpenShipment(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	storeID, err := strconv.ParseInt(r.URL.Query().Get("store_id"), 10, 64)
	if err != nil {
		httpx.WriteError(w, fmt.Errorf("store_id is required: %w", verrors.ErrInvalidInput))
		return
	}

	sh, err := h.editor.Active(r.Context(), id.StripeCustomerID, storeID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if sh == nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"openShipment": nil})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"openShipment": toResponse(sh)})
}

type cancelOpenRequest struct {
	StoreID int64 `json:"store_id"`
}

// HandleCancelOpenShipment reverses an edit session.
// POST /api/shipments/cancel-open-shipment
func (h *Handlers) HandleCancelOpenShipment(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req cancelOpenRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	if err := h.editor.Cancel(r.Context(), id.StripeCustomerID, req.StoreID); err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

type rebuildCartsRequest struct {
	PaymentID string `json:"payment_id"`
	// SessionID is optional; when absent the session is looked up from
	// the payment on the Stripe side.
	SessionID string `json:"session_id"`
}

// HandleRebuildCarts reconstructs cart rows from a past payment.
// POST /api/shipments/rebuild-carts-from-payment
func (h *Handlers) HandleRebuildCarts(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req rebuildCartsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.PaymentID == "" {
		httpx.WriteError(w, fmt.Errorf("payment_id is required: %w", verrors.ErrInvalidInput))
		return
	}

	items, err := h.editor.RebuildCarts(r.Context(), id.StripeCustomerID, req.PaymentID, req.SessionID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

type requestReturnRequest struct {
	ShipmentID int64 `json:"shipment_id"`
}

// HandleRequestReturn flags a delivered shipment for return.
// POST /api/shipments/request-return
func (h *Handlers) HandleRequestReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req requestReturnRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	sh, err := h.ownedShipment(r.Context(), id, req.ShipmentID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if err := h.shipments.SetReturnRequested(r.Context(), sh.ID); err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"return_requested": true})
}

// HandleListCustomerShipments lists the caller's orders.
// GET /api/shipments/customer
func (h *Handlers) HandleListCustomerShipments(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	shs, err := h.shipments.ListByCustomer(r.Context(), id.StripeCustomerID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"shipments": toResponses(shs)})
}

// HandleStoresForCustomer lists the stores the caller has ordered from.
// GET /api/shipments/stores-for-customer/{stripeId}
func (h *Handlers) HandleStoresForCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	if r.PathValue("stripeId") != id.StripeCustomerID {
		httpx.WriteError(w, verrors.ErrForbidden)
		return
	}

	ids, err := h.shipments.StoreIDsForCustomer(r.Context(), id.StripeCustomerID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	stores, err := h.stores.GetByIDs(r.Context(), ids)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	type storeView struct {
		ID   int64  `json:"id"`
		Slug string `json:"slug"`
		Name string `json:"name"`
	}
	out := make([]storeView, 0, len(stores))
	for _, st := range stores {
		out = append(out, storeView{ID: st.ID, Slug: st.Slug, Name: st.Name})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"stores": out})
}

// HandleListStoreShipments lists a store's sales, restricted to its
// owner.
// GET /api/shipments/store/{storeSlug}
func (h *Handlers) HandleListStoreShipments(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	slug := r.PathValue("storeSlug")

	seller, err := h.stores.GetBySlug(r.Context(), slug)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if seller == nil {
		httpx.WriteError(w, verrors.ErrNotFound)
		return
	}
	if seller.ClerkID != id.ClerkUserID {
		httpx.WriteError(w, verrors.ErrForbidden)
		return
	}

	shs, err := h.shipments.ListByStoreSlug(r.Context(), slug)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"shipments": toResponses(shs)})
}

// HandleCancelShipment cancels a shipment: the Boxtal order is cancelled
// first, then the row is marked terminal.
// POST /api/shipments/{id}/cancel
func (h *Handlers) HandleCancelShipment(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	shipmentID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		httpx.WriteError(w, fmt.Errorf("invalid shipment id: %w", verrors.ErrInvalidInput))
		return
	}

	sh, err := h.ownedShipment(r.Context(), id, shipmentID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if sh.Status != nil && *sh.Status == StatusCancelledLocal {
		httpx.WriteJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
		return
	}

	if sh.BoxtalID != "" {
		if err := h.carrier.CancelOrder(r.Context(), sh.BoxtalID); err != nil {
			httpx.WriteError(w, err)
			return
		}
	}
	if err := h.shipments.SetStatusCancelled(r.Context(), sh.ID); err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// HandleInvoice renders the buyer invoice PDF for one shipment.
// GET /api/shipments/{id}/invoice
func (h *Handlers) HandleInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	shipmentID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		httpx.WriteError(w, fmt.Errorf("invalid shipment id: %w", verrors.ErrInvalidInput))
		return
	}

	sh, err := h.ownedShipment(r.Context(), id, shipmentID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	seller, err := h.stores.GetByID(r.Context(), sh.StoreID)
	if err != nil || seller == nil {
		httpx.WriteError(w, verrors.ErrInternal)
		return
	}

	var customerName, customerEmail string
	if customer, err := h.payments.GetCustomer(r.Context(), sh.CustomerStripeID); err == nil {
		customerName = customer.Name
		customerEmail = customer.Email
	} else {
		log.Warn().Err(err).Str("customer", sh.CustomerStripeID).Msg("Invoice rendered without customer details")
	}

	items := reference.Parse(sh.ProductReference)
	lines := make([]invoice.Line, 0, len(items))
	for _, it := range items {
		lines = append(lines, invoice.Line{
			Reference:   it.Reference,
			Description: it.Description,
			Quantity:    it.Quantity,
		})
	}
	deliveryEur := 0.0
	if sh.EstimatedDeliveryCost != nil {
		deliveryEur = *sh.EstimatedDeliveryCost
	}
	if sh.DeliveryCost != nil {
		deliveryEur = *sh.DeliveryCost
	}

	pdf, err := h.invoices.CustomerInvoice(invoice.InvoiceData{
		Number:        fmt.Sprintf("VIT-%d", sh.ID),
		Date:          sh.CreatedAt,
		StoreName:     seller.Name,
		StoreAddress:  storeAddressLines(seller),
		CustomerName:  customerName,
		CustomerEmail: customerEmail,
		Lines:         lines,
		DeliveryEur:   deliveryEur,
		TotalEur:      float64(sh.PaidValue) / 100,
		TVAApplicable: seller.TVAApplicable,
	})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=facture-%d.pdf", sh.ID))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pdf); err != nil {
		log.Warn().Err(err).Int64("shipment", sh.ID).Msg("Failed to write invoice response")
	}
}

func (h *Handlers) ownedShipment(ctx context.Context, id *auth.Identity, shipmentID int64) (*store.Shipment, error) {
	sh, err := h.shipments.GetByID(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	if sh == nil {
		return nil, fmt.Errorf("shipment %d: %w", shipmentID, verrors.ErrNotFound)
	}
	if sh.CustomerStripeID != id.StripeCustomerID {
		return nil, fmt.Errorf("shipment %d: %w", shipmentID, verrors.ErrForbidden)
	}
	return sh, nil
}

func storeAddressLines(st *store.Store) []string {
	var lines []string
	if st.AddressLine != "" {
		lines = append(lines, st.AddressLine)
	}
	if st.PostalCode != "" || st.City != "" {
		lines = append(lines, fmt.Sprintf("%s %s", st.PostalCode, st.City))
	}
	if st.Country != "" {
		lines = append(lines, st.Country)
	}
	return lines
}
