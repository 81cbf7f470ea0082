package shipping

import (
	"fmt"
	"net/http"
	"net/url"

	verrors "github.com/vitrinelive/vitrine/internal/errors"
	"github.com/vitrinelive/vitrine/internal/httpx"
)

// Handlers proxies parcel point and rate searches so the storefront
// never holds Boxtal credentials.
type Handlers struct {
	client *Client
}

// NewHandlers wires the Boxtal proxy endpoints.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

func queryFromBody(r *http.Request) (url.Values, error) {
	var params map[string]string
	if err := httpx.DecodeJSON(r, &params); err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("search parameters are required: %w", verrors.ErrInvalidInput)
	}
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	return query, nil
}

// HandleParcelPoints searches pickup and dropoff points around an
// address.
// POST /api/boxtal/parcel-points
func (h *Handlers) HandleParcelPoints(w http.ResponseWriter, r *http.Request) {
	query, err := queryFromBody(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	points, err := h.client.SearchParcelPoints(r.Context(), query)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"parcelPoints": points})
}

// HandleRates quotes delivery offers for a parcel.
// POST /api/boxtal/rates
func (h *Handlers) HandleRates(w http.ResponseWriter, r *http.Request) {
	query, err := queryFromBody(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	rates, err := h.client.Rates(r.Context(), query)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rates)
}
