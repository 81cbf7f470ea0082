package shipments

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	verrors "github.com/vitrinelive/vitrine/internal/errors"
	"github.com/vitrinelive/vitrine/internal/httpx"
	"github.com/vitrinelive/vitrine/internal/invoice"
)

// HandlePayout renders the payout summary PDF for a store's earnings
// since the previous payout, and advances the payout counter.
// GET /api/stores/{slug}/payout
func (h *Handlers) HandlePayout(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	slug := r.PathValue("slug")

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

	periodStart := seller.CreatedAt
	if seller.PayoutCreatedAt != nil {
		periodStart = *seller.PayoutCreatedAt
	}
	now := time.Now()

	shs, err := h.shipments.ListByStoreSlug(r.Context(), slug)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	var lines []invoice.PayoutLine
	var totalCents int64
	for _, sh := range shs {
		if sh.CreatedAt.Before(periodStart) || sh.StoreEarnings <= 0 {
			continue
		}
		if sh.Status != nil && *sh.Status == StatusCancelledLocal {
			continue
		}
		lines = append(lines, invoice.PayoutLine{
			PaymentID:   sh.PaymentID,
			Date:        sh.CreatedAt,
			EarningsEur: float64(sh.StoreEarnings) / 100,
		})
		totalCents += sh.StoreEarnings
	}
	if len(lines) == 0 {
		httpx.WriteError(w, fmt.Errorf("no earnings since last payout: %w", verrors.ErrNotFound))
		return
	}

	number, err := h.stores.NextPayoutNumber(r.Context(), seller.ID, now)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	pdf, err := h.invoices.PayoutInvoice(invoice.PayoutData{
		Number:        number,
		Date:          now,
		StoreName:     seller.Name,
		StoreAddress:  storeAddressLines(seller),
		IbanBic:       seller.IbanBic,
		PeriodStart:   periodStart,
		PeriodEnd:     now,
		Shipments:     lines,
		TotalEur:      float64(totalCents) / 100,
		TVAApplicable: seller.TVAApplicable,
	})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=versement-%d.pdf", number))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pdf); err != nil {
		log.Warn().Err(err).Int64("store", seller.ID).Msg("Failed to write payout response")
	}
}
