package shipments

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vitrinelive/vitrine/internal/metrics"
	"github.com/vitrinelive/vitrine/internal/shipping"
)

// BoxtalWebhookHandler handles incoming Boxtal webhook events.
type BoxtalWebhookHandler struct {
	secret     string
	reconciler *Reconciler
}

// NewBoxtalWebhookHandler creates a Boxtal webhook HTTP handler.
func NewBoxtalWebhookHandler(secret string, reconciler *Reconciler) *BoxtalWebhookHandler {
	return &BoxtalWebhookHandler{secret: secret, reconciler: reconciler}
}

// ServeHTTP verifies the HMAC signature and dispatches the event.
func (h *BoxtalWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues("boxtal", eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues("boxtal", eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	if !shipping.VerifySignature(payload, r.Header.Get("x-bxt-signature"), h.secret) {
		status = http.StatusUnauthorized
		writeJSON(w, status, webhookErrorResponse{Error: "invalid signature"})
		return
	}

	var ev BoxtalEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid payload"})
		return
	}
	eventType = ev.Event

	if err := h.reconciler.HandleBoxtalEvent(r.Context(), &ev); err != nil {
		log.Error().Err(err).
			Str("order", ev.OrderID).
			Str("event", ev.Event).
			Msg("Boxtal webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	status = http.StatusOK
	writeJSON(w, status, webhookReceivedResponse{Received: true})
}
