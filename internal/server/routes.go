package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vitrinelive/vitrine/internal/auth"
	"github.com/vitrinelive/vitrine/internal/carts"
	"github.com/vitrinelive/vitrine/internal/config"
	"github.com/vitrinelive/vitrine/internal/httpx"
	"github.com/vitrinelive/vitrine/internal/shipments"
	"github.com/vitrinelive/vitrine/internal/shipping"
	"github.com/vitrinelive/vitrine/internal/store"
	"github.com/vitrinelive/vitrine/internal/uploads"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config        *config.Config
	DB            *store.DB
	Auth          *auth.Verifier
	Carts         *carts.Handlers
	Shipments     *shipments.Handlers
	Boxtal        *shipping.Handlers
	StripeWebhook http.Handler
	BoxtalWebhook http.Handler
	Uploader      *uploads.Uploader // nil when S3 is not configured
	Version       string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	sessionAuth := deps.Auth.Middleware
	adminAuth := func(next http.Handler) http.Handler {
		return adminKeyMiddleware(deps.Config.AdminKey, next)
	}
	authed := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, sessionAuth(h))
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": deps.Version})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.DB.Ping(r.Context()); err != nil {
			httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	// Metrics are private by default.
	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("GET /metrics", metricsHandler)
	} else {
		mux.Handle("GET /metrics", adminAuth(metricsHandler))
	}

	// Webhooks (signature-authenticated, rate-limited)
	webhookLimiter := NewRateLimiter(120, time.Minute)
	mux.Handle("POST /api/stripe/webhook", webhookLimiter.Middleware(deps.StripeWebhook))
	mux.Handle("POST /api/boxtal/webhook", webhookLimiter.Middleware(deps.BoxtalWebhook))

	// Carts
	authed("POST /api/carts", deps.Carts.HandleAdd)
	authed("DELETE /api/carts", deps.Carts.HandleDelete)
	authed("GET /api/carts/summary", deps.Carts.HandleSummary)
	authed("PUT /api/carts/{id}", deps.Carts.HandleUpdate)
	authed("GET /api/carts/store/{slug}", deps.Carts.HandleListByStore)
	authed("POST /api/carts/recap", deps.Carts.HandleRecap)

	// Shipments
	authed("POST /api/shipments/open-shipment", deps.Shipments.HandleOpenShipment)
	authed("POST /api/shipments/open-shipment-by-payment", deps.Shipments.HandleOpenShipmentByPayment)
	authed("GET /api/shipments/active-open-shipment", deps.Shipments.HandleActiveOpenShipment)
	authed("POST /api/shipments/cancel-open-shipment", deps.Shipments.HandleCancelOpenShipment)
	authed("POST /api/shipments/rebuild-carts-from-payment", deps.Shipments.HandleRebuildCarts)
	authed("POST /api/shipments/request-return", deps.Shipments.HandleRequestReturn)
	authed("GET /api/shipments/customer", deps.Shipments.HandleListCustomerShipments)
	authed("GET /api/shipments/stores-for-customer/{stripeId}", deps.Shipments.HandleStoresForCustomer)
	authed("GET /api/shipments/store/{storeSlug}", deps.Shipments.HandleListStoreShipments)
	authed("POST /api/shipments/{id}/cancel", deps.Shipments.HandleCancelShipment)
	authed("GET /api/shipments/{id}/invoice", deps.Shipments.HandleInvoice)

	// Seller payouts
	authed("GET /api/stores/{slug}/payout", deps.Shipments.HandlePayout)

	// Boxtal proxy (authenticated so the storefront never holds credentials)
	proxyLimiter := NewRateLimiter(60, time.Minute)
	mux.Handle("POST /api/boxtal/parcel-points", proxyLimiter.Middleware(sessionAuth(http.HandlerFunc(deps.Boxtal.HandleParcelPoints))))
	mux.Handle("POST /api/boxtal/rates", proxyLimiter.Middleware(sessionAuth(http.HandlerFunc(deps.Boxtal.HandleRates))))

	// Uploads
	if deps.Uploader != nil {
		authed("POST /api/uploads/{prefix}", deps.Uploader.HandleUpload)
	}
}

// adminKeyMiddleware guards operator endpoints with a static key.
func adminKeyMiddleware(key string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key == "" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		provided := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if provided == "" {
			provided = strings.TrimPrefix(strings.TrimSpace(r.Header.Get("Authorization")), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
