package shipments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/vitrinelive/vitrine/internal/store"
)

const stripeTestSecret = "whsec_stripe_test"
const boxtalTestSecret = "whsec_boxtal_test"

func signedStripeRequest(t *testing.T, sess *CheckoutSession) *http.Request {
	t.Helper()
	raw, err := json.Marshal(sess)
	require.NoError(t, err)
	event := map[string]any{
		"id":   "evt_test",
		"type": "checkout.session.completed",
		"data": map[string]any{"object": json.RawMessage(raw)},
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    stripeTestSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func TestStripeWebhookProcessesCheckout(t *testing.T) {
	f := newReconcilerFixture()
	seedCart(f, "prod_A", "prod_B")
	handler := NewStripeWebhookHandler(stripeTestSecret, f.rc)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedStripeRequest(t, checkoutSession("pi_1")))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
	assert.Equal(t, 1, f.shipments.count())
}

func TestStripeWebhookReplayCreatesOneShipment(t *testing.T) {
	f := newReconcilerFixture()
	seedCart(f, "prod_A", "prod_B")
	handler := NewStripeWebhookHandler(stripeTestSecret, f.rc)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, signedStripeRequest(t, checkoutSession("pi_1")))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 1, f.shipments.count())
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	f := newReconcilerFixture()
	handler := NewStripeWebhookHandler(stripeTestSecret, f.rc)

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, f.shipments.count())
}

func TestStripeWebhookIgnoresOtherEvents(t *testing.T) {
	f := newReconcilerFixture()
	handler := NewStripeWebhookHandler(stripeTestSecret, f.rc)

	payload := []byte(`{"id":"evt_x","type":"invoice.paid","data":{"object":{}}}`)
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload: payload, Secret: stripeTestSecret, Timestamp: time.Now(), Scheme: "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.shipments.count())
}

func boxtalRequest(body []byte, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/boxtal/webhook", bytes.NewReader(body))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	req.Header.Set("x-bxt-signature", hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestBoxtalWebhookUpdatesTracking(t *testing.T) {
	f := newReconcilerFixture()
	f.shipments.add(&store.Shipment{
		BoxtalID: "bx_1", PaymentID: "pi_1", StoreID: 7, CustomerStripeID: "cus_alice",
	})
	handler := NewBoxtalWebhookHandler(boxtalTestSecret, f.rc)

	body := []byte(fmt.Sprintf(`{"event":%q,"orderId":"bx_1","status":"SHIPPED"}`, EventTrackingChanged))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, boxtalRequest(body, boxtalTestSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
	sh, _ := f.shipments.GetByPaymentID(context.Background(), "pi_1")
	assert.Equal(t, "SHIPPED", *sh.Status)
}

func TestBoxtalWebhookRejectsBadSignature(t *testing.T) {
	f := newReconcilerFixture()
	handler := NewBoxtalWebhookHandler(boxtalTestSecret, f.rc)

	body := []byte(`{"event":"TRACKING_CHANGED","orderId":"bx_1","status":"SHIPPED"}`)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, boxtalRequest(body, "wrong_secret"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
