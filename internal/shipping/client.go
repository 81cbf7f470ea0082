// Package shipping talks to the Boxtal shipping APIs: the v3.1 order API
// behind OAuth2 client credentials and the legacy v1 rating API behind
// HTTP Basic auth.
package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	verrors "github.com/vitrinelive/vitrine/internal/errors"
)

// Config holds Boxtal connection settings.
type Config struct {
	BaseURL      string // v3.1 API root
	TokenURL     string
	ClientID     string
	ClientSecret string

	LegacyBaseURL string // v1 API root
	LegacyUser    string
	LegacyPass    string
}

// Client is the Boxtal API client. The OAuth2 token is cached and
// refreshed by the token source; concurrent refreshes are harmless since
// Boxtal tokens are independently valid.
type Client struct {
	cfg    Config
	http   *http.Client // v3.1, token-injecting
	legacy *http.Client
}

// NewClient builds a client whose v3.1 requests carry a lazily refreshed
// client-credentials token.
func NewClient(cfg Config) *Client {
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}
	return &Client{
		cfg:    cfg,
		http:   cc.Client(context.Background()),
		legacy: &http.Client{Timeout: 30 * time.Second},
	}
}

// Order is the slim view of a Boxtal shipping order.
type Order struct {
	ID     string `json:"id"`
	Status string `json:"status"`

	DeliveryPriceExclTax struct {
		Value    float64 `json:"value"`
		Currency string  `json:"currency"`
	} `json:"deliveryPriceExclTax"`

	TrackingPageURL string `json:"trackingPageUrl"`
}

// CreateOrder posts a prepared order payload and returns the created
// order. The payload is kept opaque JSON so a failed creation can be
// preserved verbatim for later replay.
func (c *Client) CreateOrder(ctx context.Context, payload json.RawMessage) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodPost, "/shipping-orders", payload, &order); err != nil {
		return nil, fmt.Errorf("create shipping order: %w", err)
	}
	return &order, nil
}

// GetOrder fetches the authoritative order state, including the
// excl.-tax delivery price used for final-cost reconciliation.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodGet, "/shipping-orders/"+url.PathEscape(orderID), nil, &order); err != nil {
		return nil, fmt.Errorf("get shipping order: %w", err)
	}
	return &order, nil
}

// CancelOrder cancels a Boxtal order. Cancelling an already-cancelled
// order is treated as success.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	err := c.do(ctx, http.MethodPost, "/shipping-orders/"+url.PathEscape(orderID)+"/cancel", nil, nil)
	if err != nil {
		var pe *verrors.ProviderError
		if errors.As(err, &pe) && pe.StatusCode == http.StatusConflict {
			return nil
		}
		return fmt.Errorf("cancel shipping order: %w", err)
	}
	return nil
}

// TrackingURL fetches the customer-facing tracking page URL, best-effort.
func (c *Client) TrackingURL(ctx context.Context, orderID string) (string, error) {
	order, err := c.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	return order.TrackingPageURL, nil
}

type documentResponse struct {
	Documents []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"documents"`
}

// DocumentURL returns the shipping label URL for an order, or empty when
// Boxtal has not produced the document yet.
func (c *Client) DocumentURL(ctx context.Context, orderID string) (string, error) {
	var resp documentResponse
	err := c.do(ctx, http.MethodGet, "/shipping-orders/"+url.PathEscape(orderID)+"/documents", nil, &resp)
	if err != nil {
		return "", fmt.Errorf("get shipping documents: %w", err)
	}
	for _, d := range resp.Documents {
		if d.Type == "LABEL" {
			return d.URL, nil
		}
	}
	if len(resp.Documents) > 0 {
		return resp.Documents[0].URL, nil
	}
	return "", nil
}

// ParcelPoint is one pickup/dropoff location from the legacy search API.
type ParcelPoint struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Network string `json:"network"`
	Address struct {
		Street   string `json:"street"`
		ZipCode  string `json:"zipCode"`
		City     string `json:"city"`
		Country  string `json:"country"`
		Position struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"position"`
	} `json:"address"`
}

// SearchParcelPoints queries the legacy v1 API for pickup points near an
// address.
func (c *Client) SearchParcelPoints(ctx context.Context, query url.Values) ([]ParcelPoint, error) {
	endpoint := c.cfg.LegacyBaseURL + "/parcel-points?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build parcel point request: %w", err)
	}
	req.SetBasicAuth(c.cfg.LegacyUser, c.cfg.LegacyPass)

	resp, err := c.legacy.Do(req)
	if err != nil {
		return nil, verrors.NewProviderError(verrors.ErrorTypeProvider, "boxtal", "search parcel points", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, providerStatusError("search parcel points", resp)
	}

	var points []ParcelPoint
	if err := json.NewDecoder(resp.Body).Decode(&points); err != nil {
		return nil, fmt.Errorf("decode parcel points: %w", err)
	}
	return points, nil
}

// Rates queries the legacy v1 rating API and returns the raw offers,
// which the caller forwards to the storefront unmodified.
func (c *Client) Rates(ctx context.Context, query url.Values) (json.RawMessage, error) {
	endpoint := c.cfg.LegacyBaseURL + "/cotation?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build rates request: %w", err)
	}
	req.SetBasicAuth(c.cfg.LegacyUser, c.cfg.LegacyPass)

	resp, err := c.legacy.Do(req)
	if err != nil {
		return nil, verrors.NewProviderError(verrors.ErrorTypeProvider, "boxtal", "get rates", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, providerStatusError("get rates", resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read rates response: %w", err)
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, method, path string, body json.RawMessage, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return verrors.NewProviderError(verrors.ErrorTypeProvider, "boxtal", method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return providerStatusError(method+" "+path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func providerStatusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	err := fmt.Errorf("boxtal returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	return verrors.NewProviderError(verrors.ErrorTypeProvider, "boxtal", op, err).WithStatusCode(resp.StatusCode)
}
