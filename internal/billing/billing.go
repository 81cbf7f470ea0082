// Package billing wraps the Stripe API and owns the buyer credit ledger.
package billing

import (
	"context"
	"fmt"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	verrors "github.com/vitrinelive/vitrine/internal/errors"
)

// Client is a thin wrapper over the Stripe SDK scoped to the calls the
// reconciler and cart endpoints need.
type Client struct {
	sc *client.API
}

// NewClient builds a Stripe client for the given secret key.
func NewClient(apiKey string) *Client {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &Client{sc: sc}
}

// GetCustomer fetches a Stripe customer.
func (c *Client) GetCustomer(ctx context.Context, customerID string) (*stripelib.Customer, error) {
	params := &stripelib.CustomerParams{Params: stripelib.Params{Context: ctx}}
	cus, err := c.sc.Customers.Get(customerID, params)
	if err != nil {
		return nil, verrors.NewProviderError(verrors.ErrorTypeProvider, "stripe", "get customer", err)
	}
	return cus, nil
}

// SetCustomerMetadata writes one metadata key on a Stripe customer.
func (c *Client) SetCustomerMetadata(ctx context.Context, customerID, key, value string) error {
	params := &stripelib.CustomerParams{Params: stripelib.Params{Context: ctx}}
	params.AddMetadata(key, value)
	if _, err := c.sc.Customers.Update(customerID, params); err != nil {
		return verrors.NewProviderError(verrors.ErrorTypeProvider, "stripe", "update customer metadata", err)
	}
	return nil
}

// SessionLineItem is the slim view of a checkout line item the reconciler
// works with.
type SessionLineItem struct {
	Reference   string // Stripe product id
	Description string
	Quantity    int64
	AmountCents int64 // total for the line, after discounts
}

// ListSessionLineItems lists a checkout session's line items, resolving
// each to its product id.
func (c *Client) ListSessionLineItems(ctx context.Context, sessionID string) ([]SessionLineItem, error) {
	params := &stripelib.CheckoutSessionListLineItemsParams{
		Session: stripelib.String(sessionID),
	}
	params.Context = ctx
	params.AddExpand("data.price.product")

	var items []SessionLineItem
	iter := c.sc.CheckoutSessions.ListLineItems(params)
	for iter.Next() {
		li := iter.LineItem()
		item := SessionLineItem{
			Description: li.Description,
			Quantity:    li.Quantity,
			AmountCents: li.AmountTotal,
		}
		if li.Price != nil && li.Price.Product != nil {
			item.Reference = li.Price.Product.ID
		}
		items = append(items, item)
	}
	if err := iter.Err(); err != nil {
		return nil, verrors.NewProviderError(verrors.ErrorTypeProvider, "stripe", "list session line items", err)
	}
	return items, nil
}

// FindSessionByPaymentIntent locates the checkout session that produced a
// PaymentIntent, needed when rebuilding a cart from a past payment.
func (c *Client) FindSessionByPaymentIntent(ctx context.Context, paymentID string) (*stripelib.CheckoutSession, error) {
	params := &stripelib.CheckoutSessionListParams{
		PaymentIntent: stripelib.String(paymentID),
	}
	params.Context = ctx
	params.Limit = stripelib.Int64(1)

	iter := c.sc.CheckoutSessions.List(params)
	for iter.Next() {
		return iter.CheckoutSession(), nil
	}
	if err := iter.Err(); err != nil {
		return nil, verrors.NewProviderError(verrors.ErrorTypeProvider, "stripe", "list sessions by payment intent", err)
	}
	return nil, fmt.Errorf("no session for payment %s: %w", paymentID, verrors.ErrNotFound)
}
