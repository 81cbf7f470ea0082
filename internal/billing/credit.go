package billing

import (
	"context"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/vitrinelive/vitrine/internal/metrics"
	"github.com/vitrinelive/vitrine/internal/store"
)

// creditLedger is the slice of the store layer the credit service needs.
type creditLedger interface {
	Append(ctx context.Context, e *store.LedgerEntry) (bool, error)
	Balance(ctx context.Context, customerStripeID string) (int64, error)
}

// metadataWriter mirrors balances into Stripe customer metadata.
type metadataWriter interface {
	SetCustomerMetadata(ctx context.Context, customerID, key, value string) error
}

// CreditService maintains buyer store credit. The ledger table is the
// source of truth; the balance is additionally mirrored into the Stripe
// customer's "credit_balance" metadata as a display cache, best-effort.
type CreditService struct {
	ledger creditLedger
	stripe metadataWriter
}

func NewCreditService(ledger creditLedger, stripe metadataWriter) *CreditService {
	return &CreditService{ledger: ledger, stripe: stripe}
}

// Grant appends one balance movement, keyed for idempotence. Replays with
// the same key return applied=false and leave the balance untouched.
func (s *CreditService) Grant(ctx context.Context, customerStripeID string, deltaCents int64, reason, idempotencyKey string) (applied bool, err error) {
	applied, err = s.ledger.Append(ctx, &store.LedgerEntry{
		CustomerStripeID: customerStripeID,
		DeltaCents:       deltaCents,
		Reason:           reason,
		IdempotencyKey:   idempotencyKey,
	})
	if err != nil {
		return false, err
	}
	if !applied {
		log.Debug().
			Str("customer", customerStripeID).
			Str("idempotency_key", idempotencyKey).
			Msg("Credit entry already applied, skipping")
		return false, nil
	}
	metrics.CreditEntriesTotal.WithLabelValues(reason).Inc()

	s.mirrorBalance(ctx, customerStripeID)
	return true, nil
}

// Balance returns the ledger balance in cents.
func (s *CreditService) Balance(ctx context.Context, customerStripeID string) (int64, error) {
	return s.ledger.Balance(ctx, customerStripeID)
}

func (s *CreditService) mirrorBalance(ctx context.Context, customerStripeID string) {
	if s.stripe == nil {
		return
	}
	balance, err := s.ledger.Balance(ctx, customerStripeID)
	if err != nil {
		log.Warn().Err(err).Str("customer", customerStripeID).Msg("Failed to read balance for metadata mirror")
		return
	}
	if err := s.stripe.SetCustomerMetadata(ctx, customerStripeID, "credit_balance", strconv.FormatInt(balance, 10)); err != nil {
		log.Warn().Err(err).Str("customer", customerStripeID).Msg("Failed to mirror credit balance to Stripe metadata")
	}
}

// MissingItemsCredit computes the refund-as-credit owed when some of a
// payment's references are no longer fulfillable: the sum of the matching
// line amounts, clamped to [0, paymentTotal].
func MissingItemsCredit(items []SessionLineItem, missing map[string]bool, paymentTotalCents int64) int64 {
	var credit int64
	for _, it := range items {
		if it.Reference == "" || !missing[it.Reference] {
			continue
		}
		if it.AmountCents > 0 {
			credit += it.AmountCents
		}
	}
	if credit < 0 {
		credit = 0
	}
	if credit > paymentTotalCents {
		credit = paymentTotalCents
	}
	return credit
}
