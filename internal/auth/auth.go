// Package auth authenticates storefront requests: Clerk session tokens
// are verified against the instance JWKS, and the buyer's Stripe customer
// id is resolved from their Clerk user metadata.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	verrors "github.com/vitrinelive/vitrine/internal/errors"
	"github.com/vitrinelive/vitrine/internal/httpx"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated caller.
type Identity struct {
	ClerkUserID      string
	StripeCustomerID string
}

// IdentityFromContext returns the authenticated identity, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}

// WithIdentity injects an identity into a context. Exposed for tests.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Middleware verifies the Bearer token and attaches the caller identity.
// Requests without a valid session get 401; sessions whose user has no
// Stripe customer id yet get 403, since every customer-facing operation
// is keyed by it.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			httpx.WriteError(w, verrors.ErrUnauthorized)
			return
		}

		userID, err := v.VerifyToken(r.Context(), token)
		if err != nil {
			log.Debug().Err(err).Msg("Session token rejected")
			httpx.WriteError(w, verrors.ErrUnauthorized)
			return
		}

		stripeID, err := v.StripeCustomerID(r.Context(), userID)
		if err != nil {
			log.Warn().Err(err).Str("user", userID).Msg("Failed to resolve Stripe customer id")
			httpx.WriteError(w, verrors.ErrInternal)
			return
		}
		if stripeID == "" {
			httpx.WriteError(w, verrors.ErrForbidden)
			return
		}

		ctx := WithIdentity(r.Context(), &Identity{ClerkUserID: userID, StripeCustomerID: stripeID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}
