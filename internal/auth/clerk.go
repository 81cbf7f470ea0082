package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	verrors "github.com/vitrinelive/vitrine/internal/errors"
)

const clerkAPIBase = "https://api.clerk.com/v1"

// Verifier validates Clerk session JWTs and resolves user metadata. JWKS
// keys and user→Stripe-id mappings are cached with explicit expiries.
type Verifier struct {
	jwksURL   string
	secretKey string
	apiBase   string
	http      *http.Client
	now       func() time.Time

	mu          sync.Mutex
	keys        map[string]*rsa.PublicKey
	keysFetched time.Time

	stripeIDs map[string]cachedStripeID
}

type cachedStripeID struct {
	value   string
	expires time.Time
}

const (
	jwksTTL     = time.Hour
	stripeIDTTL = 5 * time.Minute
)

// NewVerifier builds a verifier for one Clerk instance. jwksURL is the
// instance's /.well-known/jwks.json endpoint.
func NewVerifier(jwksURL, secretKey string) *Verifier {
	return &Verifier{
		jwksURL:   jwksURL,
		secretKey: secretKey,
		apiBase:   clerkAPIBase,
		http:      &http.Client{Timeout: 10 * time.Second},
		now:       time.Now,
		keys:      make(map[string]*rsa.PublicKey),
		stripeIDs: make(map[string]cachedStripeID),
	}
}

// VerifyToken checks the session JWT signature and expiry and returns the
// Clerk user id.
func (v *Verifier) VerifyToken(ctx context.Context, token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		return v.keyFor(ctx, kid)
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("parse session token: %w", err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("session token has no subject: %w", verrors.ErrUnauthorized)
	}
	return sub, nil
}

func (v *Verifier) keyFor(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	key, ok := v.keys[kid]
	fresh := v.now().Sub(v.keysFetched) < jwksTTL
	v.mu.Unlock()
	if ok && fresh {
		return key, nil
	}

	if err := v.refreshJWKS(ctx); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	key, ok = v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("no JWKS key for kid %q", kid)
	}
	return key, nil
}

type jwksDocument struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (v *Verifier) refreshJWKS(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return verrors.NewProviderError(verrors.ErrorTypeProvider, "clerk", "fetch jwks", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return verrors.NewProviderError(verrors.ErrorTypeProvider, "clerk", "fetch jwks",
			fmt.Errorf("status %d", resp.StatusCode)).WithStatusCode(resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAKey(k.N, k.E)
		if err != nil {
			return fmt.Errorf("parse jwks key %s: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}

	v.mu.Lock()
	v.keys = keys
	v.keysFetched = v.now()
	v.mu.Unlock()
	return nil
}

func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}

type clerkUser struct {
	ID             string         `json:"id"`
	PublicMetadata map[string]any `json:"public_metadata"`
}

// StripeCustomerID resolves a Clerk user's Stripe customer id from their
// public metadata, with a short cache since the storefront calls several
// endpoints per page.
func (v *Verifier) StripeCustomerID(ctx context.Context, userID string) (string, error) {
	v.mu.Lock()
	if c, ok := v.stripeIDs[userID]; ok && v.now().Before(c.expires) {
		v.mu.Unlock()
		return c.value, nil
	}
	v.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		v.apiBase+"/users/"+url.PathEscape(userID), nil)
	if err != nil {
		return "", fmt.Errorf("build user request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+v.secretKey)

	resp, err := v.http.Do(req)
	if err != nil {
		return "", verrors.NewProviderError(verrors.ErrorTypeProvider, "clerk", "get user", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", verrors.NewProviderError(verrors.ErrorTypeProvider, "clerk", "get user",
			fmt.Errorf("status %d", resp.StatusCode)).WithStatusCode(resp.StatusCode)
	}

	var user clerkUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return "", fmt.Errorf("decode clerk user: %w", err)
	}
	stripeID, _ := user.PublicMetadata["stripe_id"].(string)

	v.mu.Lock()
	v.stripeIDs[userID] = cachedStripeID{value: stripeID, expires: v.now().Add(stripeIDTTL)}
	v.mu.Unlock()
	return stripeID, nil
}
