// Package token issues and verifies the JWTs the external insight service
// presents when submitting proposals. A token is valid only for the request
// ID it was minted for.
package token

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	kerrors "github.com/keeperhq/keeper/internal/errors"
	"github.com/keeperhq/keeper/pkg/tokenstore"
)

// Claims are the JWT claims carried by an insight access token.
type Claims struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies insight access tokens.
type Issuer struct {
	key   []byte
	ttl   time.Duration
	store tokenstore.Store
}

// NewIssuer creates an Issuer signing with an HMAC key.
func NewIssuer(signingKey string, ttl time.Duration, store tokenstore.Store) *Issuer {
	return &Issuer{key: []byte(signingKey), ttl: ttl, store: store}
}

// Issue mints a token bound to a request ID and records it in the registry.
func (i *Issuer) Issue(ctx context.Context, requestID, userID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RequestID: requestID,
		UserID:    userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "keeper",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	if _, err := i.store.Issue(ctx, requestID, userID, i.ttl); err != nil {
		return "", fmt.Errorf("failed to record token: %w", err)
	}
	return signed, nil
}

// Verify parses a presented token and checks it against the registry.
// The returned claims carry the request ID that insight submissions must
// match with their correlation ID.
func (i *Issuer) Verify(ctx context.Context, raw string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("invalid insight token: %w", kerrors.ErrDenied)
	}
	if claims.RequestID == "" {
		return nil, fmt.Errorf("token carries no request id: %w", kerrors.ErrDenied)
	}
	if _, err := i.store.Lookup(ctx, claims.RequestID); err != nil {
		return nil, fmt.Errorf("token not live: %w", kerrors.ErrDenied)
	}
	return claims, nil
}
