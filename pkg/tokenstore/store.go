// Package tokenstore tracks access tokens issued to the external insight
// service. Each token is bound to one request ID; insight submissions must
// present a token whose request ID matches their correlation ID.
package tokenstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenRevoked  = errors.New("token revoked")
)

// Issued is one outstanding insight access token.
type Issued struct {
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// Expired reports whether the token's TTL has elapsed.
func (t *Issued) Expired() bool {
	return time.Now().After(t.ExpiresAt)
}

// Store is the issued-token registry contract.
type Store interface {
	// Issue records a token bound to a request ID.
	Issue(ctx context.Context, requestID, userID string, ttl time.Duration) (*Issued, error)
	// Lookup returns the live token for a request ID, or
	// ErrTokenNotFound / ErrTokenExpired / ErrTokenRevoked.
	Lookup(ctx context.Context, requestID string) (*Issued, error)
	// Revoke invalidates a token before its TTL elapses.
	Revoke(ctx context.Context, requestID string) error
	// Cleanup drops expired tokens, returning how many were removed.
	Cleanup(ctx context.Context) (int, error)
}
