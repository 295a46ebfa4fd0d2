package tokenstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process issued-token registry. Tokens are
// short-lived, so no durable backing is needed.
type MemoryStore struct {
	mu     sync.RWMutex
	issued map[string]*Issued
}

// NewMemoryStore creates an empty registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{issued: make(map[string]*Issued)}
}

func (m *MemoryStore) Issue(_ context.Context, requestID, userID string, ttl time.Duration) (*Issued, error) {
	now := time.Now()
	tok := &Issued{
		RequestID: requestID,
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	m.mu.Lock()
	m.issued[requestID] = tok
	m.mu.Unlock()
	return tok, nil
}

func (m *MemoryStore) Lookup(_ context.Context, requestID string) (*Issued, error) {
	m.mu.RLock()
	tok, ok := m.issued[requestID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrTokenNotFound
	}
	if tok.Revoked {
		return nil, ErrTokenRevoked
	}
	if tok.Expired() {
		return nil, ErrTokenExpired
	}
	copy := *tok
	return &copy, nil
}

func (m *MemoryStore) Revoke(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.issued[requestID]
	if !ok {
		return ErrTokenNotFound
	}
	tok.Revoked = true
	return nil
}

func (m *MemoryStore) Cleanup(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, tok := range m.issued {
		if tok.Expired() {
			delete(m.issued, id)
			removed++
		}
	}
	return removed, nil
}
