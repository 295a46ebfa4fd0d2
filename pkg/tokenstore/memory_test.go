package tokenstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndLookup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	issued, err := s.Issue(ctx, "req-1", "user-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "req-1", issued.RequestID)
	assert.Equal(t, "user-1", issued.UserID)

	tok, err := s.Lookup(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", tok.UserID)
}

func TestLookup_Missing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Lookup(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestLookup_Expired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Issue(ctx, "req-1", "user-1", -time.Second)
	require.NoError(t, err)

	_, err = s.Lookup(ctx, "req-1")
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRevoke(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Issue(ctx, "req-1", "user-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Revoke(ctx, "req-1"))

	_, err = s.Lookup(ctx, "req-1")
	assert.ErrorIs(t, err, ErrTokenRevoked)

	assert.ErrorIs(t, s.Revoke(ctx, "missing"), ErrTokenNotFound)
}

func TestCleanup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Issue(ctx, "live", "user-1", time.Minute)
	require.NoError(t, err)
	_, err = s.Issue(ctx, "stale", "user-1", -time.Second)
	require.NoError(t, err)

	removed, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Lookup(ctx, "live")
	assert.NoError(t, err)
	_, err = s.Lookup(ctx, "stale")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}
