package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreFirstWriteWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "k", Entry{Status: 200, Body: []byte(`{"points":10}`)}, time.Minute))
	require.NoError(t, s.Put(ctx, "k", Entry{Status: 409, Body: []byte(`{}`)}, time.Minute))

	e, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 200, e.Status)
	assert.JSONEq(t, `{"points":10}`, string(e.Body))
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", Entry{Status: 200}, time.Minute))
	now = now.Add(2 * time.Minute)

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "k", Entry{Status: 201}, time.Minute))
	e, ok, _ := s.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, 201, e.Status)
}
