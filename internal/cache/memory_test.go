package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrdh/guessgame/internal/cache"
)

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s := cache.NewMemoryStore().WithClock(func() time.Time { return now })

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 5*time.Second))

	got, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), got)

	now = now.Add(5 * time.Second)
	_, found, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found, "value at exactly its ttl is expired")
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStoreNoTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s := cache.NewMemoryStore().WithClock(func() time.Time { return now })

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	now = now.Add(24 * time.Hour)

	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, s.Delete(ctx, "k"))
	_, found, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := cache.NewMemoryStore()

	in := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", in, time.Minute))
	in[0] = 'x'

	got, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}
