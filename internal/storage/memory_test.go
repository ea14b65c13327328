package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listingwatch/internal/listing"
)

func TestMemoryStoreWatermark(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, found, err := store.LastListingTime(ctx, 1)
	require.NoError(t, err)
	assert.False(t, found)

	older := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	newer := older.Add(2 * time.Hour)
	require.NoError(t, store.SaveListings(ctx, 1, []listing.Listing{
		{URL: "https://example.org/d/2", CreationTime: newer},
		{URL: "https://example.org/d/1", CreationTime: older},
	}))

	last, found, err := store.LastListingTime(ctx, 1)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, newer, last)

	// Other searches are unaffected
	_, found, err = store.LastListingTime(ctx, 2)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStoreAccumulates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveListings(ctx, 7, []listing.Listing{{URL: "a"}}))
	require.NoError(t, store.SaveListings(ctx, 7, []listing.Listing{{URL: "b"}, {URL: "c"}}))
	require.NoError(t, store.SaveListings(ctx, 7, nil))

	assert.Len(t, store.Listings(7), 3)
}
