// Package storage persists the listings found by polls and answers the
// watermark query the next poll derives its cutoff from.
package storage

import (
	"context"
	"time"

	"listingwatch/internal/listing"
)

// Store is the persistence collaborator of the monitor.
type Store interface {
	// LastListingTime returns the creation time of the newest listing
	// persisted for the search. found is false when the search has no
	// listings yet.
	LastListingTime(ctx context.Context, searchID int64) (t time.Time, found bool, err error)

	// SaveListings persists the batch atomically: either every listing of
	// the poll is stored or none is, so the watermark never advances past
	// unpersisted listings.
	SaveListings(ctx context.Context, searchID int64, listings []listing.Listing) error
}
