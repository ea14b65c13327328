package storage

import (
	"context"
	"sync"
	"time"

	"listingwatch/internal/listing"
)

// MemoryStore keeps listings in memory. It backs tests and render-free local
// runs where no database is configured.
type MemoryStore struct {
	mu       sync.Mutex
	listings map[int64][]listing.Listing
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{listings: make(map[int64][]listing.Listing)}
}

func (s *MemoryStore) LastListingTime(ctx context.Context, searchID int64) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last time.Time
	var found bool
	for _, l := range s.listings[searchID] {
		if !found || l.CreationTime.After(last) {
			last = l.CreationTime
			found = true
		}
	}
	return last, found, nil
}

func (s *MemoryStore) SaveListings(ctx context.Context, searchID int64, listings []listing.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[searchID] = append(s.listings[searchID], listings...)
	return nil
}

// Listings returns a copy of everything stored for the search.
func (s *MemoryStore) Listings(searchID int64) []listing.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]listing.Listing, len(s.listings[searchID]))
	copy(out, s.listings[searchID])
	return out
}
