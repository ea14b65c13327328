// Package source defines the capability a pluggable listing source must
// provide and the registry the monitor resolves adapters from.
package source

import (
	"context"
	"errors"
	"time"

	"listingwatch/internal/listing"
)

// ErrEndOfResults is returned by Cursor.Next when the source has no further
// listings (the last result page has been consumed).
var ErrEndOfResults = errors.New("end of results")

// Cursor walks a source's results newest-first, one listing at a time,
// fetching further pages lazily as the consumer advances. The consumer may
// stop early; Close releases any held resources (render sessions, pool
// slots) and is safe to call more than once.
type Cursor interface {
	Next(ctx context.Context) (listing.Listing, error)
	Close() error
}

// Params are adapter-specific search parameters, opaque to everything but
// the adapter that interprets them.
type Params map[string]string

// Adapter is a pluggable integration with one external listing source.
type Adapter interface {
	// Name returns the adapter identifier used in SearchSpec.Source.
	Name() string

	// Search starts a search and returns a cursor over its results,
	// ordered by decreasing creation time across as many pages as the
	// source exposes. Adapters never retry internally; fetch and extract
	// failures surface through the cursor.
	Search(ctx context.Context, params Params) (Cursor, error)

	// PollingInterval returns how often a search with the given parameters
	// should be polled.
	PollingInterval(params Params) time.Duration
}
