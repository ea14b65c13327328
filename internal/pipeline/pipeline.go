// Package pipeline drains a source cursor down to a watermark, turning the
// newest-first stream into the batch of listings one poll should persist.
package pipeline

import (
	"context"
	"errors"
	"time"

	"listingwatch/internal/listing"
	"listingwatch/internal/source"
)

// Poll runs one search against the adapter and collects every listing created
// after the watermark, newest first.
//
// Results arrive ordered by decreasing creation time, so the first listing at
// or before the watermark ends the poll without touching the rest of the
// stream. A listing created before the watermark but edited after it is an
// old listing bumped by its seller, not a new one: it is skipped and the walk
// continues. A zero watermark collects everything the source exposes.
//
// limit caps how many listings one poll may return; zero means no cap. On a
// cursor failure the listings collected so far are returned alongside the
// error. The cursor is always closed, however the poll ends.
func Poll(ctx context.Context, adapter source.Adapter, params source.Params, after time.Time, limit int) ([]listing.Listing, error) {
	cursor, err := adapter.Search(ctx, params)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var results []listing.Listing
	for {
		l, err := cursor.Next(ctx)
		if errors.Is(err, source.ErrEndOfResults) {
			return results, nil
		}
		if err != nil {
			return results, err
		}

		if !after.IsZero() && !l.CreationTime.After(after) {
			if l.UpdatedTime.After(after) {
				// Edited old listing, newer ones may still follow
				continue
			}
			return results, nil
		}

		results = append(results, l)
		if limit > 0 && len(results) >= limit {
			return results, nil
		}
	}
}
