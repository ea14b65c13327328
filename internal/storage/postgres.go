package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"listingwatch/internal/listing"
	"listingwatch/logger"
	pkgerrors "listingwatch/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS listings (
	id            BIGSERIAL PRIMARY KEY,
	search_id     BIGINT NOT NULL,
	url           TEXT NOT NULL,
	title         TEXT NOT NULL,
	body          TEXT NOT NULL DEFAULT '',
	price         DOUBLE PRECISION NOT NULL DEFAULT 0,
	image_urls    TEXT[] NOT NULL DEFAULT '{}',
	thumbnail_url TEXT NOT NULL DEFAULT '',
	latitude      DOUBLE PRECISION NOT NULL DEFAULT 0,
	longitude     DOUBLE PRECISION NOT NULL DEFAULT 0,
	creation_time TIMESTAMPTZ NOT NULL,
	updated_time  TIMESTAMPTZ NOT NULL,
	stored_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS listings_search_creation_idx
	ON listings (search_id, creation_time DESC);
`

const insertListing = `
INSERT INTO listings
	(search_id, url, title, body, price, image_urls, thumbnail_url,
	 latitude, longitude, creation_time, updated_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

// PostgresStore persists listings in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the database and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, pkgerrors.NewStorage("", "failed to create connection pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, pkgerrors.NewStorage("", "failed to reach database", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, pkgerrors.NewStorage("", "failed to ensure schema", err)
	}
	return &PostgresStore{pool: pool, log: logger.ForStorage()}, nil
}

func (s *PostgresStore) LastListingTime(ctx context.Context, searchID int64) (time.Time, bool, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(creation_time) FROM listings WHERE search_id = $1`,
		searchID).Scan(&last)
	if err != nil {
		return time.Time{}, false, pkgerrors.NewStorage("", "failed to query last listing time", err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return last.UTC(), true, nil
}

func (s *PostgresStore) SaveListings(ctx context.Context, searchID int64, listings []listing.Listing) error {
	if len(listings) == 0 {
		return nil
	}

	// One transaction per poll so a partial batch never becomes the next
	// watermark
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, l := range listings {
			if _, err := tx.Exec(ctx, insertListing,
				searchID, l.URL, l.Title, l.Body, l.Price, l.ImageURLs,
				l.ThumbnailURL, l.Latitude, l.Longitude,
				l.CreationTime, l.UpdatedTime); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return pkgerrors.NewStorage("", "failed to save listings", err)
	}

	s.log.Debug().Int64("search_id", searchID).Int("count", len(listings)).Msg("Saved listings")
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
