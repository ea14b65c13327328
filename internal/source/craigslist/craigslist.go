// Package craigslist implements the craigslist source adapter: a paginated
// gallery search walked newest-first, with one detail fetch per result.
package craigslist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"listingwatch/helpers"
	"listingwatch/internal/listing"
	"listingwatch/internal/renderer"
	"listingwatch/internal/source"
	"listingwatch/logger"
	pkgerrors "listingwatch/pkg/errors"
	"listingwatch/services/cache"
)

const adapterName = "craigslist"

const searchURLFormat = "https://%s.craigslist.org/search/%s#search=1~gallery~%d~0"

// Wait expressions evaluated in the browser before content is taken: search
// results (or the "no results" message) must have rendered, and a detail
// page must have its body section.
const (
	searchResultsWait = `() => document.querySelector('.cl-results-page')?.querySelector('li')
		|| document.querySelector('.no-results')?.offsetParent !== null`
	resultDetailsWait = `() => document.querySelector('section.body') !== null`
)

// Config configures the adapter.
type Config struct {
	// Interval is the polling interval for craigslist searches
	Interval time.Duration
	// Renderer fetches pages through the browser service; when nil pages
	// are fetched with plain HTTP
	Renderer *renderer.Renderer
	// CacheSvc holds rate-limit block keys for the plain HTTP path
	CacheSvc cache.CacheService
	// BlockTime is how long to back off after being rate limited
	BlockTime time.Duration
}

// Adapter is the craigslist source adapter.
type Adapter struct {
	cfg Config
	log *logger.Logger
}

var _ source.Adapter = (*Adapter)(nil)

// New creates a craigslist adapter.
func New(cfg Config) *Adapter {
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = 500 * time.Second
	}
	return &Adapter{
		cfg: cfg,
		log: logger.ForSource(adapterName),
	}
}

// Name returns the adapter identifier.
func (a *Adapter) Name() string { return adapterName }

// PollingInterval returns how often craigslist searches are polled.
func (a *Adapter) PollingInterval(params source.Params) time.Duration {
	return a.cfg.Interval
}

// Search validates the parameters and returns a cursor over the results.
// Expected params: site (craigslist subdomain) and category (search path).
func (a *Adapter) Search(ctx context.Context, params source.Params) (source.Cursor, error) {
	site := params["site"]
	category := params["category"]
	if site == "" || category == "" {
		return nil, fmt.Errorf("craigslist search requires site and category params, got %v", params)
	}

	fetch, release, err := a.newFetch(ctx)
	if err != nil {
		return nil, err
	}

	return &cursor{
		log:      a.log,
		site:     site,
		category: category,
		fetch:    fetch,
		release:  release,
	}, nil
}

// fetchFunc fetches one page and returns its content. wait is a browser-side
// readiness expression, ignored by the plain HTTP path.
type fetchFunc func(ctx context.Context, url, wait string) (string, error)

// newFetch builds the page fetcher for one search, acquiring a rendering
// context when the browser service is configured. release must be called
// when the search ends, however it ends.
func (a *Adapter) newFetch(ctx context.Context) (fetchFunc, func() error, error) {
	if a.cfg.Renderer != nil {
		sess, err := a.cfg.Renderer.Acquire(ctx)
		if err != nil {
			return nil, nil, pkgerrors.NewFetch(adapterName, "failed to acquire rendering context", err)
		}
		return sess.Render, sess.Close, nil
	}
	return a.httpFetch, func() error { return nil }, nil
}

// httpFetch is the render-free fetch path, honoring rate-limit block keys
// the same way the rendered path does.
func (a *Adapter) httpFetch(ctx context.Context, url, wait string) (string, error) {
	blockKey := adapterName + "_rate_limited"
	if a.cfg.CacheSvc != nil {
		if _, err := a.cfg.CacheSvc.Get(blockKey); err == nil {
			return "", fmt.Errorf("%s is blocked for %d seconds after rate limiting", adapterName, int(a.cfg.BlockTime/time.Second))
		}
	}

	body, err := helpers.FetchWithRandomHeaders(url)
	if err != nil {
		if a.cfg.CacheSvc != nil && helpers.IsRateLimited(err) {
			seconds := fmt.Sprintf("%d", int(a.cfg.BlockTime/time.Second))
			if setErr := a.cfg.CacheSvc.Set(blockKey, []byte(seconds), a.cfg.BlockTime); setErr != nil {
				a.log.Warn().Err(setErr).Msg("Failed to set rate limit block")
			}
		}
		return "", err
	}

	content, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// cursor walks search result pages lazily, yielding one listing per detail
// page, newest first.
type cursor struct {
	log      *logger.Logger
	site     string
	category string
	fetch    fetchFunc
	release  func() error

	page    int
	pending []string
	done    bool
	closed  bool
}

var _ source.Cursor = (*cursor)(nil)

func (c *cursor) Next(ctx context.Context) (listing.Listing, error) {
	if c.closed {
		return listing.Listing{}, source.ErrEndOfResults
	}

	for len(c.pending) == 0 {
		if c.done {
			return listing.Listing{}, source.ErrEndOfResults
		}
		if err := c.fetchSearchPage(ctx); err != nil {
			return listing.Listing{}, err
		}
	}

	url := c.pending[0]
	c.pending = c.pending[1:]

	content, err := c.fetch(ctx, url, resultDetailsWait)
	if err != nil {
		var waitErr *renderer.WaitTimeoutError
		if errors.As(err, &waitErr) {
			return listing.Listing{}, pkgerrors.NewExtract(adapterName, "timed out waiting for listing details to render", waitErr.Content, err)
		}
		return listing.Listing{}, pkgerrors.NewFetch(adapterName, fmt.Sprintf("failed to fetch listing %s", url), err)
	}

	l, err := parseResultDetails(url, content)
	if err != nil {
		return listing.Listing{}, err
	}

	c.log.Debug().Str("url", l.URL).Time("creation_time", l.CreationTime).Msg("Found listing")
	return l, nil
}

// fetchSearchPage loads the next results page and queues its listing URLs.
func (c *cursor) fetchSearchPage(ctx context.Context) error {
	url := fmt.Sprintf(searchURLFormat, c.site, c.category, c.page)

	content, err := c.fetch(ctx, url, searchResultsWait)
	if err != nil {
		var waitErr *renderer.WaitTimeoutError
		if errors.As(err, &waitErr) {
			return pkgerrors.NewExtract(adapterName, "timed out waiting for search results to render", waitErr.Content, err)
		}
		return pkgerrors.NewFetch(adapterName, fmt.Sprintf("failed to fetch search page %d", c.page), err)
	}

	hasNext, urls, err := parseSearchResults(content)
	if err != nil {
		return err
	}

	c.pending = urls
	c.page++
	if !hasNext {
		c.done = true
	}
	return nil
}

func (c *cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.pending = nil
	return c.release()
}

// normalizeBody collapses a posting body to trimmed, non-empty lines.
func normalizeBody(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
