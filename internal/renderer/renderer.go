// Package renderer is the client for the headless browser service
// (browserless) that sources are scraped through to avoid bot detection.
package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"listingwatch/helpers"
	"listingwatch/internal/metrics"
	"listingwatch/logger"
	"listingwatch/services/cache"
)

const renderUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/112.0.0.0 Safari/537.36"

// functionCode runs inside the browser service. It navigates, optionally
// waits for a condition to render, and returns the page content. A wait
// timeout is reported alongside the content so the caller can attach the
// page to the extract failure.
const functionCode = `module.exports = async ({ page, context }) => {
	await page.setViewport({ width: 1920, height: 1080 });
	await page.setUserAgent(context.userAgent);
	const result = { timeout: false };
	await page.goto(context.url, { waitUntil: 'domcontentloaded', timeout: context.navTimeout });
	if (context.wait) {
		try {
			await page.waitForFunction(context.wait, { timeout: context.waitTimeout });
		} catch (e) {
			result.timeout = true;
		}
	}
	result.content = await page.content();
	return result;
};`

// WaitTimeoutError reports that the page loaded but the expected content
// never rendered. It carries the page as it looked when the wait expired.
type WaitTimeoutError struct {
	URL     string
	Content string
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for content to render at %s", e.URL)
}

// Config configures the render service client.
type Config struct {
	// Addr is the base address of the browser service
	Addr string
	// PoolSize bounds how many pages may render concurrently
	PoolSize int
	// Timeout bounds one render round trip
	Timeout time.Duration
	// BlockTime is how long a domain is blocked after being rate limited
	BlockTime time.Duration
	// SavePages dumps every rendered page into SaveDir for diagnosis
	SavePages bool
	SaveDir   string
}

// Renderer renders pages through the browser service, bounding concurrency
// with a fixed pool of rendering slots.
type Renderer struct {
	cfg      Config
	client   *http.Client
	cacheSvc cache.CacheService
	metrics  *metrics.Metrics
	log      *logger.Logger
	slots    chan struct{}
}

// New creates a renderer. cacheSvc and m may be nil, disabling rate-limit
// blocks and scrape metrics respectively.
func New(cfg Config, cacheSvc cache.CacheService, m *metrics.Metrics) *Renderer {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = 500 * time.Second
	}
	slots := make(chan struct{}, cfg.PoolSize)
	for i := 0; i < cfg.PoolSize; i++ {
		slots <- struct{}{}
	}
	return &Renderer{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		cacheSvc: cacheSvc,
		metrics:  m,
		log:      logger.ForRenderer(),
		slots:    slots,
	}
}

// Acquire takes a rendering slot for the duration of one poll. The returned
// session must be closed; Close is what returns the slot to the pool.
func (r *Renderer) Acquire(ctx context.Context) (*Session, error) {
	select {
	case <-r.slots:
		return &Session{r: r}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquiring rendering context: %w", ctx.Err())
	}
}

// Session is one acquired rendering context. It is not safe for concurrent
// use; a poll drives its pages sequentially.
type Session struct {
	r    *Renderer
	once sync.Once
}

// Close releases the rendering slot. Safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.r.slots <- struct{}{}
	})
	return nil
}

// Render navigates to url and returns the page content. When wait is
// non-empty it is a browser-side expression the page must satisfy before
// the content is taken; if it never does, a WaitTimeoutError carrying the
// partial content is returned.
func (s *Session) Render(ctx context.Context, url, wait string) (string, error) {
	r := s.r
	domain := helpers.Domain(url)

	// Honor an active rate-limit block before touching the source
	blockKey := domain + "_rate_limited"
	if r.cacheSvc != nil {
		if _, err := r.cacheSvc.Get(blockKey); err == nil {
			return "", fmt.Errorf("%s is blocked for %d seconds after rate limiting", domain, int(r.cfg.BlockTime/time.Second))
		}
	}

	if r.metrics != nil {
		r.metrics.RecordScrape(domain)
	}
	r.log.Debug().Str("url", url).Msg("Rendering page")

	payload := map[string]interface{}{
		"code": functionCode,
		"context": map[string]interface{}{
			"url":         url,
			"userAgent":   renderUserAgent,
			"wait":        wait,
			"navTimeout":  30000,
			"waitTimeout": 5000,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal render payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Addr+"/function", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach render service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		r.block(blockKey)
		return "", fmt.Errorf("render service rate limited for %s", domain)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("render service returned status %d for %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read render response: %w", err)
	}

	content, timedOut, err := parseRenderResponse(body)
	if err != nil {
		return "", fmt.Errorf("unexpected render response for %s: %w", url, err)
	}

	if r.cfg.SavePages {
		r.savePage(url, content)
	}

	if timedOut {
		return "", &WaitTimeoutError{URL: url, Content: content}
	}
	return content, nil
}

// parseRenderResponse extracts the page content from a /function reply.
// Depending on the service version the result arrives directly or wrapped
// in a data field.
func parseRenderResponse(body []byte) (content string, timedOut bool, err error) {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		// Older service versions reply with the bare HTML
		if strings.Contains(trimmed, "<html") || strings.Contains(trimmed, "<body") {
			return trimmed, false, nil
		}
		return "", false, fmt.Errorf("response is neither JSON nor HTML (%d bytes)", len(body))
	}

	var reply struct {
		Timeout bool   `json:"timeout"`
		Content string `json:"content"`
		Data    *struct {
			Timeout bool   `json:"timeout"`
			Content string `json:"content"`
		} `json:"data"`
	}
	if unmarshalErr := json.Unmarshal(body, &reply); unmarshalErr != nil {
		return "", false, unmarshalErr
	}

	// A timed-out wait may come with an empty page; the timeout flag still
	// classifies the failure
	if reply.Data != nil && (reply.Data.Content != "" || reply.Data.Timeout) {
		return reply.Data.Content, reply.Data.Timeout, nil
	}
	if reply.Content != "" || reply.Timeout {
		return reply.Content, reply.Timeout, nil
	}
	return "", false, fmt.Errorf("no content field in response (%d bytes)", len(body))
}

func (r *Renderer) block(key string) {
	if r.cacheSvc == nil {
		return
	}
	seconds := fmt.Sprintf("%d", int(r.cfg.BlockTime/time.Second))
	if err := r.cacheSvc.Set(key, []byte(seconds), r.cfg.BlockTime); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("Failed to set rate limit block")
	}
}

func (r *Renderer) savePage(url, content string) {
	if err := os.MkdirAll(r.cfg.SaveDir, 0o755); err != nil {
		r.log.Warn().Err(err).Msg("Failed to create page dump folder")
		return
	}
	name := fmt.Sprintf("page-%s-%s.html",
		strings.ReplaceAll(helpers.Domain(url), ":", "_"),
		time.Now().UTC().Format("20060102-150405.000"))
	if err := os.WriteFile(filepath.Join(r.cfg.SaveDir, name), []byte(content), 0o644); err != nil {
		r.log.Warn().Err(err).Str("url", url).Msg("Failed to save scraped page")
	}
}
