package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listingwatch/internal/listing"
	"listingwatch/internal/metrics"
	"listingwatch/internal/source"
	"listingwatch/internal/storage"
	pkgerrors "listingwatch/pkg/errors"
)

// scriptedAdapter serves a fixed result set and counts its searches.
type scriptedAdapter struct {
	name      string
	mu        sync.Mutex
	searches  int
	items     []listing.Listing
	searchErr error
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Search(ctx context.Context, params source.Params) (source.Cursor, error) {
	a.mu.Lock()
	a.searches++
	items := a.items
	err := a.searchErr
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &sliceCursor{items: items}, nil
}

func (a *scriptedAdapter) PollingInterval(params source.Params) time.Duration {
	// Long enough that only the immediate first run fires during a test
	return time.Hour
}

func (a *scriptedAdapter) searchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.searches
}

type sliceCursor struct {
	items []listing.Listing
	pos   int
}

func (c *sliceCursor) Next(ctx context.Context) (listing.Listing, error) {
	if c.pos >= len(c.items) {
		return listing.Listing{}, source.ErrEndOfResults
	}
	l := c.items[c.pos]
	c.pos++
	return l, nil
}

func (c *sliceCursor) Close() error { return nil }

// recordingReporter collects reported poll failures.
type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Report(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func listingAt(url string, t time.Time) listing.Listing {
	return listing.Listing{URL: url, CreationTime: t, UpdatedTime: t}
}

func newTestMonitor(adapter source.Adapter, store storage.Store, reporter *recordingReporter, m *metrics.Metrics) *Monitor {
	return New(
		Config{BackdateHorizon: 6 * time.Hour, PollTimeout: 5 * time.Second},
		source.NewRegistry(adapter),
		store, nil, reporter, m,
	)
}

func spec(id int64, sourceName string) listing.SearchSpec {
	return listing.SearchSpec{ID: id, Source: sourceName, Params: map[string]string{"site": "boston"}}
}

func TestRegisterPollsImmediately(t *testing.T) {
	now := time.Now().UTC()
	adapter := &scriptedAdapter{name: "fake", items: []listing.Listing{
		listingAt("https://example.org/d/2", now.Add(-time.Hour)),
		listingAt("https://example.org/d/1", now.Add(-2*time.Hour)),
	}}
	store := storage.NewMemoryStore()
	m := newTestMonitor(adapter, store, nil, nil)

	require.NoError(t, m.Register(spec(1, "fake")))
	require.Eventually(t, func() bool {
		return len(store.Listings(1)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Stop(time.Second))
}

func TestRegisterRefCountsOneTaskPerSearch(t *testing.T) {
	adapter := &scriptedAdapter{name: "fake"}
	m := newTestMonitor(adapter, storage.NewMemoryStore(), nil, nil)

	require.NoError(t, m.Register(spec(1, "fake")))
	require.NoError(t, m.Register(spec(1, "fake")))

	// Re-registering reuses the task: one immediate poll, not two
	require.Eventually(t, func() bool { return adapter.searchCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	m.mu.Lock()
	require.Len(t, m.tasks, 1)
	assert.Equal(t, 2, m.tasks[1].refCount)
	m.mu.Unlock()

	// The first unregister drops a reference, the second removes the task
	require.NoError(t, m.Unregister(1))
	m.mu.Lock()
	assert.Len(t, m.tasks, 1)
	m.mu.Unlock()

	require.NoError(t, m.Unregister(1))
	m.mu.Lock()
	assert.Empty(t, m.tasks)
	m.mu.Unlock()

	require.NoError(t, m.Stop(time.Second))
}

func TestUnregisterUnknownSearch(t *testing.T) {
	adapter := &scriptedAdapter{name: "fake"}
	m := newTestMonitor(adapter, storage.NewMemoryStore(), nil, nil)

	err := m.Unregister(42)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsNotRegistered(err))

	var nre *pkgerrors.NotRegisteredError
	require.ErrorAs(t, err, &nre)
	assert.Equal(t, int64(42), nre.SearchID)
}

func TestRegisterUnknownSource(t *testing.T) {
	adapter := &scriptedAdapter{name: "fake"}
	m := newTestMonitor(adapter, storage.NewMemoryStore(), nil, nil)

	err := m.Register(spec(1, "unknown"))
	require.Error(t, err)

	m.mu.Lock()
	assert.Empty(t, m.tasks)
	m.mu.Unlock()
}

func TestPollOnlyCollectsPastWatermark(t *testing.T) {
	now := time.Now().UTC()
	seen := listingAt("https://example.org/d/seen", now.Add(-time.Hour))
	fresh := listingAt("https://example.org/d/fresh", now.Add(-time.Minute))

	store := storage.NewMemoryStore()
	require.NoError(t, store.SaveListings(context.Background(), 1, []listing.Listing{seen}))

	adapter := &scriptedAdapter{name: "fake", items: []listing.Listing{fresh, seen}}
	m := newTestMonitor(adapter, store, nil, nil)

	require.NoError(t, m.Register(spec(1, "fake")))
	require.Eventually(t, func() bool {
		return len(store.Listings(1)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Only the fresh listing was added; the seen one ended the walk
	urls := make([]string, 0, 2)
	for _, l := range store.Listings(1) {
		urls = append(urls, l.URL)
	}
	assert.ElementsMatch(t, []string{"https://example.org/d/seen", "https://example.org/d/fresh"}, urls)

	require.NoError(t, m.Stop(time.Second))
}

func TestPollFailureIsReportedAndCounted(t *testing.T) {
	adapter := &scriptedAdapter{
		name:      "fake",
		searchErr: pkgerrors.NewFetch("fake", "source unreachable", nil),
	}
	reporter := &recordingReporter{}
	mx := metrics.New()
	store := storage.NewMemoryStore()
	m := newTestMonitor(adapter, store, reporter, mx)

	require.NoError(t, m.Register(spec(1, "fake")))
	require.Eventually(t, func() bool { return reporter.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, store.Listings(1))
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.PollsTotal.WithLabelValues("fake", "false")))
	assert.Equal(t, 0.0, testutil.ToFloat64(mx.PollsTotal.WithLabelValues("fake", "true")))

	require.NoError(t, m.Stop(time.Second))
}

func TestPollSuccessIsCountedOnce(t *testing.T) {
	now := time.Now().UTC()
	adapter := &scriptedAdapter{name: "fake", items: []listing.Listing{
		listingAt("https://example.org/d/1", now.Add(-time.Minute)),
	}}
	mx := metrics.New()
	store := storage.NewMemoryStore()
	m := newTestMonitor(adapter, store, nil, mx)

	require.NoError(t, m.Register(spec(1, "fake")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(mx.PollsTotal.WithLabelValues("fake", "true")) == 1.0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0.0, testutil.ToFloat64(mx.PollsTotal.WithLabelValues("fake", "false")))
	require.NoError(t, m.Stop(time.Second))
}

func TestWatermarkFloorsAtBackdateHorizon(t *testing.T) {
	store := storage.NewMemoryStore()
	m := newTestMonitor(&scriptedAdapter{name: "fake"}, store, nil, nil)

	// No history: the cutoff sits at the horizon, not at zero
	after, err := m.watermark(context.Background(), 1)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(-6*time.Hour), after, time.Second)

	// Stale history older than the horizon is floored too
	stale := listingAt("https://example.org/d/old", time.Now().Add(-48*time.Hour))
	require.NoError(t, store.SaveListings(context.Background(), 1, []listing.Listing{stale}))
	after, err = m.watermark(context.Background(), 1)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(-6*time.Hour), after, time.Second)

	// Recent history wins over the horizon
	recent := listingAt("https://example.org/d/new", time.Now().Add(-time.Hour).UTC())
	require.NoError(t, store.SaveListings(context.Background(), 1, []listing.Listing{recent}))
	after, err = m.watermark(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, recent.CreationTime, after)
}

// blockingAdapter holds its first search open until released, so a test can
// observe a poll in flight.
type blockingAdapter struct {
	name    string
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (a *blockingAdapter) Name() string { return a.name }

func (a *blockingAdapter) Search(ctx context.Context, params source.Params) (source.Cursor, error) {
	a.once.Do(func() { close(a.started) })
	<-a.release
	return &sliceCursor{}, nil
}

func (a *blockingAdapter) PollingInterval(params source.Params) time.Duration {
	return time.Hour
}

func TestStopWaitsForImmediateFirstPoll(t *testing.T) {
	adapter := &blockingAdapter{
		name:    "fake",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	m := newTestMonitor(adapter, storage.NewMemoryStore(), nil, nil)

	require.NoError(t, m.Register(spec(1, "fake")))
	<-adapter.started

	stopped := make(chan error, 1)
	go func() { stopped <- m.Stop(2 * time.Second) }()

	// The first poll is still in flight; Stop must not return yet
	select {
	case <-stopped:
		t.Fatal("Stop returned while the first poll was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(adapter.release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the poll finished")
	}
}

func TestStopTimesOutOnStuckPoll(t *testing.T) {
	adapter := &blockingAdapter{
		name:    "fake",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	m := newTestMonitor(adapter, storage.NewMemoryStore(), nil, nil)

	require.NoError(t, m.Register(spec(1, "fake")))
	<-adapter.started

	assert.Error(t, m.Stop(50*time.Millisecond))
	close(adapter.release)
}

func TestRegisterUnregisterScenario(t *testing.T) {
	adapter := &scriptedAdapter{name: "fake"}
	m := newTestMonitor(adapter, storage.NewMemoryStore(), nil, nil)

	require.NoError(t, m.Register(spec(1, "fake")))
	require.NoError(t, m.Register(spec(2, "fake")))
	require.NoError(t, m.Register(spec(1, "fake")))

	m.mu.Lock()
	assert.Len(t, m.tasks, 2)
	m.mu.Unlock()

	require.NoError(t, m.Unregister(1))
	require.NoError(t, m.Unregister(2))
	require.NoError(t, m.Unregister(1))

	m.mu.Lock()
	assert.Empty(t, m.tasks)
	m.mu.Unlock()

	assert.True(t, pkgerrors.IsNotRegistered(m.Unregister(2)))
	require.NoError(t, m.Stop(time.Second))
}
