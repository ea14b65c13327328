// Package monitor schedules recurring polls for registered searches and
// drives each poll through the crawl pipeline and its collaborators.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"listingwatch/internal/crashreport"
	"listingwatch/internal/listing"
	"listingwatch/internal/metrics"
	"listingwatch/internal/pipeline"
	"listingwatch/internal/source"
	"listingwatch/internal/storage"
	"listingwatch/logger"
	pkgerrors "listingwatch/pkg/errors"
	"listingwatch/services/publisher"
)

// Config configures the monitor.
type Config struct {
	// BackdateHorizon bounds how far back the first poll of a search looks.
	// The poll cutoff never falls below now minus this horizon.
	BackdateHorizon time.Duration
	// PollLimit caps how many listings one poll may collect; zero means
	// no cap
	PollLimit int
	// PollTimeout bounds one poll execution
	PollTimeout time.Duration
}

// Monitor owns one recurring poll task per registered search. Registrations
// are reference counted: registering the same search again reuses its task,
// and the task is removed when the last registration is gone.
type Monitor struct {
	cfg      Config
	registry *source.Registry
	store    storage.Store
	pub      publisher.Publisher
	reporter crashreport.Reporter
	metrics  *metrics.Metrics
	log      *logger.Logger

	cron *cron.Cron

	mu    sync.Mutex
	tasks map[int64]*task

	// firstRuns tracks immediate first polls, which run outside the
	// scheduler's own job accounting
	firstRuns sync.WaitGroup
}

type task struct {
	entryID  cron.EntryID
	refCount int
}

// New creates a monitor. pub, reporter and m may be nil, disabling
// announcements, crash reports and metrics respectively. Overlapping runs of
// the same task are skipped, not queued.
func New(cfg Config, registry *source.Registry, store storage.Store,
	pub publisher.Publisher, reporter crashreport.Reporter, m *metrics.Metrics) *Monitor {

	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Minute
	}

	log := logger.ForMonitor()
	cl := cronLogger{log: log}

	return &Monitor{
		cfg:      cfg,
		registry: registry,
		store:    store,
		pub:      pub,
		reporter: reporter,
		metrics:  m,
		log:      log,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl))),
		tasks:    make(map[int64]*task),
	}
}

// Start begins running scheduled tasks.
func (m *Monitor) Start() {
	m.cron.Start()
	m.log.Info().Msg("Monitor started")
}

// Stop removes all tasks and waits for running polls to finish, up to the
// given timeout.
func (m *Monitor) Stop(timeout time.Duration) error {
	m.mu.Lock()
	for id, t := range m.tasks {
		m.cron.Remove(t.entryID)
		delete(m.tasks, id)
	}
	m.mu.Unlock()

	deadline := time.After(timeout)

	firstRunsDone := make(chan struct{})
	go func() {
		m.firstRuns.Wait()
		close(firstRunsDone)
	}()

	ctx := m.cron.Stop()
	select {
	case <-ctx.Done():
	case <-deadline:
		return fmt.Errorf("timed out after %s waiting for running polls", timeout)
	}
	select {
	case <-firstRunsDone:
	case <-deadline:
		return fmt.Errorf("timed out after %s waiting for running polls", timeout)
	}

	m.log.Info().Msg("Monitor stopped")
	return nil
}

// Register ensures a recurring poll task exists for the search. A search
// already registered gains a reference instead of a second task. New tasks
// poll once immediately, then on the adapter's interval.
func (m *Monitor) Register(spec listing.SearchSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tasks[spec.ID]; ok {
		t.refCount++
		m.log.Debug().Int64("search_id", spec.ID).Int("ref_count", t.refCount).Msg("Search reference added")
		return nil
	}

	adapter, err := m.registry.Lookup(spec.Source)
	if err != nil {
		return err
	}

	interval := adapter.PollingInterval(source.Params(spec.Params))
	entryID := m.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		m.poll(adapter, spec)
	}))
	m.tasks[spec.ID] = &task{entryID: entryID, refCount: 1}

	// First poll runs now rather than one interval from now. WrappedJob
	// carries the skip and recover chain. Stop waits for these runs the
	// same way it waits for scheduled ticks.
	job := m.cron.Entry(entryID).WrappedJob
	m.firstRuns.Add(1)
	go func() {
		defer m.firstRuns.Done()
		job.Run()
	}()

	m.log.Info().
		Int64("search_id", spec.ID).
		Str("source", spec.Source).
		Dur("interval", interval).
		Msg("Search registered")
	return nil
}

// Unregister drops one reference to the search, removing its poll task when
// no references remain. Unregistering a search that is not registered
// returns a NotRegisteredError and changes nothing.
func (m *Monitor) Unregister(searchID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[searchID]
	if !ok {
		return &pkgerrors.NotRegisteredError{SearchID: searchID}
	}

	t.refCount--
	if t.refCount > 0 {
		m.log.Debug().Int64("search_id", searchID).Int("ref_count", t.refCount).Msg("Search reference dropped")
		return nil
	}

	m.cron.Remove(t.entryID)
	delete(m.tasks, searchID)
	m.log.Info().Int64("search_id", searchID).Msg("Search unregistered")
	return nil
}

// poll runs one scheduled poll end to end. Failures are reported and counted
// but never propagate; the task keeps its schedule.
func (m *Monitor) poll(adapter source.Adapter, spec listing.SearchSpec) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PollTimeout)
	defer cancel()

	log := m.log.WithField("search_id", spec.ID)
	success := m.runPoll(ctx, log, adapter, spec)

	if m.metrics != nil {
		m.metrics.RecordPollOutcome(adapter.Name(), success)
	}
}

func (m *Monitor) runPoll(ctx context.Context, log *logger.Logger, adapter source.Adapter, spec listing.SearchSpec) bool {
	after, err := m.watermark(ctx, spec.ID)
	if err != nil {
		m.reportFailure(log, "Failed to derive poll cutoff", err)
		return false
	}

	listings, err := pipeline.Poll(ctx, adapter, source.Params(spec.Params), after, m.cfg.PollLimit)
	if err != nil {
		// Partial results are dropped; saving them would advance the
		// cutoff past listings the failed walk never reached
		m.reportFailure(log, "Poll failed", err)
		return false
	}

	if len(listings) == 0 {
		log.Debug().Time("after", after).Msg("No new listings")
		return true
	}

	if err := m.store.SaveListings(ctx, spec.ID, listings); err != nil {
		m.reportFailure(log, "Failed to save listings", err)
		return false
	}

	log.Info().Int("count", len(listings)).Time("after", after).Msg("Found new listings")
	m.announce(adapter.Name(), listings, log)
	return true
}

// watermark derives the poll cutoff: the newest persisted listing time,
// floored at the backdate horizon so a fresh search does not walk the whole
// source history.
func (m *Monitor) watermark(ctx context.Context, searchID int64) (time.Time, error) {
	last, found, err := m.store.LastListingTime(ctx, searchID)
	if err != nil {
		return time.Time{}, err
	}

	floor := time.Now().Add(-m.cfg.BackdateHorizon)
	if !found || last.Before(floor) {
		return floor, nil
	}
	return last, nil
}

// announce publishes the new listings downstream, best-effort.
func (m *Monitor) announce(sourceName string, listings []listing.Listing, log *logger.Logger) {
	if m.pub == nil {
		return
	}
	for _, l := range listings {
		payload, err := json.Marshal(l)
		if err != nil {
			log.Warn().Err(err).Str("url", l.URL).Msg("Failed to marshal listing")
			continue
		}
		if err := m.pub.Publish(sourceName, payload); err != nil {
			log.Warn().Err(err).Str("url", l.URL).Msg("Failed to announce listing")
		}
	}
	if err := m.pub.TrimStreams(); err != nil {
		log.Warn().Err(err).Msg("Failed to trim announcement streams")
	}
}

func (m *Monitor) reportFailure(log *logger.Logger, msg string, err error) {
	log.Error().Err(err).Msg(msg)
	if m.reporter != nil {
		m.reporter.Report(err)
	}
}

// cronLogger adapts the structured logger to the scheduler's logging
// interface.
type cronLogger struct {
	log *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
