package oppcache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/looplend/looplend/internal/opportunity"
)

const (
	// initialStaleDelay defers the refresh of a snapshot found stale at load
	// time, so startup isn't serialized behind an upstream fetch.
	initialStaleDelay = 500 * time.Millisecond

	// autoRefreshDebounce spaces the background refresh off the moment the
	// fresh window closes, absorbing bursts of concurrent readers.
	autoRefreshDebounce = time.Second
)

// Fetcher retrieves loop opportunities from upstream for the given filters.
type Fetcher func(ctx context.Context, chainIDs []int, tokens []string) ([]opportunity.LoopOpportunity, error)

// Snapshot is the read surface handed to callers.
type Snapshot struct {
	Data          []opportunity.LoopOpportunity
	IsLoading     bool
	IsError       bool
	IsRefreshing  bool
	LastFetchTime time.Time
}

// Manager owns the cached loop opportunities for one filter combination.
// It serves the last known good snapshot, schedules background refreshes once
// data goes stale, and strictly partitions state per cache key: changing the
// filters resets everything before any new fetch is scheduled.
type Manager struct {
	store Store
	fetch Fetcher
	log   zerolog.Logger
	now   func() time.Time

	mu            sync.Mutex
	key           string
	chainIDs      []int
	tokens        []string
	data          []opportunity.LoopOpportunity
	lastFetch     time.Time
	loaded        bool // persisted snapshot (or its absence) has been consulted
	errored       bool
	refreshing    bool
	manualPending bool
	debounceTimer *time.Timer
}

// NewManager creates a manager reading through store and fetching via fetch.
func NewManager(store Store, fetch Fetcher, log zerolog.Logger) *Manager {
	return &Manager{
		store: store,
		fetch: fetch,
		log:   log.With().Str("component", "oppcache").Logger(),
		now:   time.Now,
	}
}

// SetFilters switches the manager to a new filter combination. A key change
// discards all prior data and timers synchronously, so stale-key data can
// never leak into the new filter context.
func (m *Manager) SetFilters(chainIDs []int, tokens []string) {
	key := CacheKey(chainIDs, tokens)

	m.mu.Lock()
	defer m.mu.Unlock()

	if key == m.key && m.loaded {
		return
	}

	m.stopTimersLocked()
	m.key = key
	m.chainIDs = append([]int(nil), chainIDs...)
	m.tokens = append([]string(nil), tokens...)
	m.data = nil
	m.lastFetch = time.Time{}
	m.loaded = false
	m.errored = false
	m.refreshing = false
	m.manualPending = false
}

// Get returns the current snapshot, fetching or scheduling refreshes as the
// cache state demands:
//   - nothing persisted yet: fetch synchronously
//   - persisted and fresh: serve it
//   - persisted but stale: serve it and defer a refresh
func (m *Manager) Get(ctx context.Context) Snapshot {
	m.mu.Lock()

	if !m.loaded {
		m.loadPersistedLocked()
	}

	if m.data == nil {
		// No cached data exists yet (or the last attempt failed with nothing
		// to fall back on): fetch now
		m.mu.Unlock()
		m.refresh(ctx)
		m.mu.Lock()
	} else if m.shouldAutoRefreshLocked() && m.debounceTimer == nil && !m.manualPending && !m.refreshing {
		m.scheduleRefreshLocked(autoRefreshDebounce)
	}

	snap := m.snapshotLocked()
	m.mu.Unlock()
	return snap
}

// Refresh forces an immediate fetch, marking the snapshot as refreshing for
// the duration. The previous data stays visible until the fetch lands.
func (m *Manager) Refresh(ctx context.Context) Snapshot {
	m.mu.Lock()
	if !m.loaded {
		m.loadPersistedLocked()
	}
	m.manualPending = true
	m.mu.Unlock()

	m.refresh(ctx)

	m.mu.Lock()
	snap := m.snapshotLocked()
	m.mu.Unlock()
	return snap
}

// ShouldAutoRefresh reports whether the fresh window has closed.
func (m *Manager) ShouldAutoRefresh() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldAutoRefreshLocked()
}

// Stop cancels any scheduled background refresh.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimersLocked()
}

func (m *Manager) shouldAutoRefreshLocked() bool {
	return !m.lastFetch.IsZero() && m.now().Sub(m.lastFetch) > FreshFor
}

func (m *Manager) snapshotLocked() Snapshot {
	data := m.data
	if data == nil {
		data = []opportunity.LoopOpportunity{}
	}
	return Snapshot{
		Data:          data,
		IsLoading:     !m.loaded,
		IsError:       m.errored,
		IsRefreshing:  m.refreshing || m.manualPending,
		LastFetchTime: m.lastFetch,
	}
}

// loadPersistedLocked pulls the persisted snapshot for the current key into
// memory. A corrupt blob is logged, cleared, and treated as a miss. A stale
// snapshot schedules a deferred refresh rather than blocking the caller.
func (m *Manager) loadPersistedLocked() {
	m.loaded = true

	blob, err := m.store.Get(m.key)
	if err != nil {
		m.log.Warn().Err(err).Str("key", m.key).Msg("Failed to read persisted snapshot")
		return
	}
	if blob == nil {
		return
	}

	records, fetchedAt, err := decodeSnapshot(blob)
	if err != nil {
		m.log.Warn().Err(err).Str("key", m.key).Msg("Corrupt snapshot, clearing")
		if removeErr := m.store.Remove(m.key); removeErr != nil {
			m.log.Warn().Err(removeErr).Str("key", m.key).Msg("Failed to clear corrupt snapshot")
		}
		return
	}

	m.data = records
	m.lastFetch = fetchedAt

	if m.shouldAutoRefreshLocked() {
		m.log.Debug().Str("key", m.key).Msg("Loaded stale snapshot, deferring refresh")
		m.scheduleRefreshLocked(initialStaleDelay)
	}
}

// scheduleRefreshLocked arms a one-shot background refresh after delay,
// replacing any previously armed timer.
func (m *Manager) scheduleRefreshLocked(delay time.Duration) {
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	key := m.key
	m.debounceTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.debounceTimer = nil
		if m.key != key || m.manualPending {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.refresh(context.Background())
	})
}

// refresh performs the fetch and reconciles the result under the key that was
// current when it started; a result landing after a filter change is dropped.
// A refresh requested while another is in flight is satisfied by the in-flight
// one: its result is just as fresh, so completion clears the pending flag for
// both.
func (m *Manager) refresh(ctx context.Context) {
	m.mu.Lock()
	if m.refreshing {
		m.mu.Unlock()
		return
	}
	m.refreshing = true
	key := m.key
	chainIDs := append([]int(nil), m.chainIDs...)
	tokens := append([]string(nil), m.tokens...)
	m.mu.Unlock()

	records, err := m.fetch(ctx, chainIDs, tokens)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshing = false

	if m.key != key {
		// Filters changed while the fetch was in flight; its result belongs
		// to a context that no longer exists.
		m.log.Debug().Str("key", key).Msg("Discarding fetch result for superseded filters")
		return
	}
	m.manualPending = false

	if err != nil {
		if len(m.data) > 0 {
			// Last known good data beats an error page
			m.log.Warn().Err(err).Str("key", key).Msg("Fetch failed, serving cached snapshot")
			return
		}
		m.log.Error().Err(err).Str("key", key).Msg("Fetch failed with no cached fallback")
		m.errored = true
		m.data = nil
		return
	}

	m.errored = false
	if records == nil {
		records = []opportunity.LoopOpportunity{}
	}
	m.data = records
	m.lastFetch = m.now()

	blob, encErr := encodeSnapshot(records, m.lastFetch)
	if encErr != nil {
		m.log.Warn().Err(encErr).Str("key", key).Msg("Failed to encode snapshot")
		return
	}
	if storeErr := m.store.Set(key, blob); storeErr != nil {
		m.log.Warn().Err(storeErr).Str("key", key).Msg("Failed to persist snapshot")
	}
}

func (m *Manager) stopTimersLocked() {
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
		m.debounceTimer = nil
	}
}
