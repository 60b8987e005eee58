// Package engine is the serialized polling core of the bridge. A bounded
// FIFO queue feeds a single worker goroutine that owns the terminal session;
// callers wait on a short-TTL position cache instead of touching the
// terminal themselves. The worker diffs successive position snapshots per
// user to detect closures, reconstructs each closed trade from history, and
// publishes it on a typed event feed and an optional per-request callback.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/mt5-bridge/internal/driver"
	"github.com/eddiefleurent/mt5-bridge/internal/history"
	"github.com/eddiefleurent/mt5-bridge/internal/metrics"
	"github.com/eddiefleurent/mt5-bridge/internal/models"
	"github.com/eddiefleurent/mt5-bridge/internal/storage"
)

// ErrQueueFull means the request queue is at capacity and the request was
// not accepted.
var ErrQueueFull = errors.New("request queue is full")

// ErrTimeout means the worker did not produce a result within the wait
// ceiling. The queued request may still complete later.
var ErrTimeout = errors.New("timed out waiting for the worker")

// Config tunes the engine's queue, cache, and worker pacing.
type Config struct {
	// QueueSize bounds the request queue.
	QueueSize int
	// CacheTTL is how long a cache entry satisfies readers. It coalesces
	// bursts of callers for one user onto a single terminal round-trip.
	CacheTTL time.Duration
	// PollInterval is how often a waiting caller rechecks the cache.
	PollInterval time.Duration
	// PollTimeout bounds a caller's total wait on the worker.
	PollTimeout time.Duration
	// IdleTick is the worker's sleep when the queue is empty.
	IdleTick time.Duration
	// ErrorSleep is the worker's pause after an unhandled processing
	// error.
	ErrorSleep time.Duration
	// CarryoverLimit is how many consecutive failed history fetches a
	// closed ticket survives before it is dropped with a closed_unknown
	// event.
	CarryoverLimit int
}

// DefaultConfig returns the production engine tuning.
func DefaultConfig() Config {
	return Config{
		QueueSize:      100,
		CacheTTL:       2 * time.Second,
		PollInterval:   100 * time.Millisecond,
		PollTimeout:    10 * time.Second,
		IdleTick:       50 * time.Millisecond,
		ErrorSleep:     time.Second,
		CarryoverLimit: 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.IdleTick <= 0 {
		c.IdleTick = d.IdleTick
	}
	if c.ErrorSleep <= 0 {
		c.ErrorSleep = d.ErrorSleep
	}
	if c.CarryoverLimit <= 0 {
		c.CarryoverLimit = d.CarryoverLimit
	}
	return c
}

// cacheEntry is one user's formatted open positions at a point in time.
type cacheEntry struct {
	positions []models.OpenPosition
	at        time.Time
}

// accountEntry caches one account summary fetch, including a failed one so
// bad credentials surface to waiting callers instead of timing out.
type accountEntry struct {
	info models.AccountInfo
	err  error
	at   time.Time
}

// Manager owns all engine state: the queue, the worker, the per-user
// snapshot maps, the read-through caches, and the event feed. Construct
// one per process with New and share it across the HTTP layer.
type Manager struct {
	cfg     Config
	driver  driver.Driver
	fetcher *history.Fetcher
	store   storage.Interface
	logger  *logrus.Logger

	queue chan *PollRequest
	stop  chan struct{}
	done  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	running   atomic.Bool

	mu       sync.RWMutex
	cache    map[string]cacheEntry
	accounts map[string]accountEntry

	// snapshots is touched only by the worker goroutine after Start.
	snapshots map[string]map[int64]models.PositionSnapshot

	feed  event.FeedOf[TradeEvent]
	scope event.SubscriptionScope
	now   func() time.Time
}

// New creates an engine over drv. A nil store disables checkpointing across
// restarts; a nil logger gets a default one. Call Start before submitting
// requests.
func New(drv driver.Driver, fetcher *history.Fetcher, store storage.Interface, logger *logrus.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	cfg = cfg.withDefaults()

	m := &Manager{
		cfg:       cfg,
		driver:    drv,
		fetcher:   fetcher,
		store:     store,
		logger:    logger,
		queue:     make(chan *PollRequest, cfg.QueueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		cache:     make(map[string]cacheEntry),
		accounts:  make(map[string]accountEntry),
		snapshots: make(map[string]map[int64]models.PositionSnapshot),
		now:       time.Now,
	}
	m.restoreSnapshots()
	return m
}

// WithClock replaces the engine's clock and returns the engine. Set before
// Start; the worker reads the clock without locking.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// restoreSnapshots loads the checkpointed per-user snapshot maps so
// closures that happened while the process was down are still detected on
// the first poll after restart.
func (m *Manager) restoreSnapshots() {
	saved, err := m.store.LoadAll()
	if err != nil {
		m.logger.WithError(err).Warn("Could not restore snapshot checkpoint")
		return
	}
	if len(saved) == 0 {
		return
	}
	tickets := 0
	for userID, snaps := range saved {
		m.snapshots[userID] = snaps
		tickets += len(snaps)
	}
	m.logger.WithFields(logrus.Fields{
		"users":   len(saved),
		"tickets": tickets,
	}).Info("Restored position snapshots from checkpoint")
}

// Start spawns the worker goroutine. Safe to call once; later calls are
// no-ops.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.running.Store(true)
		go m.run()
	})
}

// Stop shuts the worker down and waits for the in-flight request to finish.
// Queued requests are abandoned; their callers time out to empty results.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if !m.running.Load() {
			return
		}
		close(m.stop)
		<-m.done
		m.running.Store(false)
		m.scope.Close()
	})
}

// SubscribeTrades delivers closure events to ch until the subscription is
// unsubscribed or the engine stops. Delivery blocks the worker while every
// subscriber catches up, so use a buffered channel and drain it promptly.
func (m *Manager) SubscribeTrades(ch chan<- TradeEvent) event.Subscription {
	return m.scope.Track(m.feed.Subscribe(ch))
}

// GetPositions returns the user's open positions, served from cache when
// the entry is younger than the TTL. On a miss it enqueues a poll and waits
// for the cache to refresh, rechecking every PollInterval up to PollTimeout.
// A timeout returns an empty list, never an error; the queued poll may
// still complete and warm the cache for the next caller.
func (m *Manager) GetPositions(ctx context.Context, userID string, creds models.Credentials, accountID string, onClosed TradeCallback) ([]models.OpenPosition, error) {
	if positions, ok := m.cachedPositions(userID); ok {
		return positions, nil
	}

	req := &PollRequest{
		ID:            uuid.NewString(),
		Kind:          KindPositions,
		UserID:        userID,
		AccountID:     accountID,
		Credentials:   creds,
		OnTradeClosed: onClosed,
		EnqueuedAt:    m.now(),
	}
	if err := m.enqueue(req); err != nil {
		// Wait on the cache anyway; an in-flight poll may refresh it.
		m.logger.WithFields(logrus.Fields{
			"user_id":    userID,
			"request_id": req.ID,
		}).Warn("Request queue full, waiting on cache only")
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(m.cfg.PollTimeout)
	defer deadline.Stop()

	for {
		if positions, ok := m.cachedPositions(userID); ok {
			return positions, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			m.logger.WithFields(logrus.Fields{
				"user_id": userID,
				"timeout": m.cfg.PollTimeout.String(),
			}).Warn("Timed out waiting for positions")
			return []models.OpenPosition{}, nil
		case <-ticker.C:
		}
	}
}

// Account returns the account summary for creds, cached per connection
// identity with the same TTL as positions. Unlike GetPositions a full queue
// or a timeout is an error: there is no meaningful empty fallback for
// balance data.
func (m *Manager) Account(ctx context.Context, creds models.Credentials) (models.AccountInfo, error) {
	key := creds.ConnectionID()
	if entry, ok := m.cachedAccount(key); ok {
		return entry.info, entry.err
	}

	req := &PollRequest{
		ID:          uuid.NewString(),
		Kind:        KindAccount,
		UserID:      key,
		Credentials: creds,
		EnqueuedAt:  m.now(),
	}
	if err := m.enqueue(req); err != nil {
		return models.AccountInfo{}, err
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(m.cfg.PollTimeout)
	defer deadline.Stop()

	for {
		if entry, ok := m.cachedAccount(key); ok {
			return entry.info, entry.err
		}
		select {
		case <-ctx.Done():
			return models.AccountInfo{}, ctx.Err()
		case <-deadline.C:
			return models.AccountInfo{}, ErrTimeout
		case <-ticker.C:
		}
	}
}

// DefaultHistoryDays is the trade history window when the caller does not
// specify one.
const DefaultHistoryDays = 30

// TradeHistory fetches the completed trades of the last days days,
// serialized through the queue like every other terminal touch. Results
// are delivered on a per-request channel rather than cached.
func (m *Manager) TradeHistory(ctx context.Context, creds models.Credentials, days int) ([]models.GroupedTrade, error) {
	if days <= 0 {
		days = DefaultHistoryDays
	}

	req := &PollRequest{
		ID:          uuid.NewString(),
		Kind:        KindHistory,
		UserID:      creds.ConnectionID(),
		Credentials: creds,
		EnqueuedAt:  m.now(),
		days:        days,
		reply:       make(chan historyReply, 1),
	}
	if err := m.enqueue(req); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(m.cfg.PollTimeout)
	defer deadline.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-deadline.C:
		return nil, ErrTimeout
	case r := <-req.reply:
		return r.trades, r.err
	}
}

// Status reports the engine's health for the status endpoint.
type Status struct {
	Running     bool `json:"running"`
	QueueDepth  int  `json:"queue_depth"`
	CachedUsers int  `json:"cached_users"`
}

// Status returns a point-in-time health summary.
func (m *Manager) Status() Status {
	m.mu.RLock()
	cached := len(m.cache)
	m.mu.RUnlock()
	return Status{
		Running:     m.running.Load(),
		QueueDepth:  len(m.queue),
		CachedUsers: cached,
	}
}

// enqueue submits a request without blocking. A full queue rejects the
// request; the worker is the only consumer and callers must never stall
// on it.
func (m *Manager) enqueue(req *PollRequest) error {
	select {
	case m.queue <- req:
		metrics.SetQueueDepth(len(m.queue))
		return nil
	default:
		metrics.IncQueueRejection()
		return ErrQueueFull
	}
}

func (m *Manager) cachedPositions(userID string) ([]models.OpenPosition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.cache[userID]
	if !ok || m.now().Sub(entry.at) >= m.cfg.CacheTTL {
		return nil, false
	}
	positions := make([]models.OpenPosition, len(entry.positions))
	copy(positions, entry.positions)
	return positions, true
}

func (m *Manager) cachedAccount(key string) (accountEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.accounts[key]
	if !ok || m.now().Sub(entry.at) >= m.cfg.CacheTTL {
		return accountEntry{}, false
	}
	return entry, true
}

func (m *Manager) writeCache(userID string, positions []models.OpenPosition) {
	m.mu.Lock()
	m.cache[userID] = cacheEntry{positions: positions, at: m.now()}
	m.mu.Unlock()
}

func (m *Manager) writeAccount(key string, info models.AccountInfo, err error) {
	m.mu.Lock()
	m.accounts[key] = accountEntry{info: info, err: err, at: m.now()}
	m.mu.Unlock()
}
