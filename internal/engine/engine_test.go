package engine

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/mt5-bridge/internal/driver"
	"github.com/eddiefleurent/mt5-bridge/internal/history"
	"github.com/eddiefleurent/mt5-bridge/internal/models"
	"github.com/eddiefleurent/mt5-bridge/internal/storage"
)

const (
	testLogin  int64 = 5001
	testServer       = "Broker-Demo"
	testPass         = "letmein"
	testUser         = "user-1"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fastConfig compresses the production pacing so cycles complete in
// milliseconds. CacheTTL stays long enough that a follow-up call right
// after a poll is always a hit.
func fastConfig() Config {
	return Config{
		QueueSize:    8,
		CacheTTL:     30 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
		PollTimeout:  2 * time.Second,
		IdleTick:     time.Millisecond,
		ErrorSleep:   time.Millisecond,
	}
}

func fastFetchConfig() history.Config {
	cfg := history.DefaultConfig()
	cfg.BackoffUnit = time.Millisecond
	cfg.SettleDelay = 0
	return cfg
}

func simWithAccount() *driver.Sim {
	sim := driver.NewSim()
	sim.SetAccount(models.AccountInfo{
		Login:    testLogin,
		Server:   testServer,
		Balance:  10000,
		Equity:   10050,
		Currency: "USD",
		Leverage: 100,
	}, testPass)
	return sim
}

func testCreds() models.Credentials {
	return models.Credentials{Login: testLogin, Password: testPass, Server: testServer}
}

func newTestEngine(t *testing.T, sim *driver.Sim, store storage.Interface, cfg Config) *Manager {
	t.Helper()
	logger := newTestLogger()
	fetcher := history.NewFetcher(sim, logger, fastFetchConfig())
	m := New(sim, fetcher, store, logger, cfg)
	t.Cleanup(m.Stop)
	return m
}

func openPosition(ticket int64) models.Position {
	return models.Position{
		Ticket:       ticket,
		Symbol:       "EURUSD",
		Type:         models.PositionTypeBuy,
		Volume:       0.1,
		PriceOpen:    1.1000,
		PriceCurrent: 1.1015,
		Profit:       15.0,
		Time:         time.Now().Add(-2 * time.Hour).Unix(),
	}
}

// addClosureHistory scripts the deal pair and closing order for a buy on
// ticket that opened at 1.1000 and closed at 1.1020 a minute ago.
func addClosureHistory(sim *driver.Sim, ticket int64) {
	now := time.Now()
	sim.AddDeal(models.Deal{
		Ticket:     ticket*10 + 1,
		Order:      ticket*10 + 2,
		PositionID: ticket,
		Symbol:     "EURUSD",
		Type:       models.DealTypeBuy,
		Entry:      models.DealEntryIn,
		Volume:     0.1,
		Price:      1.1000,
		Time:       now.Add(-10 * time.Minute).Unix(),
		Commission: -0.5,
	})
	sim.AddDeal(models.Deal{
		Ticket:     ticket*10 + 3,
		Order:      ticket*10 + 4,
		PositionID: ticket,
		Symbol:     "EURUSD",
		Type:       models.DealTypeSell,
		Entry:      models.DealEntryOut,
		Volume:     0.1,
		Price:      1.1020,
		Time:       now.Add(-time.Minute).Unix(),
		Profit:     20.0,
		Commission: -0.5,
		Swap:       -0.1,
	})
	sim.AddOrder(models.Order{
		Ticket:       ticket*10 + 4,
		PositionID:   ticket,
		Symbol:       "EURUSD",
		SL:           1.0980,
		TP:           1.1050,
		PriceCurrent: 1.1020,
		TimeDone:     now.Add(-time.Minute).Unix(),
	})
}

type callbackRecorder struct {
	mu      sync.Mutex
	records []models.TradeRecord
	err     error
	panics  bool
}

func (r *callbackRecorder) callback(rec models.TradeRecord) error {
	r.mu.Lock()
	r.records = append(r.records, rec)
	err := r.err
	panics := r.panics
	r.mu.Unlock()
	if panics {
		panic("consumer exploded")
	}
	return err
}

func (r *callbackRecorder) all() []models.TradeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.TradeRecord, len(r.records))
	copy(out, r.records)
	return out
}

func waitEvent(t *testing.T, ch <-chan TradeEvent) TradeEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for trade event")
		return TradeEvent{}
	}
}

// expireCache sleeps past the test TTL so the next GetPositions call
// reaches the terminal again.
func expireCache(cfg Config) {
	time.Sleep(2*cfg.CacheTTL + 10*time.Millisecond)
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestNew_Defaults(t *testing.T) {
	sim := simWithAccount()
	m := New(sim, history.NewFetcher(sim, nil, fastFetchConfig()), nil, nil, Config{})
	if m.store == nil {
		t.Error("New() left store nil")
	}
	if m.logger == nil {
		t.Error("New() left logger nil")
	}
	if m.cfg.QueueSize != 100 {
		t.Errorf("QueueSize = %d, want 100", m.cfg.QueueSize)
	}
	if m.cfg.CacheTTL != 2*time.Second {
		t.Errorf("CacheTTL = %v, want 2s", m.cfg.CacheTTL)
	}
	if m.cfg.CarryoverLimit != 10 {
		t.Errorf("CarryoverLimit = %d, want 10", m.cfg.CarryoverLimit)
	}
}

func TestManager_FirstPollWarmsCache(t *testing.T) {
	sim := simWithAccount()
	sim.QueuePositions(testLogin, openPosition(1))

	cfg := fastConfig()
	cfg.CacheTTL = 500 * time.Millisecond
	m := newTestEngine(t, sim, nil, cfg)
	m.Start()

	positions, err := m.GetPositions(context.Background(), testUser, testCreds(), "", nil)
	if err != nil {
		t.Fatalf("GetPositions failed: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("GetPositions returned %d positions, want 1", len(positions))
	}
	got := positions[0]
	if got.Ticket != 1 || got.Symbol != "EURUSD" || got.Type != models.SideBuy {
		t.Errorf("position = %+v, want ticket 1 EURUSD buy", got)
	}
	if got.Volume != 0.1 || got.PriceOpen != 1.1000 {
		t.Errorf("position = %+v, want volume 0.1 at 1.1000", got)
	}
	if got.SL != nil || got.TP != nil {
		t.Errorf("SL/TP = %v/%v, want null for unset levels", got.SL, got.TP)
	}

	// Within the TTL the cache answers without another terminal trip.
	again, err := m.GetPositions(context.Background(), testUser, testCreds(), "", nil)
	if err != nil {
		t.Fatalf("second GetPositions failed: %v", err)
	}
	if len(again) != 1 || again[0].Ticket != 1 {
		t.Fatalf("cached result = %+v, want the same single position", again)
	}
	if n := sim.Counts().Positions; n != 1 {
		t.Errorf("Positions calls = %d, want 1 (second call must be served from cache)", n)
	}
}

func TestManager_UnchangedSetRefreshesTimestampOnly(t *testing.T) {
	sim := simWithAccount()
	sim.QueuePositions(testLogin, openPosition(1))

	cfg := fastConfig()
	m := newTestEngine(t, sim, nil, cfg)
	m.Start()

	recorder := &callbackRecorder{}
	events := make(chan TradeEvent, 4)
	sub := m.SubscribeTrades(events)
	defer sub.Unsubscribe()

	ctx := context.Background()
	if _, err := m.GetPositions(ctx, testUser, testCreds(), "", recorder.callback); err != nil {
		t.Fatalf("first GetPositions failed: %v", err)
	}
	first, ok := m.cachedPositions(testUser)
	if !ok {
		t.Fatal("no cache entry after first poll")
	}
	at1 := cacheStamp(t, m, testUser)

	expireCache(cfg)
	second, err := m.GetPositions(ctx, testUser, testCreds(), "", recorder.callback)
	if err != nil {
		t.Fatalf("second GetPositions failed: %v", err)
	}
	at2 := cacheStamp(t, m, testUser)

	if !at2.After(at1) {
		t.Errorf("cache timestamp did not advance: %v then %v", at1, at2)
	}
	if len(first) != 1 || len(second) != 1 || first[0].Ticket != second[0].Ticket {
		t.Errorf("position lists differ across identical cycles: %+v vs %+v", first, second)
	}
	if n := len(recorder.all()); n != 0 {
		t.Errorf("callback fired %d times for an unchanged position set", n)
	}
	if n := len(events); n != 0 {
		t.Errorf("%d events emitted for an unchanged position set", n)
	}
}

func cacheStamp(t *testing.T, m *Manager, userID string) time.Time {
	t.Helper()
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.cache[userID]
	if !ok {
		t.Fatalf("no cache entry for %s", userID)
	}
	return entry.at
}

func TestManager_ClosureDetection(t *testing.T) {
	sim := simWithAccount()
	sim.QueuePositions(testLogin, openPosition(1))
	sim.QueuePositions(testLogin)
	addClosureHistory(sim, 1)

	cfg := fastConfig()
	store := storage.NewMemoryStorage()
	m := newTestEngine(t, sim, store, cfg)
	m.Start()

	recorder := &callbackRecorder{}
	events := make(chan TradeEvent, 4)
	sub := m.SubscribeTrades(events)
	defer sub.Unsubscribe()

	ctx := context.Background()
	if _, err := m.GetPositions(ctx, testUser, testCreds(), "acct-9", recorder.callback); err != nil {
		t.Fatalf("first GetPositions failed: %v", err)
	}

	expireCache(cfg)
	positions, err := m.GetPositions(ctx, testUser, testCreds(), "acct-9", recorder.callback)
	if err != nil {
		t.Fatalf("second GetPositions failed: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("positions after closure = %d, want 0", len(positions))
	}

	records := recorder.all()
	if len(records) != 1 {
		t.Fatalf("callback fired %d times, want 1", len(records))
	}
	rec := records[0]

	if rec.ExternalID != "mt5_1" {
		t.Errorf("ExternalID = %q, want mt5_1", rec.ExternalID)
	}
	if rec.UserID != testUser || rec.AccountID != "acct-9" || rec.Ticket != 1 {
		t.Errorf("identity = %s/%s/#%d, want %s/acct-9/#1", rec.UserID, rec.AccountID, rec.Ticket, testUser)
	}
	if rec.Symbol != "EURUSD" || rec.Side != models.SideBuy || rec.Volume != 0.1 {
		t.Errorf("instrument = %s %s %v, want EURUSD buy 0.1", rec.Symbol, rec.Side, rec.Volume)
	}
	if rec.EntryPrice != 1.1000 || rec.ExitPrice != 1.1020 {
		t.Errorf("prices = %v -> %v, want 1.1000 -> 1.1020", rec.EntryPrice, rec.ExitPrice)
	}
	if !rec.ExitTime.After(rec.EntryTime) {
		t.Errorf("exit %v not after entry %v", rec.ExitTime, rec.EntryTime)
	}
	if rec.GrossPnL != 20.0 || rec.Commission != -1.0 || rec.Swap != -0.1 {
		t.Errorf("financials = %v/%v/%v, want 20.0/-1.0/-0.1", rec.GrossPnL, rec.Commission, rec.Swap)
	}
	if !almostEqual(rec.NetPnL, 18.9) {
		t.Errorf("NetPnL = %v, want 18.9", rec.NetPnL)
	}
	if rec.StopLoss == nil || *rec.StopLoss != 1.0980 {
		t.Errorf("StopLoss = %v, want 1.0980", rec.StopLoss)
	}
	if rec.TakeProfit == nil || *rec.TakeProfit != 1.1050 {
		t.Errorf("TakeProfit = %v, want 1.1050", rec.TakeProfit)
	}
	if rec.Status != models.TradeStatusClosed {
		t.Errorf("Status = %q, want %q", rec.Status, models.TradeStatusClosed)
	}
	if rec.Source != models.SourceHistoryDeals || rec.Accuracy != models.AccuracyDeals {
		t.Errorf("source = %s/%s, want deals at full accuracy", rec.Source, rec.Accuracy)
	}
	if rec.RiskAmount == nil || !almostEqual(*rec.RiskAmount, 20.0) {
		t.Errorf("RiskAmount = %v, want 20.0", rec.RiskAmount)
	}
	if rec.RMultiple == nil || !almostEqual(*rec.RMultiple, 1.0) {
		t.Errorf("RMultiple = %v, want 1.0", rec.RMultiple)
	}
	if rec.RiskReward == nil || !almostEqual(*rec.RiskReward, 2.5) {
		t.Errorf("RiskReward = %v, want 2.5", rec.RiskReward)
	}

	ev := waitEvent(t, events)
	if ev.Type != EventTradeClosed || ev.Ticket != 1 || ev.UserID != testUser {
		t.Errorf("event = %s #%d for %s, want trade_closed #1 for %s", ev.Type, ev.Ticket, ev.UserID, testUser)
	}
	if ev.Trade == nil || ev.Trade.ExternalID != rec.ExternalID {
		t.Errorf("event payload = %+v, want the emitted record", ev.Trade)
	}
	if ev.Snapshot != nil {
		t.Error("trade_closed event should not carry a snapshot")
	}

	// The ticket left the snapshot map, so the checkpoint for the user is
	// gone too.
	if _, err := store.LoadSnapshots(testUser); !errors.Is(err, storage.ErrNoSnapshots) {
		t.Errorf("LoadSnapshots after closure = %v, want ErrNoSnapshots", err)
	}
}

func TestManager_OrdersFallbackMergesSnapshot(t *testing.T) {
	sim := simWithAccount()
	pos := openPosition(2)
	sim.QueuePositions(testLogin, pos)
	sim.QueuePositions(testLogin)

	// Only the entry deal is in history: the deals source finds no exit
	// and fails, the orders source recovers the exit but knows nothing
	// about the entry side.
	now := time.Now()
	sim.AddDeal(models.Deal{
		Ticket:     21,
		Order:      22,
		PositionID: 2,
		Symbol:     "EURUSD",
		Type:       models.DealTypeBuy,
		Entry:      models.DealEntryIn,
		Volume:     0.1,
		Price:      1.1000,
		Time:       now.Add(-10 * time.Minute).Unix(),
		Commission: -0.5,
	})
	sim.AddOrder(models.Order{
		Ticket:       23,
		PositionID:   2,
		Symbol:       "EURUSD",
		SL:           1.0950,
		TP:           1.1100,
		PriceCurrent: 1.1033,
		TimeDone:     now.Add(-time.Minute).Unix(),
	})

	cfg := fastConfig()
	m := newTestEngine(t, sim, nil, cfg)
	m.Start()

	recorder := &callbackRecorder{}
	ctx := context.Background()
	if _, err := m.GetPositions(ctx, testUser, testCreds(), "", recorder.callback); err != nil {
		t.Fatalf("first GetPositions failed: %v", err)
	}
	expireCache(cfg)
	if _, err := m.GetPositions(ctx, testUser, testCreds(), "", recorder.callback); err != nil {
		t.Fatalf("second GetPositions failed: %v", err)
	}

	records := recorder.all()
	if len(records) != 1 {
		t.Fatalf("callback fired %d times, want 1", len(records))
	}
	rec := records[0]

	if rec.Source != models.SourceHistoryOrders || rec.Accuracy != models.AccuracyOrders {
		t.Fatalf("source = %s/%s, want the orders fallback", rec.Source, rec.Accuracy)
	}
	// Entry-side fields come from the last open snapshot.
	if rec.Symbol != pos.Symbol || rec.Side != models.SideBuy || rec.Volume != pos.Volume {
		t.Errorf("snapshot fallback = %s %s %v, want %s buy %v", rec.Symbol, rec.Side, rec.Volume, pos.Symbol, pos.Volume)
	}
	if rec.EntryPrice != pos.PriceOpen {
		t.Errorf("EntryPrice = %v, want snapshot open price %v", rec.EntryPrice, pos.PriceOpen)
	}
	if !rec.EntryTime.Equal(time.Unix(pos.Time, 0).UTC()) {
		t.Errorf("EntryTime = %v, want snapshot open time %v", rec.EntryTime, time.Unix(pos.Time, 0).UTC())
	}
	if rec.ExitPrice != 1.1033 {
		t.Errorf("ExitPrice = %v, want order price 1.1033", rec.ExitPrice)
	}
	if rec.StopLoss == nil || *rec.StopLoss != 1.0950 || rec.TakeProfit == nil || *rec.TakeProfit != 1.1100 {
		t.Errorf("levels = %v/%v, want 1.0950/1.1100", rec.StopLoss, rec.TakeProfit)
	}
	if !almostEqual(rec.NetPnL, -0.5) {
		t.Errorf("NetPnL = %v, want -0.5 (entry commission only)", rec.NetPnL)
	}
}

func TestManager_RetryAcrossCycles(t *testing.T) {
	sim := simWithAccount()
	sim.QueuePositions(testLogin, openPosition(1))
	sim.QueuePositions(testLogin)

	cfg := fastConfig()
	store := storage.NewMemoryStorage()
	m := newTestEngine(t, sim, store, cfg)
	m.Start()

	recorder := &callbackRecorder{}
	ctx := context.Background()
	if _, err := m.GetPositions(ctx, testUser, testCreds(), "", recorder.callback); err != nil {
		t.Fatalf("first GetPositions failed: %v", err)
	}

	// History is empty: the fetcher exhausts its attempts and the ticket
	// is carried over instead of being dropped or emitted.
	expireCache(cfg)
	if _, err := m.GetPositions(ctx, testUser, testCreds(), "", recorder.callback); err != nil {
		t.Fatalf("second GetPositions failed: %v", err)
	}
	if n := len(recorder.all()); n != 0 {
		t.Fatalf("callback fired %d times before history synced", n)
	}
	snaps, err := store.LoadSnapshots(testUser)
	if err != nil {
		t.Fatalf("LoadSnapshots after failed fetch: %v", err)
	}
	snap, ok := snaps[1]
	if !ok {
		t.Fatal("ticket 1 not carried over after failed fetch")
	}
	if snap.FailedFetches != 1 {
		t.Errorf("FailedFetches = %d, want 1", snap.FailedFetches)
	}

	// Once the terminal syncs, the next cycle retries and delivers the
	// trade exactly once.
	addClosureHistory(sim, 1)
	expireCache(cfg)
	if _, err := m.GetPositions(ctx, testUser, testCreds(), "", recorder.callback); err != nil {
		t.Fatalf("third GetPositions failed: %v", err)
	}
	records := recorder.all()
	if len(records) != 1 {
		t.Fatalf("callback fired %d times, want exactly 1", len(records))
	}
	if records[0].Ticket != 1 || records[0].Source != models.SourceHistoryDeals {
		t.Errorf("record = #%d via %s, want #1 via deals", records[0].Ticket, records[0].Source)
	}
	if _, err := store.LoadSnapshots(testUser); !errors.Is(err, storage.ErrNoSnapshots) {
		t.Errorf("ticket still checkpointed after delivery: %v", err)
	}
}

func TestManager_ClosedUnknownAfterLimit(t *testing.T) {
	sim := simWithAccount()
	sim.QueuePositions(testLogin, openPosition(7))
	sim.QueuePositions(testLogin)

	cfg := fastConfig()
	cfg.CarryoverLimit = 2
	store := storage.NewMemoryStorage()
	m := newTestEngine(t, sim, store, cfg)
	m.Start()

	events := make(chan TradeEvent, 4)
	sub := m.SubscribeTrades(events)
	defer sub.Unsubscribe()

	ctx := context.Background()
	if _, err := m.GetPositions(ctx, testUser, testCreds(), "", nil); err != nil {
		t.Fatalf("first GetPositions failed: %v", err)
	}

	// Two cycles of fetch failures reach the ceiling.
	expireCache(cfg)
	if _, err := m.GetPositions(ctx, testUser, testCreds(), "", nil); err != nil {
		t.Fatalf("second GetPositions failed: %v", err)
	}
	expireCache(cfg)
	if _, err := m.GetPositions(ctx, testUser, testCreds(), "", nil); err != nil {
		t.Fatalf("third GetPositions failed: %v", err)
	}

	ev := waitEvent(t, events)
	if ev.Type != EventClosedUnknown || ev.Ticket != 7 {
		t.Fatalf("event = %s #%d, want closed_unknown #7", ev.Type, ev.Ticket)
	}
	if ev.Trade != nil {
		t.Error("closed_unknown event should not carry a trade record")
	}
	if ev.Snapshot == nil || ev.Snapshot.Ticket != 7 {
		t.Fatalf("event snapshot = %+v, want the last open state of #7", ev.Snapshot)
	}
	if ev.Snapshot.FailedFetches != 2 {
		t.Errorf("snapshot FailedFetches = %d, want 2", ev.Snapshot.FailedFetches)
	}

	// The ticket is gone: no checkpoint and no further events.
	if _, err := store.LoadSnapshots(testUser); !errors.Is(err, storage.ErrNoSnapshots) {
		t.Errorf("LoadSnapshots after drop = %v, want ErrNoSnapshots", err)
	}
	expireCache(cfg)
	if _, err := m.GetPositions(ctx, testUser, testCreds(), "", nil); err != nil {
		t.Fatalf("fourth GetPositions failed: %v", err)
	}
	if n := len(events); n != 0 {
		t.Errorf("%d extra events after the ticket was dropped", n)
	}
}

func TestManager_QueueFullFallsThrough(t *testing.T) {
	sim := simWithAccount()
	cfg := fastConfig()
	cfg.QueueSize = 2
	cfg.PollTimeout = 40 * time.Millisecond
	// Worker never started: requests stay queued and callers time out.
	m := newTestEngine(t, sim, nil, cfg)

	ctx := context.Background()
	for i, user := range []string{"u1", "u2", "u3"} {
		positions, err := m.GetPositions(ctx, user, testCreds(), "", nil)
		if err != nil {
			t.Fatalf("caller %d: GetPositions returned error %v, want none", i+1, err)
		}
		if len(positions) != 0 {
			t.Fatalf("caller %d: got %d positions, want an empty list", i+1, len(positions))
		}
	}

	if depth := m.Status().QueueDepth; depth != 2 {
		t.Errorf("QueueDepth = %d, want 2 (third enqueue rejected)", depth)
	}
}

func TestManager_BadCredentialsTimeout(t *testing.T) {
	sim := simWithAccount()
	cfg := fastConfig()
	cfg.PollTimeout = 60 * time.Millisecond
	m := newTestEngine(t, sim, nil, cfg)
	m.Start()

	creds := models.Credentials{Login: testLogin, Password: "nope", Server: testServer}
	positions, err := m.GetPositions(context.Background(), testUser, creds, "", nil)
	if err != nil {
		t.Fatalf("GetPositions returned error %v, want none", err)
	}
	if len(positions) != 0 {
		t.Fatalf("got %d positions with bad credentials, want empty", len(positions))
	}
	if n := sim.Counts().Login; n != 1 {
		t.Errorf("Login attempts = %d, want 1", n)
	}
	if users := m.Status().CachedUsers; users != 0 {
		t.Errorf("CachedUsers = %d, want 0 (no cache write on auth failure)", users)
	}
}

func TestManager_CanceledCallerContext(t *testing.T) {
	sim := simWithAccount()
	m := newTestEngine(t, sim, nil, fastConfig())
	// Worker off so the cache never fills.

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.GetPositions(ctx, testUser, testCreds(), "", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("GetPositions = %v, want context.Canceled", err)
	}
	if _, err := m.Account(ctx, testCreds()); !errors.Is(err, context.Canceled) {
		t.Errorf("Account = %v, want context.Canceled", err)
	}
}

func TestManager_Account(t *testing.T) {
	sim := simWithAccount()
	cfg := fastConfig()
	cfg.CacheTTL = 500 * time.Millisecond
	m := newTestEngine(t, sim, nil, cfg)
	m.Start()

	ctx := context.Background()
	info, err := m.Account(ctx, testCreds())
	if err != nil {
		t.Fatalf("Account failed: %v", err)
	}
	if info.Login != testLogin || info.Balance != 10000 || info.Currency != "USD" {
		t.Errorf("Account = %+v, want login %d balance 10000 USD", info, testLogin)
	}

	if _, err := m.Account(ctx, testCreds()); err != nil {
		t.Fatalf("second Account failed: %v", err)
	}
	if n := sim.Counts().Account; n != 1 {
		t.Errorf("AccountInfo calls = %d, want 1 (second served from cache)", n)
	}

	// Unknown login is rejected by the terminal; the cached error reaches
	// the caller instead of a timeout.
	bad := models.Credentials{Login: 9999, Password: "whatever", Server: testServer}
	if _, err := m.Account(ctx, bad); !errors.Is(err, driver.ErrAuthFailed) {
		t.Errorf("Account with unknown login = %v, want ErrAuthFailed", err)
	}
}

func TestManager_TradeHistory(t *testing.T) {
	sim := simWithAccount()
	now := time.Now()
	sim.AddDeal(models.Deal{
		Ticket:     71,
		Order:      700,
		PositionID: 70,
		Symbol:     "GBPUSD",
		Type:       models.DealTypeBuy,
		Entry:      models.DealEntryIn,
		Volume:     0.2,
		Price:      1.2500,
		Time:       now.Add(-48 * time.Hour).Unix(),
		Commission: -0.6,
	})
	sim.AddDeal(models.Deal{
		Ticket:     72,
		Order:      700,
		PositionID: 70,
		Symbol:     "GBPUSD",
		Type:       models.DealTypeSell,
		Entry:      models.DealEntryOut,
		Volume:     0.2,
		Price:      1.2550,
		Time:       now.Add(-47 * time.Hour).Unix(),
		Profit:     100.0,
		Commission: -0.6,
		Swap:       -1.2,
	})

	m := newTestEngine(t, sim, nil, fastConfig())
	m.Start()

	ctx := context.Background()
	trades, err := m.TradeHistory(ctx, testCreds(), 30)
	if err != nil {
		t.Fatalf("TradeHistory failed: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("TradeHistory returned %d trades, want 1", len(trades))
	}
	trade := trades[0]
	if trade.Order != 700 || trade.Symbol != "GBPUSD" || trade.Type != models.SideBuy {
		t.Errorf("trade = %+v, want order 700 GBPUSD buy", trade)
	}
	if trade.EntryPrice != 1.2500 || trade.ExitPrice != 1.2550 {
		t.Errorf("prices = %v -> %v, want 1.2500 -> 1.2550", trade.EntryPrice, trade.ExitPrice)
	}
	if trade.Profit != 100.0 || !almostEqual(trade.Commission, -1.2) || !almostEqual(trade.Swap, -1.2) {
		t.Errorf("financials = %v/%v/%v, want 100.0/-1.2/-1.2", trade.Profit, trade.Commission, trade.Swap)
	}

	// A non-positive window falls back to the default 30 days.
	again, err := m.TradeHistory(ctx, testCreds(), 0)
	if err != nil {
		t.Fatalf("TradeHistory with default window failed: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("default window returned %d trades, want 1", len(again))
	}
	if n := sim.Counts().Deals; n != 2 {
		t.Errorf("HistoryDeals calls = %d, want 2", n)
	}
}

func TestManager_CheckpointRestore(t *testing.T) {
	store := storage.NewMemoryStorage()
	cfg := fastConfig()

	// First process: one open position, checkpointed, then stopped.
	simA := simWithAccount()
	simA.QueuePositions(testLogin, openPosition(1))
	a := newTestEngine(t, simA, store, cfg)
	a.Start()
	if _, err := a.GetPositions(context.Background(), testUser, testCreds(), "", nil); err != nil {
		t.Fatalf("GetPositions before restart failed: %v", err)
	}
	a.Stop()

	// Second process: the position is gone and history has the closure.
	// The restored snapshot map is the only way to notice it closed.
	simB := simWithAccount()
	simB.QueuePositions(testLogin)
	addClosureHistory(simB, 1)
	b := newTestEngine(t, simB, store, cfg)
	b.Start()

	events := make(chan TradeEvent, 4)
	sub := b.SubscribeTrades(events)
	defer sub.Unsubscribe()

	recorder := &callbackRecorder{}
	if _, err := b.GetPositions(context.Background(), testUser, testCreds(), "", recorder.callback); err != nil {
		t.Fatalf("GetPositions after restart failed: %v", err)
	}

	records := recorder.all()
	if len(records) != 1 {
		t.Fatalf("callback fired %d times after restart, want 1", len(records))
	}
	if records[0].Ticket != 1 || records[0].ExternalID != "mt5_1" {
		t.Errorf("record = #%d %s, want #1 mt5_1", records[0].Ticket, records[0].ExternalID)
	}
	ev := waitEvent(t, events)
	if ev.Type != EventTradeClosed || ev.Ticket != 1 {
		t.Errorf("event = %s #%d, want trade_closed #1", ev.Type, ev.Ticket)
	}
}

func TestManager_FIFOAcrossUsers(t *testing.T) {
	sim := driver.NewSim()
	sim.SetAccount(models.AccountInfo{Login: 5001, Server: testServer, Balance: 100}, "a")
	sim.SetAccount(models.AccountInfo{Login: 5002, Server: testServer, Balance: 200}, "b")
	posA := openPosition(11)
	posB := openPosition(22)
	sim.QueuePositions(5001, posA)
	sim.QueuePositions(5002, posB)

	m := newTestEngine(t, sim, nil, fastConfig())

	// Enqueue both before the worker starts so the order is fixed.
	reqA := &PollRequest{Kind: KindPositions, UserID: "u1", Credentials: models.Credentials{Login: 5001, Password: "a", Server: testServer}}
	reqB := &PollRequest{Kind: KindPositions, UserID: "u2", Credentials: models.Credentials{Login: 5002, Password: "b", Server: testServer}}
	if err := m.enqueue(reqA); err != nil {
		t.Fatalf("enqueue u1: %v", err)
	}
	if err := m.enqueue(reqB); err != nil {
		t.Fatalf("enqueue u2: %v", err)
	}
	m.Start()

	atA := waitCached(t, m, "u1")
	atB := waitCached(t, m, "u2")
	if atA.After(atB) {
		t.Errorf("u2 processed before u1: %v vs %v", atA, atB)
	}

	// Each user's cache holds only their own tickets.
	m.mu.RLock()
	gotA := m.cache["u1"].positions
	gotB := m.cache["u2"].positions
	m.mu.RUnlock()
	if len(gotA) != 1 || gotA[0].Ticket != 11 {
		t.Errorf("u1 cache = %+v, want ticket 11", gotA)
	}
	if len(gotB) != 1 || gotB[0].Ticket != 22 {
		t.Errorf("u2 cache = %+v, want ticket 22", gotB)
	}
}

func waitCached(t *testing.T, m *Manager, userID string) time.Time {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.RLock()
		entry, ok := m.cache[userID]
		m.mu.RUnlock()
		if ok {
			return entry.at
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no cache entry for %s within 2s", userID)
	return time.Time{}
}

func TestManager_Lifecycle(t *testing.T) {
	t.Run("stop before start", func(t *testing.T) {
		m := newTestEngine(t, simWithAccount(), nil, fastConfig())
		m.Stop()
		if m.Status().Running {
			t.Error("Running = true for a never-started engine")
		}
	})

	t.Run("start and stop are idempotent", func(t *testing.T) {
		m := newTestEngine(t, simWithAccount(), nil, fastConfig())
		m.Start()
		m.Start()
		if !m.Status().Running {
			t.Fatal("Running = false after Start")
		}
		m.Stop()
		m.Stop()
		if m.Status().Running {
			t.Error("Running = true after Stop")
		}
	})
}

func TestManager_CallbackPanicIsRecovered(t *testing.T) {
	sim := simWithAccount()
	sim.QueuePositions(testLogin, openPosition(1))
	sim.QueuePositions(testLogin)
	addClosureHistory(sim, 1)

	cfg := fastConfig()
	store := storage.NewMemoryStorage()
	m := newTestEngine(t, sim, store, cfg)
	m.Start()

	recorder := &callbackRecorder{panics: true}
	events := make(chan TradeEvent, 4)
	sub := m.SubscribeTrades(events)
	defer sub.Unsubscribe()

	ctx := context.Background()
	if _, err := m.GetPositions(ctx, testUser, testCreds(), "", recorder.callback); err != nil {
		t.Fatalf("first GetPositions failed: %v", err)
	}
	expireCache(cfg)
	if _, err := m.GetPositions(ctx, testUser, testCreds(), "", recorder.callback); err != nil {
		t.Fatalf("second GetPositions failed: %v", err)
	}

	// The event fired, the ticket counts as delivered, and the worker
	// survived the panic.
	ev := waitEvent(t, events)
	if ev.Type != EventTradeClosed {
		t.Errorf("event = %s, want trade_closed", ev.Type)
	}
	if _, err := store.LoadSnapshots(testUser); !errors.Is(err, storage.ErrNoSnapshots) {
		t.Errorf("ticket retained after panicking callback: %v", err)
	}
	expireCache(cfg)
	if _, err := m.GetPositions(ctx, testUser, testCreds(), "", nil); err != nil {
		t.Fatalf("worker did not survive the callback panic: %v", err)
	}
}

func TestManager_CallbackErrorCountsAsDelivered(t *testing.T) {
	sim := simWithAccount()
	sim.QueuePositions(testLogin, openPosition(1))
	sim.QueuePositions(testLogin)
	addClosureHistory(sim, 1)

	cfg := fastConfig()
	m := newTestEngine(t, sim, nil, cfg)
	m.Start()

	recorder := &callbackRecorder{err: errors.New("consumer rejected the trade")}
	ctx := context.Background()
	if _, err := m.GetPositions(ctx, testUser, testCreds(), "", recorder.callback); err != nil {
		t.Fatalf("first GetPositions failed: %v", err)
	}
	expireCache(cfg)
	if _, err := m.GetPositions(ctx, testUser, testCreds(), "", recorder.callback); err != nil {
		t.Fatalf("second GetPositions failed: %v", err)
	}
	expireCache(cfg)
	if _, err := m.GetPositions(ctx, testUser, testCreds(), "", recorder.callback); err != nil {
		t.Fatalf("third GetPositions failed: %v", err)
	}

	// Delivery is best-effort: the erroring callback ran once and the
	// ticket was not retried.
	if n := len(recorder.all()); n != 1 {
		t.Errorf("callback invocations = %d, want 1", n)
	}
}
