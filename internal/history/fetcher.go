// Package history reconstructs closed trades from the terminal's deal and
// order history. The terminal syncs history lazily, so a position that
// closed seconds ago may not be visible yet; the fetcher warms the history
// cache and retries with progressive backoff until the trade shows up.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/mt5-bridge/internal/driver"
	"github.com/eddiefleurent/mt5-bridge/internal/metrics"
	"github.com/eddiefleurent/mt5-bridge/internal/models"
	"github.com/eddiefleurent/mt5-bridge/internal/retry"
)

// ErrNotFound means the trade could not be reconstructed from history after
// all retry attempts.
var ErrNotFound = errors.New("trade data not found in history")

// TradeData is the reconstructed record of a closed trade. Fields the source
// could not supply are left at their zero value; the engine fills those from
// the last open-position snapshot. Stop and target levels are always
// populated by the fetcher, possibly as nil.
type TradeData struct {
	Source   string
	Accuracy string

	Symbol     string
	Side       models.Side
	Volume     float64
	EntryPrice float64
	EntryTime  time.Time

	ExitPrice float64
	ExitTime  time.Time

	Profit     float64
	Commission float64
	Swap       float64

	StopLoss   *float64
	TakeProfit *float64
}

// Config tunes the fetcher's windows and retry behavior.
type Config struct {
	// MaxRetries is the number of full fetch attempts per closed ticket.
	MaxRetries int
	// BackoffUnit scales the wait between attempts: attempt n sleeps n
	// units before attempt n+1.
	BackoffUnit time.Duration
	// DealsWindow is how far back the deal scan looks for the closure.
	DealsWindow time.Duration
	// EntryBackfill is how far back the entry search goes when the entry
	// deal predates the deals window.
	EntryBackfill time.Duration
	// StopScan is how far back the order scan looks for stop levels.
	StopScan time.Duration
	// WarmupInterval is the minimum spacing between cache warmups.
	WarmupInterval time.Duration
	// WarmupRange is how much history a warmup requests.
	WarmupRange time.Duration
	// SettleDelay is how long to wait after a warmup so the terminal can
	// finish refreshing its cache.
	SettleDelay time.Duration
}

// DefaultConfig returns the production fetcher tuning.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		BackoffUnit:    3 * time.Second,
		DealsWindow:    30 * time.Minute,
		EntryBackfill:  7 * 24 * time.Hour,
		StopScan:       time.Hour,
		WarmupInterval: 30 * time.Second,
		WarmupRange:    90 * 24 * time.Hour,
		SettleDelay:    300 * time.Millisecond,
	}
}

// Fetcher reconstructs closed trades from terminal history. It is not safe
// for concurrent use; the engine's single worker serializes access, which
// also keeps the underlying terminal session single-threaded.
type Fetcher struct {
	driver  driver.Driver
	logger  *logrus.Logger
	cfg     Config
	backoff retry.Policy
	now     func() time.Time

	lastWarmup time.Time
}

// NewFetcher creates a fetcher over drv with the given tuning.
func NewFetcher(drv driver.Driver, logger *logrus.Logger, cfg Config) *Fetcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Fetcher{
		driver:  drv,
		logger:  logger,
		cfg:     cfg,
		backoff: retry.Linear{Unit: cfg.BackoffUnit},
		now:     time.Now,
	}
}

// WithClock replaces the fetcher's clock and returns the fetcher.
func (f *Fetcher) WithClock(now func() time.Time) *Fetcher {
	f.now = now
	return f
}

// ClosedPositionData reconstructs the closed trade behind ticket. Deal
// history is tried first (exact), order history second (the exit price is
// the order's last known price, so slightly less trustworthy). Returns
// ErrNotFound when the trade never appeared within the retry budget; any
// other error means the context ended first.
func (f *Fetcher) ClosedPositionData(ctx context.Context, ticket int64) (*TradeData, error) {
	data, ok, err := retry.Do(ctx, f.cfg.MaxRetries, f.backoff, func(attempt int) (*TradeData, bool) {
		if attempt > 1 {
			metrics.IncFetchRetry()
		}
		f.logger.WithFields(logrus.Fields{
			"ticket":  ticket,
			"attempt": attempt,
			"retries": f.cfg.MaxRetries,
		}).Info("fetching closed position data")

		f.warmCache(ctx)

		if d := f.fromDeals(ctx, ticket); d != nil {
			f.logger.WithField("ticket", ticket).Info("trade found in deal history")
			return d, true
		}
		if d := f.fromOrders(ctx, ticket); d != nil {
			f.logger.WithField("ticket", ticket).Info("trade found in order history")
			return d, true
		}
		return nil, false
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		f.logger.WithFields(logrus.Fields{
			"ticket":  ticket,
			"retries": f.cfg.MaxRetries,
		}).Error("trade data not found after retries")
		return nil, ErrNotFound
	}
	return data, nil
}

// warmCache forces the terminal to refresh its history cache by requesting a
// large date range. Warmups are rate limited so back-to-back closures share
// one refresh.
func (f *Fetcher) warmCache(ctx context.Context) {
	now := f.now()
	if !f.lastWarmup.IsZero() && now.Sub(f.lastWarmup) < f.cfg.WarmupInterval {
		return
	}

	f.logger.Info("warming terminal history cache")
	deals, err := f.driver.HistoryDeals(ctx, now.Add(-f.cfg.WarmupRange), now)
	if err != nil {
		f.logger.WithError(err).Error("history cache warmup failed")
		return
	}
	if len(deals) > 0 {
		f.logger.WithField("deals", len(deals)).Info("history cache warmed")
	} else {
		f.logger.Warn("no deals returned during warmup")
	}

	f.lastWarmup = now
	_ = retry.Sleep(ctx, f.cfg.SettleDelay)
}

// fromDeals reconstructs the trade from deal history. Every field is exact,
// including the true exit price and per-deal financials.
func (f *Fetcher) fromDeals(ctx context.Context, ticket int64) *TradeData {
	now := f.now()
	from := now.Add(-f.cfg.DealsWindow)

	deals, err := f.driver.HistoryDeals(ctx, from, now)
	if err != nil {
		f.logger.WithError(err).WithField("ticket", ticket).Warn("deal history fetch failed")
		return nil
	}
	if len(deals) == 0 {
		return nil
	}

	var entryDeal, exitDeal *models.Deal
	for i := range deals {
		d := &deals[i]
		if d.PositionID != ticket {
			continue
		}
		switch d.Entry {
		case models.DealEntryIn:
			entryDeal = d
		case models.DealEntryOut:
			exitDeal = d
		}
	}

	// The exit deal carries the closure; without it this source has nothing.
	if exitDeal == nil {
		return nil
	}

	// Positions opened before the deals window keep their entry deal in
	// older history.
	if entryDeal == nil {
		entryDeal = f.findOlderEntry(ctx, ticket, from)
	}

	data := &TradeData{
		Source:     models.SourceHistoryDeals,
		Accuracy:   models.AccuracyDeals,
		Symbol:     exitDeal.Symbol,
		Volume:     exitDeal.Volume,
		ExitPrice:  exitDeal.Price,
		ExitTime:   exitDeal.ExecutedAt(),
		Profit:     exitDeal.Profit,
		Swap:       exitDeal.Swap,
		Commission: exitDeal.Commission,
	}
	if entryDeal != nil {
		data.EntryPrice = entryDeal.Price
		data.EntryTime = entryDeal.ExecutedAt()
		data.Commission += entryDeal.Commission
		data.Side = entryDeal.Type.Side()
	}
	data.StopLoss, data.TakeProfit = f.stopLevels(ctx, ticket)
	return data
}

// findOlderEntry searches history before the deals window for the entry deal.
func (f *Fetcher) findOlderEntry(ctx context.Context, ticket int64, before time.Time) *models.Deal {
	olderFrom := f.now().Add(-f.cfg.EntryBackfill)
	deals, err := f.driver.HistoryDeals(ctx, olderFrom, before)
	if err != nil {
		f.logger.WithError(err).WithField("ticket", ticket).Warn("entry backfill fetch failed")
		return nil
	}
	for i := range deals {
		d := &deals[i]
		if d.PositionID == ticket && d.Entry == models.DealEntryIn {
			return d
		}
	}
	return nil
}

// fromOrders reconstructs the trade from order history. The exit price is
// the order's last known market price rather than the fill, so accuracy is
// slightly lower; financials still come from deals when available.
func (f *Fetcher) fromOrders(ctx context.Context, ticket int64) *TradeData {
	now := f.now()
	from := now.Add(-f.cfg.DealsWindow)

	orders, err := f.driver.HistoryOrders(ctx, from, now)
	if err != nil {
		f.logger.WithError(err).WithField("ticket", ticket).Warn("order history fetch failed")
		return nil
	}

	for i := range orders {
		o := &orders[i]
		if o.PositionID != ticket {
			continue
		}

		deals, err := f.driver.HistoryDeals(ctx, from, now)
		if err != nil {
			f.logger.WithError(err).WithField("ticket", ticket).Warn("deal financials fetch failed")
			return nil
		}
		var profit, commission, swap float64
		for _, d := range deals {
			if d.PositionID == ticket {
				profit += d.Profit
				commission += d.Commission
				swap += d.Swap
			}
		}

		return &TradeData{
			Source:     models.SourceHistoryOrders,
			Accuracy:   models.AccuracyOrders,
			ExitPrice:  o.PriceCurrent,
			ExitTime:   o.DoneAt(),
			Profit:     profit,
			Commission: commission,
			Swap:       swap,
			StopLoss:   models.OptionalLevel(o.SL),
			TakeProfit: models.OptionalLevel(o.TP),
		}
	}
	return nil
}

// stopLevels scans recent order history for the position's stop and target.
func (f *Fetcher) stopLevels(ctx context.Context, ticket int64) (*float64, *float64) {
	now := f.now()
	orders, err := f.driver.HistoryOrders(ctx, now.Add(-f.cfg.StopScan), now)
	if err != nil {
		f.logger.WithError(err).WithField("ticket", ticket).Warn("stop level scan failed")
		return nil, nil
	}
	for i := range orders {
		o := &orders[i]
		if o.PositionID == ticket {
			return models.OptionalLevel(o.SL), models.OptionalLevel(o.TP)
		}
	}
	return nil, nil
}
