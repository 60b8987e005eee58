package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/mt5-bridge/internal/driver"
	"github.com/eddiefleurent/mt5-bridge/internal/history"
	"github.com/eddiefleurent/mt5-bridge/internal/metrics"
	"github.com/eddiefleurent/mt5-bridge/internal/models"
	"github.com/eddiefleurent/mt5-bridge/internal/risk"
)

// run is the worker loop. It is the only goroutine that touches the driver,
// the fetcher, and the snapshot maps. The native terminal bindings need a
// stable OS thread, so the goroutine is pinned for its lifetime.
//
// Handled failures (init, login, rejected requests) are logged inside
// processing and the loop moves on immediately. Anything unhandled is
// logged here and the worker backs off briefly; it never exits on error.
func (m *Manager) run() {
	runtime.LockOSThread()
	defer close(m.done)

	m.logger.Info("Engine worker started")
	for {
		select {
		case <-m.stop:
			m.logger.Info("Engine worker stopped")
			return
		case req := <-m.queue:
			metrics.SetQueueDepth(len(m.queue))
			if err := m.process(req); err != nil {
				m.logger.WithError(err).WithFields(logrus.Fields{
					"request_id": req.ID,
					"user_id":    req.UserID,
					"kind":       req.Kind,
				}).Error("Request processing failed")
				m.sleepStopAware(m.cfg.ErrorSleep)
			}
		case <-time.After(m.cfg.IdleTick):
		}
	}
}

func (m *Manager) sleepStopAware(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.stop:
	case <-timer.C:
	}
}

func (m *Manager) process(req *PollRequest) error {
	switch req.Kind {
	case KindAccount:
		return m.processAccount(req)
	case KindHistory:
		return m.processHistory(req)
	default:
		return m.processPoll(req)
	}
}

// session runs fn inside an initialize/login/shutdown bracket. Init and
// login failures are terminal for the request and come back classified so
// callers can log and count them; shutdown always runs once init succeeded.
func (m *Manager) session(ctx context.Context, creds models.Credentials, fn func(ctx context.Context) error) error {
	if err := m.driver.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		if err := m.driver.Shutdown(ctx); err != nil {
			m.logger.WithError(err).Warn("Terminal shutdown failed")
		}
	}()

	if err := m.driver.Login(ctx, creds.Login, creds.Password, creds.Server); err != nil {
		return err
	}
	return fn(ctx)
}

// pollResult classifies a request outcome for the polls counter.
func pollResult(err error) string {
	switch {
	case err == nil:
		return metrics.PollSuccess
	case errors.Is(err, driver.ErrInitFailed):
		return metrics.PollInitError
	case errors.Is(err, driver.ErrAuthFailed):
		return metrics.PollAuthError
	default:
		return metrics.PollError
	}
}

// processPoll runs one positions poll for one user: snapshot the open set,
// diff it against the previous snapshot map, reconstruct whatever closed,
// then install the new map and refresh the read-through cache. Init and
// login failures abort without touching the cache, so waiting callers fall
// back to the previous entry or time out.
func (m *Manager) processPoll(req *PollRequest) error {
	start := time.Now()
	ctx := context.Background()
	log := m.logger.WithFields(logrus.Fields{
		"user_id":    req.UserID,
		"request_id": req.ID,
	})
	log.Info("Processing poll request")

	err := m.session(ctx, req.Credentials, func(ctx context.Context) error {
		positions, err := m.driver.Positions(ctx)
		if err != nil {
			return fmt.Errorf("positions for %s: %w", req.UserID, err)
		}

		current := make(map[int64]models.PositionSnapshot, len(positions))
		formatted := make([]models.OpenPosition, 0, len(positions))
		for i := range positions {
			snap := models.NewPositionSnapshot(positions[i])
			current[snap.Ticket] = *snap
			formatted = append(formatted, snap.Formatted())
		}

		previous := m.snapshots[req.UserID]
		closed := make([]int64, 0)
		for ticket := range previous {
			if _, open := current[ticket]; !open {
				closed = append(closed, ticket)
			}
		}
		sort.Slice(closed, func(i, j int) bool { return closed[i] < closed[j] })

		if len(closed) > 0 {
			log.WithField("tickets", closed).Info("Detected closed positions")
		}

		for _, ticket := range closed {
			snap := previous[ticket]
			if m.handleClosedPosition(ctx, req, ticket, snap) {
				continue
			}
			snap.FailedFetches++
			if snap.FailedFetches >= m.cfg.CarryoverLimit {
				m.emitClosedUnknown(req.UserID, ticket, snap)
				continue
			}
			// Keep the stale snapshot so the next cycle sees the
			// ticket as closed again and retries the fetch.
			current[ticket] = snap
		}

		m.snapshots[req.UserID] = current
		m.checkpoint(req.UserID, current)
		m.writeCache(req.UserID, formatted)
		return nil
	})

	result := pollResult(err)
	metrics.IncPoll(result)
	switch result {
	case metrics.PollInitError:
		log.WithError(err).Error("Terminal initialization failed")
		return nil
	case metrics.PollAuthError:
		log.WithError(err).Error("Terminal login failed")
		return nil
	case metrics.PollError:
		return err
	}

	elapsed := time.Since(start)
	metrics.ObservePollDuration(elapsed)
	log.WithField("elapsed", elapsed.Round(time.Millisecond).String()).Info("Poll completed")
	return nil
}

// handleClosedPosition reconstructs one closed ticket from history and, on
// success, emits the trade on the feed and the per-request callback. It
// reports whether the trade was delivered; an undelivered ticket stays in
// the snapshot map for the next cycle.
func (m *Manager) handleClosedPosition(ctx context.Context, req *PollRequest, ticket int64, snap models.PositionSnapshot) bool {
	log := m.logger.WithFields(logrus.Fields{
		"user_id": req.UserID,
		"ticket":  ticket,
	})
	log.Info("Reconstructing closed position")

	data, err := m.fetcher.ClosedPositionData(ctx, ticket)
	if err != nil {
		log.WithError(err).Warn("No history data yet, will retry next cycle")
		return false
	}

	record := buildTradeRecord(req, ticket, snap, data)
	risk.Apply(&record)

	log.WithFields(logrus.Fields{
		"symbol":   record.Symbol,
		"net_pnl":  record.NetPnL,
		"source":   record.Source,
		"accuracy": record.Accuracy,
	}).Info("Trade closed")

	m.feed.Send(TradeEvent{
		Type:   EventTradeClosed,
		UserID: req.UserID,
		Ticket: ticket,
		Trade:  &record,
		Time:   m.now(),
	})
	metrics.IncTradeClosed(record.Source)

	if req.OnTradeClosed != nil {
		m.invokeCallback(req, record)
	}
	return true
}

// buildTradeRecord merges fetched history data with the last open snapshot.
// The orders source cannot recover entry-side fields, so the snapshot
// stands in for whatever the fetcher left empty. Stop levels come from the
// fetcher as found: an unset stop stays unset.
func buildTradeRecord(req *PollRequest, ticket int64, snap models.PositionSnapshot, data *history.TradeData) models.TradeRecord {
	record := models.TradeRecord{
		ExternalID: models.ExternalTradeID(ticket),
		UserID:     req.UserID,
		AccountID:  req.AccountID,
		Ticket:     ticket,
		Symbol:     data.Symbol,
		Side:       data.Side,
		Volume:     data.Volume,
		EntryPrice: data.EntryPrice,
		EntryTime:  data.EntryTime,
		ExitPrice:  data.ExitPrice,
		ExitTime:   data.ExitTime,
		GrossPnL:   data.Profit,
		Commission: data.Commission,
		Swap:       data.Swap,
		StopLoss:   data.StopLoss,
		TakeProfit: data.TakeProfit,
		Status:     models.TradeStatusClosed,
		Source:     data.Source,
		Accuracy:   data.Accuracy,
	}
	if record.Symbol == "" {
		record.Symbol = snap.Symbol
	}
	if record.Side == "" {
		record.Side = snap.Side
	}
	if record.Volume == 0 {
		record.Volume = snap.Volume
	}
	if record.EntryPrice == 0 {
		record.EntryPrice = snap.PriceOpen
	}
	if record.EntryTime.IsZero() {
		record.EntryTime = snap.OpenTime
	}
	record.NetPnL = record.GrossPnL + record.Commission + record.Swap
	return record
}

// emitClosedUnknown announces a ticket that exhausted its carryover budget.
// The last open snapshot is the only data anyone will ever get for it.
func (m *Manager) emitClosedUnknown(userID string, ticket int64, snap models.PositionSnapshot) {
	m.logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"ticket":   ticket,
		"attempts": snap.FailedFetches,
	}).Warn("Dropping closed position without history data")

	m.feed.Send(TradeEvent{
		Type:     EventClosedUnknown,
		UserID:   userID,
		Ticket:   ticket,
		Snapshot: &snap,
		Time:     m.now(),
	})
	metrics.IncClosedUnknown()
}

// invokeCallback delivers a record to the per-request callback. Errors and
// panics are logged and swallowed: delivery is best-effort and the ticket
// is not retried, so consumers must dedupe on ExternalID.
func (m *Manager) invokeCallback(req *PollRequest, record models.TradeRecord) {
	log := m.logger.WithFields(logrus.Fields{
		"user_id": req.UserID,
		"ticket":  record.Ticket,
	})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Trade callback panicked")
		}
	}()
	if err := req.OnTradeClosed(record); err != nil {
		log.WithError(err).Error("Trade callback failed")
	}
}

func (m *Manager) checkpoint(userID string, snaps map[int64]models.PositionSnapshot) {
	if err := m.store.SaveSnapshots(userID, snaps); err != nil {
		m.logger.WithError(err).WithField("user_id", userID).Warn("Snapshot checkpoint failed")
	}
}

// processAccount fetches the account summary and writes the result, error
// included, to the account cache so waiting callers see a rejected login
// immediately instead of timing out.
func (m *Manager) processAccount(req *PollRequest) error {
	var info models.AccountInfo
	err := m.session(context.Background(), req.Credentials, func(ctx context.Context) error {
		var err error
		info, err = m.driver.AccountInfo(ctx)
		return err
	})

	m.writeAccount(req.UserID, info, err)
	metrics.IncPoll(pollResult(err))
	if err != nil {
		m.logger.WithError(err).WithField("connection", req.UserID).Error("Account fetch failed")
	}
	return nil
}

// processHistory fetches and groups the trade history window. The result,
// error included, goes back on the request's buffered reply channel; a
// caller that already timed out simply never receives it.
func (m *Manager) processHistory(req *PollRequest) error {
	var trades []models.GroupedTrade
	err := m.session(context.Background(), req.Credentials, func(ctx context.Context) error {
		to := m.now()
		from := to.AddDate(0, 0, -req.days)
		deals, err := m.driver.HistoryDeals(ctx, from, to)
		if err != nil {
			return fmt.Errorf("history deals: %w", err)
		}
		trades = models.GroupTrades(deals)
		return nil
	})

	req.reply <- historyReply{trades: trades, err: err}
	metrics.IncPoll(pollResult(err))
	if err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"connection": req.UserID,
			"days":       req.days,
		}).Error("History fetch failed")
	}
	return nil
}
