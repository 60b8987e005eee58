package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/mt5-bridge/internal/driver"
	"github.com/eddiefleurent/mt5-bridge/internal/engine"
	"github.com/eddiefleurent/mt5-bridge/internal/history"
	"github.com/eddiefleurent/mt5-bridge/internal/models"
)

// End-to-end harness: runs the full engine pipeline against the simulated
// terminal and checks the results a real deployment would care about. Exits
// non-zero on the first failed step so it can gate CI.
func main() {
	fmt.Println("=== MT5 Bridge - End-to-End Integration Test ===")
	fmt.Println()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	creds := models.Credentials{Login: 100123, Password: "demo-pass", Server: "Demo-Server"}
	now := time.Now()

	sim := driver.NewSim()
	sim.SetAccount(models.AccountInfo{
		Login:    creds.Login,
		Server:   creds.Server,
		Balance:  10000,
		Equity:   10020,
		Currency: "USD",
		Leverage: 100,
		Company:  "Sim Brokerage",
	}, creds.Password)

	open := models.Position{
		Ticket:       12345,
		Symbol:       "EURUSD",
		Type:         models.PositionTypeBuy,
		Volume:       0.10,
		PriceOpen:    1.1000,
		PriceCurrent: 1.1015,
		SL:           1.0980,
		TP:           1.1050,
		Profit:       15.0,
		Time:         now.Add(-10 * time.Minute).Unix(),
	}
	sim.QueuePositions(creds.Login, open) // first poll: position open
	sim.QueuePositions(creds.Login)       // second poll: closed

	sim.AddDeal(models.Deal{
		Ticket: 201, Order: 301, PositionID: 12345,
		Symbol: "EURUSD", Type: models.DealTypeBuy, Entry: models.DealEntryIn,
		Volume: 0.10, Price: 1.1000, Time: now.Add(-10 * time.Minute).Unix(),
		Commission: -0.5,
	})
	sim.AddDeal(models.Deal{
		Ticket: 202, Order: 301, PositionID: 12345,
		Symbol: "EURUSD", Type: models.DealTypeSell, Entry: models.DealEntryOut,
		Volume: 0.10, Price: 1.1020, Time: now.Add(-1 * time.Minute).Unix(),
		Profit: 20.0, Commission: -0.5, Swap: -0.1,
	})
	sim.AddOrder(models.Order{
		Ticket: 301, PositionID: 12345, Symbol: "EURUSD",
		SL: 1.0980, TP: 1.1050, PriceCurrent: 1.1020,
		TimeDone: now.Add(-1 * time.Minute).Unix(),
	})

	fetcher := history.NewFetcher(sim, logger, history.Config{
		MaxRetries:     3,
		BackoffUnit:    50 * time.Millisecond,
		DealsWindow:    30 * time.Minute,
		EntryBackfill:  7 * 24 * time.Hour,
		StopScan:       time.Hour,
		WarmupInterval: 30 * time.Second,
		WarmupRange:    90 * 24 * time.Hour,
		SettleDelay:    0,
	})
	eng := engine.New(sim, fetcher, nil, logger, engine.Config{
		CacheTTL:     300 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		PollTimeout:  5 * time.Second,
		IdleTick:     10 * time.Millisecond,
	})

	events := make(chan engine.TradeEvent, 8)
	sub := eng.SubscribeTrades(events)
	defer sub.Unsubscribe()

	eng.Start()
	defer eng.Stop()

	ctx := context.Background()

	// Step 1: first poll observes the open position.
	fmt.Println("Step 1: Polling open positions...")
	positions, err := eng.GetPositions(ctx, "u1", creds, "acct-1", nil)
	if err != nil {
		log.Fatalf("FAIL: first poll: %v", err)
	}
	if len(positions) != 1 || positions[0].Ticket != 12345 {
		log.Fatalf("FAIL: expected open ticket 12345, got %+v", positions)
	}
	fmt.Printf("  OK: %s %s %.2f lots @ %.4f\n",
		positions[0].Symbol, positions[0].Type, positions[0].Volume, positions[0].PriceOpen)

	// Step 2: an immediate second call is served from cache without another
	// terminal round-trip.
	fmt.Println("Step 2: Re-polling within the cache TTL...")
	before := sim.Counts().Positions
	if _, err := eng.GetPositions(ctx, "u1", creds, "acct-1", nil); err != nil {
		log.Fatalf("FAIL: cached poll: %v", err)
	}
	if after := sim.Counts().Positions; after != before {
		log.Fatalf("FAIL: cached poll hit the terminal (%d -> %d calls)", before, after)
	}
	fmt.Println("  OK: served from cache")

	// Step 3: after the TTL the next poll sees the position gone and
	// reconstructs the closed trade from deal history.
	fmt.Println("Step 3: Detecting the closure...")
	time.Sleep(400 * time.Millisecond)
	positions, err = eng.GetPositions(ctx, "u1", creds, "acct-1", nil)
	if err != nil {
		log.Fatalf("FAIL: second poll: %v", err)
	}
	if len(positions) != 0 {
		log.Fatalf("FAIL: expected no open positions, got %+v", positions)
	}

	var ev engine.TradeEvent
	select {
	case ev = <-events:
	case <-time.After(5 * time.Second):
		log.Fatal("FAIL: no trade event within 5s")
	}
	if ev.Type != engine.EventTradeClosed || ev.Trade == nil {
		log.Fatalf("FAIL: unexpected event %+v", ev)
	}
	trade := ev.Trade
	checks := []struct {
		name      string
		got, want float64
	}{
		{"entry_price", trade.EntryPrice, 1.1000},
		{"exit_price", trade.ExitPrice, 1.1020},
		{"gross_pnl", trade.GrossPnL, 20.0},
		{"commission", trade.Commission, -1.0},
		{"swap", trade.Swap, -0.1},
		{"net_pnl", trade.NetPnL, 18.9},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > 1e-9 {
			log.Fatalf("FAIL: %s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if trade.Source != models.SourceHistoryDeals || trade.Accuracy != models.AccuracyDeals {
		log.Fatalf("FAIL: source %s / accuracy %s", trade.Source, trade.Accuracy)
	}
	if trade.RiskAmount == nil || math.Abs(*trade.RiskAmount-20.0) > 1e-9 {
		log.Fatalf("FAIL: risk_amount = %v, want 20.0", trade.RiskAmount)
	}
	if trade.RMultiple == nil || math.Abs(*trade.RMultiple-1.0) > 1e-9 {
		log.Fatalf("FAIL: r_multiple = %v, want 1.0", trade.RMultiple)
	}
	if trade.RiskReward == nil || math.Abs(*trade.RiskReward-2.5) > 1e-9 {
		log.Fatalf("FAIL: risk_reward = %v, want 2.5", trade.RiskReward)
	}
	fmt.Printf("  OK: %s closed, net %.2f (%s, %s), R=%.2f\n",
		trade.Symbol, trade.NetPnL, trade.Source, trade.Accuracy, *trade.RMultiple)

	// Step 4: account summary rides the same queue.
	fmt.Println("Step 4: Fetching the account summary...")
	info, err := eng.Account(ctx, creds)
	if err != nil {
		log.Fatalf("FAIL: account fetch: %v", err)
	}
	if info.Login != creds.Login || info.Balance != 10000 {
		log.Fatalf("FAIL: unexpected account info %+v", info)
	}
	fmt.Printf("  OK: balance %.2f %s\n", info.Balance, info.Currency)

	// Step 5: grouped trade history pairs the two deal legs.
	fmt.Println("Step 5: Fetching grouped trade history...")
	trades, err := eng.TradeHistory(ctx, creds, 1)
	if err != nil {
		log.Fatalf("FAIL: trade history: %v", err)
	}
	if len(trades) != 1 || trades[0].Order != 301 {
		log.Fatalf("FAIL: expected one grouped trade for order 301, got %+v", trades)
	}
	fmt.Printf("  OK: %d trade, profit %.2f\n", len(trades), trades[0].Profit)

	fmt.Println()
	fmt.Println("=== All integration steps passed ===")
}
