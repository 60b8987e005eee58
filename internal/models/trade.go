package models

import (
	"fmt"
	"sort"
	"time"
)

// Trade record sources, in order of preference. Deals are broker-side
// execution records and carry exact financials; orders are intent records
// whose fill data can lag the deal stream.
const (
	SourceHistoryDeals  = "history_deals"
	SourceHistoryOrders = "history_orders"
)

// Accuracy grades attached to trade records per source.
const (
	AccuracyDeals  = "100%"
	AccuracyOrders = "95-100%"
)

// Trade record statuses. Closed records carry reconstructed history data;
// closed-unknown records mark tickets that vanished from the open set but
// never appeared in history within the retry budget.
const (
	TradeStatusClosed        = "closed"
	TradeStatusClosedUnknown = "closed_unknown"
)

// ExternalTradeID derives the journal-stable identifier for a position
// ticket. Consumers dedupe on it, so the mapping must never change.
func ExternalTradeID(ticket int64) string {
	return fmt.Sprintf("mt5_%d", ticket)
}

// TradeRecord is a reconstructed closed trade as delivered to consumers.
// NetPnL is always GrossPnL + Commission + Swap, unrounded. Optional fields
// are pointers and omitted from JSON when absent.
type TradeRecord struct {
	ExternalID string    `json:"external_trade_id"`
	UserID     string    `json:"user_id"`
	AccountID  string    `json:"account_id,omitempty"`
	Ticket     int64     `json:"ticket"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Volume     float64   `json:"volume"`
	EntryPrice float64   `json:"entry_price"`
	EntryTime  time.Time `json:"entry_time"`
	ExitPrice  float64   `json:"exit_price"`
	ExitTime   time.Time `json:"exit_time"`
	GrossPnL   float64   `json:"gross_pnl"`
	Commission float64   `json:"commission"`
	Swap       float64   `json:"swap"`
	NetPnL     float64   `json:"net_pnl"`
	StopLoss   *float64  `json:"stop_loss,omitempty"`
	TakeProfit *float64  `json:"take_profit,omitempty"`
	Status     string    `json:"status"`
	Source     string    `json:"source"`
	Accuracy   string    `json:"accuracy"`
	RiskAmount *float64  `json:"risk_amount,omitempty"`
	RMultiple  *float64  `json:"r_multiple,omitempty"`
	RiskReward *float64  `json:"risk_reward,omitempty"`
}

// GroupedTrade is a completed round trip assembled from the deals sharing one
// order id: first deal by time is the entry, last is the exit, financials are
// summed across all legs.
type GroupedTrade struct {
	Ticket     int64   `json:"ticket"`
	Order      int64   `json:"order"`
	Symbol     string  `json:"symbol"`
	Type       Side    `json:"type"`
	Volume     float64 `json:"volume"`
	EntryPrice float64 `json:"entry_price"`
	EntryTime  string  `json:"entry_time"`
	ExitPrice  float64 `json:"exit_price"`
	ExitTime   string  `json:"exit_time"`
	Profit     float64 `json:"profit"`
	Commission float64 `json:"commission"`
	Swap       float64 `json:"swap"`
	Comment    string  `json:"comment"`
}

// GroupTrades pairs raw history deals into completed trades. Balance
// operations are skipped, deals are grouped by order id, and groups with a
// single leg (still-open trades) are dropped. Output order follows entry
// time so histories read chronologically.
func GroupTrades(deals []Deal) []GroupedTrade {
	byOrder := make(map[int64][]Deal)
	for _, d := range deals {
		if !d.Type.IsTrade() {
			continue
		}
		byOrder[d.Order] = append(byOrder[d.Order], d)
	}

	trades := make([]GroupedTrade, 0, len(byOrder))
	for orderID, legs := range byOrder {
		if len(legs) < 2 {
			continue
		}
		sort.Slice(legs, func(i, j int) bool { return legs[i].Time < legs[j].Time })

		entry := legs[0]
		exit := legs[len(legs)-1]

		var profit, commission, swap float64
		for _, d := range legs {
			profit += d.Profit
			commission += d.Commission
			swap += d.Swap
		}

		comment := entry.Comment
		if comment == "" {
			comment = exit.Comment
		}

		trades = append(trades, GroupedTrade{
			Ticket:     entry.Ticket,
			Order:      orderID,
			Symbol:     entry.Symbol,
			Type:       entry.Type.Side(),
			Volume:     entry.Volume,
			EntryPrice: entry.Price,
			EntryTime:  entry.ExecutedAt().Format(time.RFC3339),
			ExitPrice:  exit.Price,
			ExitTime:   exit.ExecutedAt().Format(time.RFC3339),
			Profit:     profit,
			Commission: commission,
			Swap:       swap,
			Comment:    comment,
		})
	}

	sort.Slice(trades, func(i, j int) bool { return trades[i].EntryTime < trades[j].EntryTime })
	return trades
}
