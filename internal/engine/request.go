package engine

import (
	"time"

	"github.com/eddiefleurent/mt5-bridge/internal/models"
)

// RequestKind selects the terminal operation a queued request performs.
type RequestKind string

const (
	// KindPositions polls open positions and runs closure detection.
	KindPositions RequestKind = "positions"
	// KindAccount fetches the account summary into the account cache.
	KindAccount RequestKind = "account"
	// KindHistory fetches and groups closed trades over a day window.
	KindHistory RequestKind = "history"
)

// TradeCallback receives one reconstructed closed trade. It runs on the
// worker goroutine; errors and panics are logged and the trade still counts
// as delivered, so implementations should be idempotent on ExternalID.
type TradeCallback func(models.TradeRecord) error

// PollRequest is one unit of queued work for the worker. Every terminal
// touch goes through one of these so the single-session invariant holds
// regardless of how many callers are waiting.
type PollRequest struct {
	ID            string
	Kind          RequestKind
	UserID        string
	AccountID     string
	Credentials   models.Credentials
	OnTradeClosed TradeCallback
	EnqueuedAt    time.Time

	// History requests carry their window and a buffered reply channel;
	// results are per-window and too large to sit in the position cache.
	days  int
	reply chan historyReply
}

type historyReply struct {
	trades []models.GroupedTrade
	err    error
}
