package engine

import (
	"time"

	"github.com/eddiefleurent/mt5-bridge/internal/models"
)

// Event types carried by TradeEvent.
const (
	// EventTradeClosed announces a closure reconstructed from history.
	EventTradeClosed = "trade_closed"
	// EventClosedUnknown announces a ticket that vanished from the open
	// set but never appeared in history within the carryover budget. The
	// last open snapshot is all that is known about it.
	EventClosedUnknown = "closed_unknown"
)

// TradeEvent is the payload delivered to trade feed subscribers. Trade is
// set for trade_closed events, Snapshot for closed_unknown events.
type TradeEvent struct {
	Type     string                   `json:"type"`
	UserID   string                   `json:"user_id"`
	Ticket   int64                    `json:"ticket"`
	Trade    *models.TradeRecord      `json:"trade,omitempty"`
	Snapshot *models.PositionSnapshot `json:"snapshot,omitempty"`
	Time     time.Time                `json:"time"`
}
