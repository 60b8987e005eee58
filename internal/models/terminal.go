package models

import (
	"fmt"
	"strings"
	"time"
)

// Side is the normalized trade direction used in formatted output and
// emitted trade records.
type Side string

const (
	// SideBuy marks a long position or buy deal.
	SideBuy Side = "buy"
	// SideSell marks a short position or sell deal.
	SideSell Side = "sell"
)

// Valid returns true if the Side is one of the defined constants.
func (s Side) Valid() bool {
	switch s {
	case SideBuy, SideSell:
		return true
	default:
		return false
	}
}

// PositionType is the terminal's numeric direction code for an open position.
type PositionType int

const (
	PositionTypeBuy  PositionType = 0
	PositionTypeSell PositionType = 1
)

// Side maps the terminal code to the normalized direction. Anything that is
// not a buy is reported as a sell, matching the terminal's binary encoding.
func (t PositionType) Side() Side {
	if t == PositionTypeBuy {
		return SideBuy
	}
	return SideSell
}

// DealType is the terminal's numeric kind code for a history deal.
type DealType int

const (
	DealTypeBuy     DealType = 0
	DealTypeSell    DealType = 1
	DealTypeBalance DealType = 2
	DealTypeCredit  DealType = 3
)

// Side maps the deal kind to the normalized direction.
func (t DealType) Side() Side {
	if t == DealTypeBuy {
		return SideBuy
	}
	return SideSell
}

// IsTrade reports whether the deal kind is a market execution rather than a
// balance operation (deposit, withdrawal, credit).
func (t DealType) IsTrade() bool {
	return t == DealTypeBuy || t == DealTypeSell
}

// DealEntry classifies how a deal changes a position.
type DealEntry int

const (
	// DealEntryIn opens or adds to a position.
	DealEntryIn DealEntry = 0
	// DealEntryOut closes or reduces a position.
	DealEntryOut DealEntry = 1
	// DealEntryInOut reverses a position in one execution.
	DealEntryInOut DealEntry = 2
	// DealEntryOutBy closes a position against an opposite one.
	DealEntryOutBy DealEntry = 3
)

// Position is an open position as reported by the terminal. Time is unix
// seconds, the terminal's wire convention.
type Position struct {
	Ticket       int64        `json:"ticket"`
	Symbol       string       `json:"symbol"`
	Type         PositionType `json:"type"`
	Volume       float64      `json:"volume"`
	PriceOpen    float64      `json:"price_open"`
	PriceCurrent float64      `json:"price_current"`
	SL           float64      `json:"sl"`
	TP           float64      `json:"tp"`
	Profit       float64      `json:"profit"`
	Swap         float64      `json:"swap"`
	Time         int64        `json:"time"`
	Comment      string       `json:"comment,omitempty"`
}

// OpenedAt returns the position open time as a wall-clock instant.
func (p *Position) OpenedAt() time.Time {
	return time.Unix(p.Time, 0).UTC()
}

// Deal is an executed trade leg from terminal history. Deals carry the
// realized financials (profit, commission, swap) and are authoritative for
// P&L reconstruction.
type Deal struct {
	Ticket     int64     `json:"ticket"`
	Order      int64     `json:"order"`
	PositionID int64     `json:"position_id"`
	Symbol     string    `json:"symbol"`
	Type       DealType  `json:"type"`
	Entry      DealEntry `json:"entry"`
	Volume     float64   `json:"volume"`
	Price      float64   `json:"price"`
	Time       int64     `json:"time"`
	Profit     float64   `json:"profit"`
	Commission float64   `json:"commission"`
	Swap       float64   `json:"swap"`
	Comment    string    `json:"comment,omitempty"`
}

// ExecutedAt returns the deal execution time as a wall-clock instant.
func (d *Deal) ExecutedAt() time.Time {
	return time.Unix(d.Time, 0).UTC()
}

// Order is a historical order record. Orders carry the trader's intent
// (stop loss, take profit) and the final fill price and completion time.
type Order struct {
	Ticket        int64   `json:"ticket"`
	PositionID    int64   `json:"position_id"`
	Symbol        string  `json:"symbol"`
	SL            float64 `json:"sl"`
	TP            float64 `json:"tp"`
	PriceOpen     float64 `json:"price_open"`
	PriceCurrent  float64 `json:"price_current"`
	VolumeInitial float64 `json:"volume_initial"`
	TimeSetup     int64   `json:"time_setup"`
	TimeDone      int64   `json:"time_done"`
}

// DoneAt returns the order completion time as a wall-clock instant.
func (o *Order) DoneAt() time.Time {
	return time.Unix(o.TimeDone, 0).UTC()
}

// AccountInfo is the terminal account summary available after login.
type AccountInfo struct {
	Login       int64   `json:"login"`
	Server      string  `json:"server"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	FreeMargin  float64 `json:"free_margin"`
	MarginLevel float64 `json:"margin_level"`
	Currency    string  `json:"currency"`
	Leverage    int64   `json:"leverage"`
	Profit      float64 `json:"profit"`
	Company     string  `json:"company"`
}

// Credentials identify a terminal account. Supplied per request, never
// persisted. String elides the password so credentials can be logged.
type Credentials struct {
	Login    int64  `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

// String implements fmt.Stringer without exposing the password.
func (c Credentials) String() string {
	return fmt.Sprintf("%d@%s", c.Login, c.Server)
}

// ConnectionID is the registry key for this account identity.
func (c Credentials) ConnectionID() string {
	return fmt.Sprintf("%d@%s", c.Login, c.Server)
}

// Validate checks that all fields required for a terminal login are present.
func (c Credentials) Validate() error {
	if c.Login <= 0 {
		return fmt.Errorf("credentials: login must be positive, got %d", c.Login)
	}
	if c.Password == "" {
		return fmt.Errorf("credentials: password is required for %d", c.Login)
	}
	if strings.TrimSpace(c.Server) == "" {
		return fmt.Errorf("credentials: server is required for %d", c.Login)
	}
	return nil
}
