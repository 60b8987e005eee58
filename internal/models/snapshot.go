package models

import "time"

// PositionSnapshot is the last observed state of one open position. The
// worker keeps a snapshot per open ticket per user and diffs successive
// snapshot sets to detect closures. Snapshots are JSON-serializable so the
// engine can checkpoint them across restarts.
type PositionSnapshot struct {
	Ticket       int64     `json:"ticket"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Volume       float64   `json:"volume"`
	PriceOpen    float64   `json:"price_open"`
	PriceCurrent float64   `json:"price_current"`
	SL           float64   `json:"sl"`
	TP           float64   `json:"tp"`
	Profit       float64   `json:"profit"`
	Swap         float64   `json:"swap"`
	OpenTime     time.Time `json:"open_time"`
	LastSeen     time.Time `json:"last_seen"`
	// FailedFetches counts consecutive poll cycles on which the closed
	// ticket could not be reconstructed from history. The engine drops the
	// ticket with a closed-unknown event once this reaches its ceiling.
	FailedFetches int `json:"failed_fetches,omitempty"`
}

// NewPositionSnapshot captures the current state of an open position.
func NewPositionSnapshot(p Position) *PositionSnapshot {
	return &PositionSnapshot{
		Ticket:       p.Ticket,
		Symbol:       p.Symbol,
		Side:         p.Type.Side(),
		Volume:       p.Volume,
		PriceOpen:    p.PriceOpen,
		PriceCurrent: p.PriceCurrent,
		SL:           p.SL,
		TP:           p.TP,
		Profit:       p.Profit,
		Swap:         p.Swap,
		OpenTime:     p.OpenedAt(),
		LastSeen:     time.Now().UTC(),
	}
}

// OpenPosition is the formatted wire shape for one open position, as written
// to the read-through cache and returned over HTTP. Stop and target levels of
// zero are reported as null.
type OpenPosition struct {
	Ticket       int64    `json:"ticket"`
	Symbol       string   `json:"symbol"`
	Type         Side     `json:"type"`
	Volume       float64  `json:"volume"`
	PriceOpen    float64  `json:"price_open"`
	PriceCurrent float64  `json:"price_current"`
	SL           *float64 `json:"sl"`
	TP           *float64 `json:"tp"`
	Profit       float64  `json:"profit"`
	Swap         float64  `json:"swap"`
	Time         string   `json:"time"`
}

// Formatted returns the cache representation of the snapshot.
func (s *PositionSnapshot) Formatted() OpenPosition {
	return OpenPosition{
		Ticket:       s.Ticket,
		Symbol:       s.Symbol,
		Type:         s.Side,
		Volume:       s.Volume,
		PriceOpen:    s.PriceOpen,
		PriceCurrent: s.PriceCurrent,
		SL:           OptionalLevel(s.SL),
		TP:           OptionalLevel(s.TP),
		Profit:       s.Profit,
		Swap:         s.Swap,
		Time:         s.OpenTime.Format(time.RFC3339),
	}
}

// OptionalLevel maps the terminal's zero-means-unset convention to a nullable
// price level.
func OptionalLevel(v float64) *float64 {
	if v > 0 {
		return &v
	}
	return nil
}
