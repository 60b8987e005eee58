// Package risk derives trade risk metrics: risk amount, R-multiple, and
// risk-reward ratio from entry price, stop loss, take profit, and volume.
package risk

import (
	"github.com/eddiefleurent/mt5-bridge/internal/models"
	"github.com/eddiefleurent/mt5-bridge/internal/util"
)

// Inputs are the trade fields the calculator reads. Zero values mean
// "unknown": a zero stop loss means no stop was placed.
type Inputs struct {
	Symbol     string
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	Volume     float64
	GrossPnL   float64
}

// Metrics holds the derived values. A nil pointer means the metric could not
// be computed from the available inputs.
type Metrics struct {
	RiskAmount *float64
	RMultiple  *float64
	RiskReward *float64
}

// Calculate derives risk metrics from a closed trade. It is pure and never
// fails: incomplete inputs yield empty metrics. Sizing uses the flat forex
// approximation pips x volume x 10, which miscomputes for metals, indices,
// and crypto symbols.
func Calculate(in Inputs) Metrics {
	var m Metrics
	if in.EntryPrice == 0 || in.StopLoss == 0 || in.Volume == 0 {
		return m
	}

	pipsRisked := util.PipsBetween(in.Symbol, in.EntryPrice, in.StopLoss)
	riskAmount := pipsRisked * in.Volume * 10
	m.RiskAmount = &riskAmount

	if riskAmount > 0 {
		r := in.GrossPnL / riskAmount
		m.RMultiple = &r
	}

	if in.TakeProfit > 0 && pipsRisked > 0 {
		rr := util.PipsBetween(in.Symbol, in.TakeProfit, in.EntryPrice) / pipsRisked
		m.RiskReward = &rr
	}

	return m
}

// Apply enriches a trade record in place with whatever metrics its fields
// allow. Absent inputs leave the corresponding fields nil.
func Apply(rec *models.TradeRecord) {
	in := Inputs{
		Symbol:     rec.Symbol,
		EntryPrice: rec.EntryPrice,
		Volume:     rec.Volume,
		GrossPnL:   rec.GrossPnL,
	}
	if rec.StopLoss != nil {
		in.StopLoss = *rec.StopLoss
	}
	if rec.TakeProfit != nil {
		in.TakeProfit = *rec.TakeProfit
	}

	m := Calculate(in)
	rec.RiskAmount = m.RiskAmount
	rec.RMultiple = m.RMultiple
	rec.RiskReward = m.RiskReward
}
