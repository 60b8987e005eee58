// Package util provides common utility functions for pip and price math.
package util

import (
	"math"
	"strings"
)

// Pip increments by quoting convention: JPY-quoted pairs tick in hundredths,
// everything else in ten-thousandths.
const (
	PipJPY     = 0.01
	PipDefault = 0.0001
)

// PipSize returns the pip increment for a symbol name. The rule is a forex
// convention; metals and index CFDs quote differently and will miscompute.
func PipSize(symbol string) float64 {
	if strings.Contains(symbol, "JPY") {
		return PipJPY
	}
	return PipDefault
}

// PipsBetween returns the absolute distance between two prices in pips for
// the given symbol.
func PipsBetween(symbol string, a, b float64) float64 {
	return math.Abs(a-b) / PipSize(symbol)
}
