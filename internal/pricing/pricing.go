// Package pricing holds the pure price-ending arithmetic used by switchback
// experiments. Nothing here performs I/O.
package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RoundDownToEnding keeps the whole-dollar part of priceCents and replaces the
// cents with ending. Prices below $1 keep dollar 0, so the result can fall
// under a viable minimum; callers apply ApplyFloor afterwards.
func RoundDownToEnding(priceCents int64, ending int) int64 {
	if priceCents < 0 {
		priceCents = 0
	}
	return (priceCents/100)*100 + int64(ending)
}

// NextEnding returns the ending that follows current in rotation order,
// wrapping to the first element. When current is not in allowed the rotation
// restarts at allowed[0] and ok is false so the caller can report the drift.
// allowed must be non-empty.
func NextEnding(current int, allowed []int) (next int, ok bool) {
	for i, e := range allowed {
		if e == current {
			return allowed[(i+1)%len(allowed)], true
		}
	}
	return allowed[0], false
}

// CalculateRPV returns revenue per session in cents. Zero sessions yield 0.
func CalculateRPV(revenueCents, sessions int64) float64 {
	if sessions == 0 {
		return 0
	}
	return float64(revenueCents) / float64(sessions)
}

// CalculateCVR returns orders per session. Zero sessions yield 0.
func CalculateCVR(orders, sessions int64) float64 {
	if sessions == 0 {
		return 0
	}
	return float64(orders) / float64(sessions)
}

// CalculateAOV returns average order value in cents. Zero orders yield 0.
func CalculateAOV(revenueCents, orders int64) float64 {
	if orders == 0 {
		return 0
	}
	return float64(revenueCents) / float64(orders)
}

// FormatPrice renders cents as a dollar string, e.g. 2495 -> "$24.95".
func FormatPrice(cents int64) string {
	return "$" + Amount(cents)
}

// Amount renders cents as a plain decimal amount, e.g. 2495 -> "24.95".
func Amount(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// ParsePrice converts "$1,024.50" or "24.95" to cents, rounding half away from zero.
func ParsePrice(s string) (int64, error) {
	clean := strings.NewReplacer("$", "", ",", "").Replace(strings.TrimSpace(s))
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	return d.Shift(2).Round(0).IntPart(), nil
}
