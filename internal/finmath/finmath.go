// Package finmath provides the small set of financial helpers shared by the
// allocation, rebalancing and reconciliation code.
package finmath

import (
	"math"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"zerodha-rebalancer/internal/models"
)

// quantEpsilon absorbs binary float noise before share quantization.
const quantEpsilon = 1e-9

// CAGR bounds keep degenerate inputs from producing absurd figures.
const (
	MinCAGR = -99.9
	MaxCAGR = 999.9
)

// Percent returns value as a percentage of total, or 0 when total is not positive.
func Percent(value, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return value / total * 100
}

// ReturnsPercent returns the gain of current over invested in percent.
func ReturnsPercent(current, invested float64) float64 {
	if invested <= 0 {
		return 0
	}
	return (current - invested) / invested * 100
}

// CAGR returns the compound annual growth rate in percent. Periods shorter
// than a year use the simple return scaled by the period.
func CAGR(initial, current, years float64) float64 {
	if initial <= 0 || years <= 0 {
		return 0
	}
	var rate float64
	if years < 1 {
		rate = ReturnsPercent(current, initial) / years
	} else {
		rate = (math.Pow(current/initial, 1/years) - 1) * 100
	}
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 0
	}
	return Clamp(rate, MinCAGR, MaxCAGR)
}

// FloorShares returns the whole shares amount can buy at price.
func FloorShares(amount, price float64) int {
	if price <= 0 || amount <= 0 {
		return 0
	}
	return int(math.Floor(amount/price + quantEpsilon))
}

// CeilShares returns the fewest whole shares whose value reaches amount.
func CeilShares(amount, price float64) int {
	if price <= 0 || amount <= 0 {
		return 0
	}
	return int(math.Ceil(amount/price - quantEpsilon))
}

// RoundMoney rounds to paise.
func RoundMoney(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// RoundPercent rounds a percentage to two decimals.
func RoundPercent(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// SumMoney adds amounts without accumulating float error.
func SumMoney(values ...float64) float64 {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(decimal.NewFromFloat(v))
	}
	return total.InexactFloat64()
}

// Value returns shares * price computed in decimal.
func Value(shares int, price float64) float64 {
	return decimal.NewFromFloat(price).Mul(decimal.NewFromInt(int64(shares))).InexactFloat64()
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Band is a target weight with its tolerated range, all in percent.
type Band struct {
	Target float64
	Min    float64
	Max    float64
}

// NewBand builds target ± flex. Min never drops below floor unless the
// target itself is below floor.
func NewBand(target, flex, floor float64) Band {
	lower := math.Max(target-flex, math.Min(floor, target))
	upper := math.Min(target+flex, 100)
	return Band{Target: target, Min: lower, Max: upper}
}

// Contains reports whether w lies inside the band.
func (b Band) Contains(w float64) bool {
	return w >= b.Min-quantEpsilon && w <= b.Max+quantEpsilon
}

// AllocationStats describes a set of realized weights.
func AllocationStats(weights []float64) models.AllocationStats {
	if len(weights) == 0 {
		return models.AllocationStats{}
	}
	lo, hi := weights[0], weights[0]
	for _, w := range weights[1:] {
		lo = math.Min(lo, w)
		hi = math.Max(hi, w)
	}
	var sd float64
	if len(weights) > 1 {
		sd = stat.StdDev(weights, nil)
	}
	return models.AllocationStats{
		MinWeight:  RoundPercent(lo),
		MaxWeight:  RoundPercent(hi),
		MeanWeight: RoundPercent(stat.Mean(weights, nil)),
		StdDev:     RoundPercent(sd),
	}
}
