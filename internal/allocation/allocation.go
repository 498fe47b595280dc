// Package allocation turns a weighted universe and an investment amount into
// whole-share quantities that respect each symbol's allocation band.
package allocation

import (
	"fmt"
	"math"

	apperrors "zerodha-rebalancer/internal/errors"
	"zerodha-rebalancer/internal/finmath"
	"zerodha-rebalancer/internal/models"
)

// Config holds allocation parameters.
type Config struct {
	CommoditySymbol   string  // fixed-weight sentinel, e.g. GOLDBEES
	CommodityWeight   float64 // percent
	BandFlex          float64 // percentage points either side of target
	MinBandFloor      float64 // percent
	RecommendedBuffer float64 // fraction added on top of the minimum
}

// DefaultConfig returns the default allocation configuration.
func DefaultConfig() Config {
	return Config{
		CommoditySymbol:   "GOLDBEES",
		CommodityWeight:   50.0,
		BandFlex:          2.0,
		MinBandFloor:      0.5,
		RecommendedBuffer: 0.20,
	}
}

// Target is the weight band assigned to one universe symbol.
type Target struct {
	Symbol      string
	Band        finmath.Band
	IsCommodity bool
}

// Calculator computes allocation plans. It holds no state between calls.
type Calculator struct {
	cfg Config
}

// NewCalculator creates a new Calculator.
func NewCalculator(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

// Config returns the calculator configuration.
func (c *Calculator) Config() Config {
	return c.cfg
}

// Targets assigns a weight band to every universe symbol, in universe order.
//
// A universe containing the commodity sentinel gives it the fixed commodity
// weight and splits the rest equally. Otherwise explicit weight hints are
// honoured when every entry carries one, and all symbols share equally when
// they do not.
func (c *Calculator) Targets(u *models.Universe) []Target {
	n := len(u.Entries)
	if n == 0 {
		return nil
	}

	weights := make([]float64, n)
	commodityIdx := -1
	if c.cfg.CommoditySymbol != "" {
		for i, e := range u.Entries {
			if e.Symbol == c.cfg.CommoditySymbol {
				commodityIdx = i
				break
			}
		}
	}

	switch {
	case commodityIdx >= 0 && n == 1:
		weights[0] = 100
	case commodityIdx >= 0:
		rest := (100 - c.cfg.CommodityWeight) / float64(n-1)
		for i := range weights {
			weights[i] = rest
		}
		weights[commodityIdx] = c.cfg.CommodityWeight
	case allHinted(u.Entries):
		var total float64
		for _, e := range u.Entries {
			total += e.WeightHint
		}
		for i, e := range u.Entries {
			weights[i] = e.WeightHint / total * 100
		}
	default:
		for i := range weights {
			weights[i] = 100 / float64(n)
		}
	}

	targets := make([]Target, n)
	for i, e := range u.Entries {
		targets[i] = Target{
			Symbol:      e.Symbol,
			Band:        finmath.NewBand(weights[i], c.cfg.BandFlex, c.cfg.MinBandFloor),
			IsCommodity: i == commodityIdx,
		}
	}
	return targets
}

func allHinted(entries []models.UniverseEntry) bool {
	for _, e := range entries {
		if e.WeightHint <= 0 {
			return false
		}
	}
	return true
}

// MinimumInvestment returns the smallest amount for which Calculate succeeds.
//
// Each symbol needs price/max_weight so that a single share fits inside its
// band, and the whole universe needs the sum of prices so one share of
// everything fits inside the amount.
func (c *Calculator) MinimumInvestment(u *models.Universe, prices models.PriceBook) (*models.InvestmentRequirements, error) {
	if u == nil || len(u.Entries) == 0 {
		return nil, apperrors.ErrUniverseEmpty
	}
	if err := prices.Require(u.Symbols()); err != nil {
		return nil, err
	}

	req := &models.InvestmentRequirements{}
	var all []float64
	for _, t := range c.Targets(u) {
		price, _ := prices.Price(t.Symbol)
		all = append(all, price)
		need := price / (t.Band.Max / 100)
		req.Symbols = append(req.Symbols, models.SymbolRequirement{
			Symbol:        t.Symbol,
			Price:         price,
			TargetWeight:  t.Band.Target,
			MaxWeight:     t.Band.Max,
			MinInvestment: need,
		})
		if need > req.MinimumInvestment {
			req.MinimumInvestment = need
			req.LimitingSymbol = t.Symbol
		}
	}
	if sumPrices := finmath.SumMoney(all...); sumPrices > req.MinimumInvestment {
		req.MinimumInvestment = sumPrices
		req.LimitingSymbol = "one share of every symbol"
	}
	req.RecommendedInvestment = req.MinimumInvestment * (1 + c.cfg.RecommendedBuffer)

	return req, nil
}

// Calculate allocates amount across the universe.
//
// Shares start at floor(amount*weight/price), are raised to at least one,
// and are raised to the band minimum when that stays under the band maximum.
// If rounding up overspends, shares are taken back from the most overweight
// symbols until the total fits. Leftover cash is reported, never invested.
func (c *Calculator) Calculate(amount float64, u *models.Universe, prices models.PriceBook) (*models.AllocationPlan, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return nil, apperrors.NewValidationError("amount", amount, "must be a positive finite number")
	}

	req, err := c.MinimumInvestment(u, prices)
	if err != nil {
		return nil, err
	}
	if amount < req.MinimumInvestment {
		return nil, apperrors.NewInsufficientCapitalError(amount, req.MinimumInvestment, req.RecommendedInvestment, req.LimitingSymbol)
	}

	targets := c.Targets(u)
	allocs := make([]models.SymbolAllocation, len(targets))
	for i, t := range targets {
		price, _ := prices.Price(t.Symbol)
		shares := finmath.FloorShares(amount*t.Band.Target/100, price)
		if shares < 1 {
			shares = 1
		}
		if finmath.Percent(float64(shares)*price, amount) < t.Band.Min {
			need := finmath.CeilShares(amount*t.Band.Min/100, price)
			if finmath.Percent(float64(need)*price, amount) <= t.Band.Max {
				shares = need
			}
		}
		allocs[i] = models.SymbolAllocation{
			Symbol:       t.Symbol,
			Price:        price,
			TargetWeight: t.Band.Target,
			MinWeight:    t.Band.Min,
			MaxWeight:    t.Band.Max,
			Shares:       shares,
			IsCommodity:  t.IsCommodity,
		}
	}

	trimToBudget(allocs, amount)

	return buildPlan(amount, allocs), nil
}

// trimToBudget removes shares, one at a time, from the symbol furthest above
// its target until the total fits in amount. No symbol drops below one share.
func trimToBudget(allocs []models.SymbolAllocation, amount float64) {
	total := func() float64 {
		values := make([]float64, len(allocs))
		for i, a := range allocs {
			values[i] = finmath.Value(a.Shares, a.Price)
		}
		return finmath.SumMoney(values...)
	}

	for total() > amount {
		best := -1
		var bestOver float64
		for i, a := range allocs {
			if a.Shares <= 1 {
				continue
			}
			over := finmath.Percent(float64(a.Shares)*a.Price, amount) - a.TargetWeight
			if best < 0 || over > bestOver {
				best, bestOver = i, over
			}
		}
		if best < 0 {
			// MinimumInvestment guarantees one share of each fits.
			return
		}
		allocs[best].Shares--
	}
}

func buildPlan(amount float64, allocs []models.SymbolAllocation) *models.AllocationPlan {
	plan := &models.AllocationPlan{
		InvestmentAmount: amount,
	}

	values := make([]float64, 0, len(allocs))
	weights := make([]float64, 0, len(allocs))
	for i := range allocs {
		a := &allocs[i]
		a.AllocatedValue = finmath.Value(a.Shares, a.Price)
		a.RealizedWeight = finmath.Percent(a.AllocatedValue, amount)
		values = append(values, a.AllocatedValue)
		weights = append(weights, a.RealizedWeight)

		band := finmath.Band{Target: a.TargetWeight, Min: a.MinWeight, Max: a.MaxWeight}
		switch {
		case band.Contains(a.RealizedWeight):
			plan.Validation.InBand++
		case a.RealizedWeight < a.MinWeight:
			plan.Validation.BelowMin++
			plan.Validation.Violations = append(plan.Validation.Violations,
				fmt.Sprintf("%s: %.2f%% below minimum %.2f%%", a.Symbol, a.RealizedWeight, a.MinWeight))
		default:
			plan.Validation.AboveMax++
			plan.Validation.Violations = append(plan.Validation.Violations,
				fmt.Sprintf("%s: %.2f%% above maximum %.2f%%", a.Symbol, a.RealizedWeight, a.MaxWeight))
		}
	}

	plan.Allocations = allocs
	plan.TotalAllocated = finmath.SumMoney(values...)
	plan.LeftoverCash = finmath.SumMoney(amount, -plan.TotalAllocated)
	plan.Utilization = finmath.RoundPercent(finmath.Percent(plan.TotalAllocated, amount))
	plan.Stats = finmath.AllocationStats(weights)

	return plan
}
