package rebalance

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zerodha-rebalancer/internal/allocation"
	apperrors "zerodha-rebalancer/internal/errors"
	"zerodha-rebalancer/internal/models"
)

func newGenerator() *Generator {
	return NewGenerator(allocation.NewCalculator(allocation.DefaultConfig()))
}

func holdingsFrom(plan *models.AllocationPlan) []models.Holding {
	var out []models.Holding
	for _, a := range plan.Allocations {
		out = append(out, models.Holding{Symbol: a.Symbol, Shares: a.Shares, AvgCost: a.Price})
	}
	return out
}

// apply executes a plan against holdings as if every order filled completely.
func apply(holdings []models.Holding, plan *Plan) []models.Holding {
	shares := map[string]int{}
	var order []string
	for _, h := range holdings {
		if _, ok := shares[h.Symbol]; !ok {
			order = append(order, h.Symbol)
		}
		shares[h.Symbol] += h.Shares
	}
	for _, o := range plan.Orders() {
		if _, ok := shares[o.Symbol]; !ok {
			order = append(order, o.Symbol)
		}
		if o.Side == models.OrderSideBuy {
			shares[o.Symbol] += o.Shares
		} else {
			shares[o.Symbol] -= o.Shares
		}
	}
	var out []models.Holding
	for _, sym := range order {
		if shares[sym] > 0 {
			out = append(out, models.Holding{Symbol: sym, Shares: shares[sym]})
		}
	}
	return out
}

func TestCheckTrigger(t *testing.T) {
	u, err := models.UniverseFromSymbols("A", "B", "C")
	require.NoError(t, err)

	first := CheckTrigger(nil, u)
	assert.True(t, first.FirstTime)
	assert.False(t, first.Needed)

	same := CheckTrigger([]models.Holding{{Symbol: "A", Shares: 1}, {Symbol: "B", Shares: 2}, {Symbol: "C", Shares: 3}}, u)
	assert.False(t, same.Needed)

	changed := CheckTrigger([]models.Holding{{Symbol: "A", Shares: 1}, {Symbol: "B", Shares: 2}, {Symbol: "Z", Shares: 3}}, u)
	assert.True(t, changed.Needed)
	assert.Equal(t, []string{"C"}, changed.Added)
	assert.Equal(t, []string{"Z"}, changed.Removed)

	zeroed := CheckTrigger([]models.Holding{{Symbol: "A", Shares: 1}, {Symbol: "B", Shares: 2}, {Symbol: "C", Shares: 0}}, u)
	assert.Equal(t, []string{"C"}, zeroed.Added)
}

func TestGenerate_DropSymbolSellsAllUsableShares(t *testing.T) {
	g := newGenerator()
	u, err := models.UniverseFromSymbols("A", "B")
	require.NoError(t, err)
	prices := models.NewPriceBook(map[string]float64{"A": 500, "B": 300, "C": 1000})
	holdings := []models.Holding{
		{Symbol: "A", Shares: 100},
		{Symbol: "B", Shares: 83},
		{Symbol: "C", Shares: 25},
	}

	plan, err := g.Generate(holdings, u, prices, 0)
	require.NoError(t, err)

	require.Len(t, plan.SellOrders, 1)
	assert.Equal(t, "C", plan.SellOrders[0].Symbol)
	assert.Equal(t, 25, plan.SellOrders[0].Shares)
	assert.Equal(t, []string{"C"}, plan.Trigger.Removed)

	assert.Equal(t, 99900.0, plan.CurrentValue)
	a, _ := plan.Target.Find("A")
	b, _ := plan.Target.Find("B")
	assert.Equal(t, 50.0, a.TargetWeight)
	assert.Equal(t, 50.0, b.TargetWeight)

	require.Len(t, plan.BuyOrders, 1)
	assert.Equal(t, "B", plan.BuyOrders[0].Symbol)
	assert.Equal(t, 166-83, plan.BuyOrders[0].Shares)

	require.Len(t, plan.SuppressedExcess, 1)
	assert.Equal(t, Excess{Symbol: "A", CurrentShares: 100, TargetShares: 99}, plan.SuppressedExcess[0])
	assert.Equal(t, plan.BuyValue-plan.SellValue, plan.NetCashNeeded)
}

func TestGenerate_NoTriggerNoCashIsEmpty(t *testing.T) {
	g := newGenerator()
	u, err := models.UniverseFromSymbols("A", "B")
	require.NoError(t, err)

	// Prices drift far outside the band but membership is unchanged.
	prices := models.NewPriceBook(map[string]float64{"A": 5000, "B": 3})
	plan, err := g.Generate([]models.Holding{{Symbol: "A", Shares: 10}, {Symbol: "B", Shares: 10}}, u, prices, 0)
	require.NoError(t, err)
	assert.True(t, plan.IsEmpty())
	assert.False(t, plan.Trigger.Needed)
}

func TestGenerate_ExtraCashTopsUpWithoutSelling(t *testing.T) {
	g := newGenerator()
	u, err := models.UniverseFromSymbols("A", "B")
	require.NoError(t, err)
	prices := models.NewPriceBook(map[string]float64{"A": 100, "B": 100})

	plan, err := g.Generate([]models.Holding{{Symbol: "A", Shares: 50}, {Symbol: "B", Shares: 50}}, u, prices, 10000)
	require.NoError(t, err)
	assert.Empty(t, plan.SellOrders)
	require.Len(t, plan.BuyOrders, 2)
	assert.Equal(t, 50, plan.BuyOrders[0].Shares)
	assert.Equal(t, 50, plan.BuyOrders[1].Shares)
	assert.Equal(t, 10000.0, plan.NetCashNeeded)
}

func TestGenerate_MissingPriceForHeldSymbol(t *testing.T) {
	g := newGenerator()
	u, err := models.UniverseFromSymbols("A", "B")
	require.NoError(t, err)
	prices := models.NewPriceBook(map[string]float64{"A": 100, "B": 100})

	_, err = g.Generate([]models.Holding{{Symbol: "A", Shares: 5}, {Symbol: "OLD", Shares: 5}}, u, prices, 0)
	var missing *apperrors.MissingPriceDataError
	require.True(t, apperrors.As(err, &missing))
	assert.Equal(t, []string{"OLD"}, missing.Symbols)
}

func TestGenerate_RejectsNegativeExtraCash(t *testing.T) {
	g := newGenerator()
	u, err := models.UniverseFromSymbols("A")
	require.NoError(t, err)
	book := models.NewPriceBook(map[string]float64{"A": 1})
	held := []models.Holding{{Symbol: "A", Shares: 5, AvgCost: 1}}

	for _, extra := range []float64{-1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		var plan *Plan
		require.NotPanics(t, func() { plan, err = g.Generate(held, u, book, extra) }, "%v", extra)
		assert.Nil(t, plan, "%v", extra)
		var verr *apperrors.ValidationError
		assert.True(t, apperrors.As(err, &verr), "%v", extra)
	}
}

func buildUniverse(n int, withCommodity bool, seed []float64, extra ...string) (*models.Universe, map[string]float64) {
	var symbols []string
	prices := map[string]float64{}
	for i := 0; i < n; i++ {
		sym := fmt.Sprintf("SYM%02d", i)
		if withCommodity && i == 0 {
			sym = "GOLDBEES"
		}
		symbols = append(symbols, sym)
		prices[sym] = seed[i%len(seed)]
	}
	symbols = append(symbols, extra...)
	u, _ := models.UniverseFromSymbols(symbols...)
	return u, prices
}

func TestProperty_RebalanceIdempotence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	g := newGenerator()
	calc := allocation.NewCalculator(allocation.DefaultConfig())

	properties.Property("identical inputs give identical plans and an executed plan leaves nothing to do", prop.ForAll(
		func(n int, withCommodity bool, seed []float64, amount, extraCash float64, dropLast bool) bool {
			u, priceMap := buildUniverse(n, withCommodity, seed)
			book := models.NewPriceBook(priceMap)
			initial, err := calc.Calculate(amount, u, book)
			if err != nil {
				return false
			}
			holdings := holdingsFrom(initial)

			next, _ := buildUniverse(n, withCommodity, seed, "NEWSYM")
			if dropLast && n > 1 {
				symbols := next.Symbols()
				symbols = append(symbols[:n-1], symbols[n:]...)
				next, _ = models.UniverseFromSymbols(symbols...)
			}
			priceMap["NEWSYM"] = seed[0]
			book = models.NewPriceBook(priceMap)

			first, err := g.Generate(holdings, next, book, extraCash)
			if err != nil {
				return false
			}
			second, err := g.Generate(holdings, next, book, extraCash)
			if err != nil {
				return false
			}
			if first.Describe() != second.Describe() || first.NetCashNeeded != second.NetCashNeeded {
				return false
			}

			after, err := g.Generate(apply(holdings, first), next, book, 0)
			return err == nil && after.IsEmpty()
		},
		gen.IntRange(1, 10),
		gen.Bool(),
		gen.SliceOfN(10, gen.Float64Range(1, 5000)),
		gen.Float64Range(1000000, 10000000),
		gen.Float64Range(0, 100000),
		gen.Bool(),
	))

	properties.Property("adding one symbol buys it once and sells nothing else", prop.ForAll(
		func(n int, withCommodity bool, seed []float64, amount float64, newPrice float64) bool {
			u, priceMap := buildUniverse(n, withCommodity, seed)
			initial, err := calc.Calculate(amount, u, models.NewPriceBook(priceMap))
			if err != nil {
				return false
			}

			next, _ := buildUniverse(n, withCommodity, seed, "NEWSYM")
			priceMap["NEWSYM"] = newPrice
			plan, err := g.Generate(holdingsFrom(initial), next, models.NewPriceBook(priceMap), 0)
			if err != nil {
				return false
			}
			if len(plan.SellOrders) != 0 {
				return false
			}
			buys := 0
			for _, o := range plan.BuyOrders {
				if o.Symbol == "NEWSYM" {
					buys++
					if o.Shares < 1 {
						return false
					}
				}
			}
			return buys == 1
		},
		gen.IntRange(1, 10),
		gen.Bool(),
		gen.SliceOfN(10, gen.Float64Range(1, 5000)),
		gen.Float64Range(1000000, 10000000),
		gen.Float64Range(1, 5000),
	))

	properties.TestingRun(t)
}
