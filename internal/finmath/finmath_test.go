package finmath

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestCAGR(t *testing.T) {
	assert.InDelta(t, 10.0, CAGR(100, 121, 2), 1e-9)
	assert.InDelta(t, 20.0, CAGR(100, 110, 0.5), 1e-9)
	assert.Equal(t, 0.0, CAGR(0, 100, 1))
	assert.Equal(t, MaxCAGR, CAGR(1, 1e9, 1))
	assert.Equal(t, MinCAGR, CAGR(100, 0, 0.1))
}

func TestShareQuantization(t *testing.T) {
	assert.Equal(t, 83, FloorShares(25000, 300))
	assert.Equal(t, 100, FloorShares(50000, 500))
	assert.Equal(t, 3, FloorShares(0.3*10, 1))
	assert.Equal(t, 0, FloorShares(100, 0))
	assert.Equal(t, 84, CeilShares(25000, 300))
	assert.Equal(t, 100, CeilShares(50000, 500))
}

func TestBand(t *testing.T) {
	b := NewBand(10, 2, 0.5)
	assert.Equal(t, 8.0, b.Min)
	assert.Equal(t, 12.0, b.Max)
	assert.True(t, b.Contains(8))
	assert.False(t, b.Contains(12.5))

	small := NewBand(1, 2, 0.5)
	assert.Equal(t, 0.5, small.Min)

	tiny := NewBand(0.2, 2, 0.5)
	assert.Equal(t, 0.2, tiny.Min)

	full := NewBand(100, 2, 0.5)
	assert.Equal(t, 100.0, full.Max)
}

func TestRounding(t *testing.T) {
	assert.Equal(t, 0.3, SumMoney(0.1, 0.2))
	assert.Equal(t, 12.35, RoundMoney(12.345))
	assert.Equal(t, 24900.0, Value(83, 300))
}

func TestAllocationStats(t *testing.T) {
	s := AllocationStats([]float64{50, 25, 25})
	assert.Equal(t, 25.0, s.MinWeight)
	assert.Equal(t, 50.0, s.MaxWeight)
	assert.InDelta(t, 33.33, s.MeanWeight, 0.01)
	assert.Greater(t, s.StdDev, 0.0)

	single := AllocationStats([]float64{100})
	assert.Equal(t, 0.0, single.StdDev)
}

func TestProperty_FloorSharesNeverOverspends(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("floor(amount/price) * price <= amount", prop.ForAll(
		func(amount, price float64) bool {
			shares := FloorShares(amount, price)
			tol := price * 1e-8
			return float64(shares)*price <= amount+tol && float64(shares+1)*price > amount-tol
		},
		gen.Float64Range(1, 1e7),
		gen.Float64Range(0.1, 100000),
	))

	properties.TestingRun(t)
}
