package utils

import (
	"context"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var indianPattern = regexp.MustCompile(`^(\d{1,2},)*\d{1,3}$`)

// Property: currency formatting uses Indian grouping and preserves the value.
func TestProperty_IndianCurrencyFormatting(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("FormatIndianCurrency produces valid Indian format", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatIndianCurrency(amount)

			prefix := "₹"
			if amount < 0 && formatted != "₹0.00" {
				prefix = "-₹"
			}
			if !strings.HasPrefix(formatted, prefix) {
				return false
			}

			parts := strings.Split(strings.TrimPrefix(formatted, prefix), ".")
			if len(parts) != 2 || len(parts[1]) != 2 {
				return false
			}
			return indianPattern.MatchString(parts[0])
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("FormatIndianCurrency preserves value", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatIndianCurrency(amount)
			negative := strings.HasPrefix(formatted, "-")
			raw := strings.ReplaceAll(strings.TrimPrefix(strings.TrimPrefix(formatted, "-"), "₹"), ",", "")
			parsed, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return false
			}
			if negative {
				parsed = -parsed
			}
			return math.Abs(parsed-math.Round(amount*100)/100) <= 0.01
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.Property("FormatCompact uses correct units", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatCompact(amount)
			switch abs := math.Abs(amount); {
			case abs >= 10000000:
				return strings.HasSuffix(formatted, "Cr")
			case abs >= 100000:
				return strings.HasSuffix(formatted, "L")
			default:
				return strings.Contains(formatted, "₹")
			}
		},
		gen.Float64Range(-1e10, 1e10),
	))

	properties.TestingRun(t)
}

func TestIndianNumberFormatExamples(t *testing.T) {
	testCases := []struct {
		amount   float64
		expected string
	}{
		{0, "₹0.00"},
		{999, "₹999.00"},
		{1000, "₹1,000.00"},
		{100000, "₹1,00,000.00"},
		{10000000, "₹1,00,00,000.00"},
		{-1234.56, "-₹1,234.56"},
		{12345678.90, "₹1,23,45,678.90"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, FormatIndianCurrency(tc.amount))
		})
	}

	assert.Equal(t, "1,23,456", FormatQuantity(123456))
	assert.Equal(t, "-1,000", FormatQuantity(-1000))
	assert.Equal(t, "+₹500.00", FormatSignedCurrency(500))
	assert.Equal(t, "33.33%", FormatPercent(33.333))
}

func TestMarketStatusAt(t *testing.T) {
	// 2026-03-02 is a Monday.
	at := func(day, hour, minute int) time.Time {
		return time.Date(2026, 3, day, hour, minute, 0, 0, IndiaLocation)
	}

	assert.Equal(t, MarketClosed, MarketStatusAt(at(2, 8, 59)))
	assert.Equal(t, MarketPreOpen, MarketStatusAt(at(2, 9, 5)))
	assert.Equal(t, MarketOpen, MarketStatusAt(at(2, 9, 15)))
	assert.Equal(t, MarketOpen, MarketStatusAt(at(2, 15, 29)))
	assert.Equal(t, MarketClosed, MarketStatusAt(at(2, 15, 30)))
	assert.Equal(t, MarketClosed, MarketStatusAt(at(7, 11, 0)), "saturday")

	assert.Equal(t, at(2, 9, 15).Unix(), NextMarketOpen(at(2, 8, 0)).Unix())
	assert.Equal(t, at(3, 9, 15).Unix(), NextMarketOpen(at(2, 10, 0)).Unix())
	assert.Equal(t, at(9, 9, 15).Unix(), NextMarketOpen(at(6, 16, 0)).Unix(), "friday evening rolls to monday")

	assert.Equal(t, at(2, 6, 0).Unix(), NextSessionReset(at(2, 3, 0)).Unix())
	assert.Equal(t, at(3, 6, 0).Unix(), NextSessionReset(at(2, 6, 0)).Unix())
}

func TestRetryWithResult(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}

	calls := 0
	v, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("flaky")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)

	permanent := errors.New("permanent")
	cfg.ShouldRetry = func(err error) bool { return !errors.Is(err, permanent) }
	calls = 0
	err = Retry(context.Background(), cfg, func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Retry(ctx, cfg, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, CalculateBackoff(0, 100*time.Millisecond, time.Second, 2))
	assert.Equal(t, 400*time.Millisecond, CalculateBackoff(2, 100*time.Millisecond, time.Second, 2))
	assert.Equal(t, time.Second, CalculateBackoff(10, 100*time.Millisecond, time.Second, 2))
}
