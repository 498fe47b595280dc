package portfolio

import (
	"context"
	"time"

	"zerodha-rebalancer/internal/finmath"
	"zerodha-rebalancer/internal/models"
	"zerodha-rebalancer/internal/reconcile"
)

const daysPerYear = 365.25

// Metrics is the performance of the account's usable, priced holdings.
type Metrics struct {
	InvestedValue  float64   `json:"invested_value"`
	CurrentValue   float64   `json:"current_value"`
	AbsoluteReturn float64   `json:"absolute_return"`
	ReturnsPercent float64   `json:"returns_percent"`
	CAGR           float64   `json:"cagr"`
	InvestedSince  time.Time `json:"invested_since,omitempty"`
}

// ComputeMetrics values usable shares at cost and at market. Symbols
// without a price are left out of both sides so the return is not skewed.
// CAGR is zero when since is unknown.
func ComputeMetrics(report *reconcile.Report, expected []models.Holding, since, now time.Time) *Metrics {
	cost := make(map[string]float64, len(expected))
	for _, h := range expected {
		cost[h.Symbol] = h.AvgCost
	}

	var invested, current []float64
	for _, res := range report.Results {
		if res.Classification == models.ClassError || res.UsableShares <= 0 || res.UsableValue <= 0 {
			continue
		}
		invested = append(invested, finmath.Value(res.UsableShares, cost[res.Symbol]))
		current = append(current, res.UsableValue)
	}

	m := &Metrics{
		InvestedValue: finmath.SumMoney(invested...),
		CurrentValue:  finmath.SumMoney(current...),
		InvestedSince: since,
	}
	m.AbsoluteReturn = finmath.SumMoney(m.CurrentValue, -m.InvestedValue)
	m.ReturnsPercent = finmath.RoundPercent(finmath.ReturnsPercent(m.CurrentValue, m.InvestedValue))
	if !since.IsZero() && now.After(since) {
		years := now.Sub(since).Hours() / 24 / daysPerYear
		m.CAGR = finmath.RoundPercent(finmath.CAGR(m.InvestedValue, m.CurrentValue, years))
	}
	return m
}

// metrics computes Metrics dated from the account's first INITIAL cycle.
func (s *Service) metrics(ctx context.Context, report *reconcile.Report, expected []models.Holding, now time.Time) *Metrics {
	cycles, err := s.store.ListCycles(ctx, s.account, 0)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Cycle history unavailable, CAGR omitted")
	}
	var since time.Time
	for _, c := range cycles {
		if c.SessionType == models.SessionInitial {
			since = c.CreatedAt
		}
	}
	return ComputeMetrics(report, expected, since, now)
}
