// Package reconcile compares the holdings the rebalancer believes it owns with
// what the broker reports, and decides how many shares are safe to use.
package reconcile

import (
	"fmt"
	"sort"
	"time"

	apperrors "zerodha-rebalancer/internal/errors"
	"zerodha-rebalancer/internal/finmath"
	"zerodha-rebalancer/internal/models"
)

// Recommended actions surfaced to the operator.
const (
	ActionNone     = "Portfolio matches expected holdings"
	ActionModified = "Holdings changed outside the rebalancer; only usable shares are considered"
	ActionError    = "Broker data unavailable; resolve before trading"
)

// Report is the result of one reconciliation pass.
type Report struct {
	Results           []models.ComparisonResult `json:"results"`
	Extra             []models.BrokerHolding    `json:"extra,omitempty"`
	ExpectedValue     float64                   `json:"expected_value"`
	UsableValue       float64                   `json:"usable_value"`
	Status            models.Classification     `json:"status"`
	BrokerReachable   bool                      `json:"broker_reachable"`
	Warnings          []string                  `json:"warnings,omitempty"`
	RecommendedAction string                    `json:"recommended_action"`
	CheckedAt         time.Time                 `json:"checked_at"`

	errs []error
}

// Errors returns the per-symbol reconciliation errors.
func (r *Report) Errors() []error {
	return r.errs
}

// HasErrors reports whether any symbol could not be verified.
func (r *Report) HasErrors() bool {
	return len(r.errs) > 0
}

// Counts returns the number of results per classification.
func (r *Report) Counts() (match, modified, errored int) {
	for _, res := range r.Results {
		switch res.Classification {
		case models.ClassMatch:
			match++
		case models.ClassModified:
			modified++
		case models.ClassError:
			errored++
		}
	}
	return
}

// UsableHoldings returns the verified holdings the plan generator may use.
// Symbols classified ERROR are omitted.
func (r *Report) UsableHoldings(expected []models.Holding) []models.Holding {
	cost := make(map[string]float64, len(expected))
	for _, h := range expected {
		cost[h.Symbol] = h.AvgCost
	}
	var out []models.Holding
	for _, res := range r.Results {
		if res.Classification == models.ClassError || res.UsableShares <= 0 {
			continue
		}
		out = append(out, models.Holding{
			Symbol:  res.Symbol,
			Shares:  res.UsableShares,
			AvgCost: cost[res.Symbol],
		})
	}
	return out
}

// ExpectedHoldings derives the holdings implied by filled order quantities.
// Only filled shares count, so a partially filled cancelled order still
// contributes what it bought.
func ExpectedHoldings(orders []models.Order) []models.Holding {
	type acc struct {
		shares    int
		boughtQty int
		boughtVal float64
	}
	book := map[string]*acc{}
	for _, o := range orders {
		if o.FilledQuantity <= 0 {
			continue
		}
		a, ok := book[o.Symbol]
		if !ok {
			a = &acc{}
			book[o.Symbol] = a
		}
		switch o.Side {
		case models.OrderSideBuy:
			price := o.AveragePrice
			if price <= 0 {
				price = o.ReferencePrice
			}
			a.shares += o.FilledQuantity
			a.boughtQty += o.FilledQuantity
			a.boughtVal += float64(o.FilledQuantity) * price
		case models.OrderSideSell:
			a.shares -= o.FilledQuantity
		}
	}

	var out []models.Holding
	for sym, a := range book {
		if a.shares <= 0 {
			continue
		}
		var avg float64
		if a.boughtQty > 0 {
			avg = finmath.RoundMoney(a.boughtVal / float64(a.boughtQty))
		}
		out = append(out, models.Holding{Symbol: sym, Shares: a.shares, AvgCost: avg})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Compare reconciles expected holdings with the broker's view.
//
// Usable shares are min(expected, actual) where actual counts settled, T1
// and collateral quantities. Shares beyond expectation are reported as
// excess and never sold. When the broker could not be read every expected
// symbol is classified ERROR and contributes nothing to the usable value.
func Compare(expected []models.Holding, actual []models.BrokerHolding, actualErr error, prices models.PriceBook) *Report {
	r := &Report{
		BrokerReachable: actualErr == nil,
		CheckedAt:       time.Now(),
	}

	broker := make(map[string]models.BrokerHolding, len(actual))
	for _, h := range actual {
		if prev, ok := broker[h.Symbol]; ok {
			prev.Quantity += h.Quantity
			prev.T1Quantity += h.T1Quantity
			prev.CollateralQuantity += h.CollateralQuantity
			broker[h.Symbol] = prev
			continue
		}
		broker[h.Symbol] = h
	}

	sorted := make([]models.Holding, 0, len(expected))
	for _, h := range expected {
		if h.Shares > 0 {
			sorted = append(sorted, h)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Symbol < sorted[j].Symbol })

	var expectedValues, usableValues []float64
	seen := make(map[string]bool, len(sorted))
	for _, h := range sorted {
		seen[h.Symbol] = true
		res := models.ComparisonResult{
			Symbol:         h.Symbol,
			ExpectedShares: h.Shares,
		}
		bh := broker[h.Symbol]
		res.Price = priceFor(h.Symbol, prices, bh)

		switch {
		case actualErr != nil:
			res.Classification = models.ClassError
			r.fail(&res, apperrors.NewReconciliationError(h.Symbol, "broker holdings unavailable", actualErr))
		case bh.Quantity < 0 || bh.T1Quantity < 0 || bh.CollateralQuantity < 0:
			res.Classification = models.ClassError
			r.fail(&res, apperrors.NewReconciliationError(h.Symbol, fmt.Sprintf("broker reported negative quantity %d", bh.Total()), nil))
		default:
			res.ActualShares = bh.Total()
			res.UsableShares = min(h.Shares, res.ActualShares)
			if res.ActualShares > h.Shares {
				res.ExcessShares = res.ActualShares - h.Shares
			}
			if res.UsableShares == h.Shares {
				res.Classification = models.ClassMatch
			} else {
				res.Classification = models.ClassModified
				res.Warning = fmt.Sprintf("expected %d shares, broker holds %d", h.Shares, res.ActualShares)
			}
			if res.Price > 0 {
				res.UsableValue = finmath.Value(res.UsableShares, res.Price)
				usableValues = append(usableValues, res.UsableValue)
			} else {
				res.Warning = appendWarning(res.Warning, "no price available, excluded from usable value")
			}
		}
		if res.Price > 0 {
			expectedValues = append(expectedValues, finmath.Value(h.Shares, res.Price))
		}
		if res.Warning != "" {
			r.Warnings = append(r.Warnings, fmt.Sprintf("%s: %s", h.Symbol, res.Warning))
		}
		r.Results = append(r.Results, res)
	}

	if actualErr == nil {
		for sym, bh := range broker {
			if !seen[sym] && bh.Total() > 0 {
				r.Extra = append(r.Extra, bh)
			}
		}
		sort.Slice(r.Extra, func(i, j int) bool { return r.Extra[i].Symbol < r.Extra[j].Symbol })
	}

	r.ExpectedValue = finmath.SumMoney(expectedValues...)
	r.UsableValue = finmath.SumMoney(usableValues...)
	r.Status, r.RecommendedAction = r.aggregate()
	return r
}

func (r *Report) fail(res *models.ComparisonResult, err *apperrors.ReconciliationError) {
	res.Warning = err.Error()
	r.errs = append(r.errs, err)
}

func (r *Report) aggregate() (models.Classification, string) {
	_, modified, errored := r.Counts()
	switch {
	case !r.BrokerReachable || errored > 0:
		return models.ClassError, ActionError
	case modified > 0:
		return models.ClassModified, ActionModified
	default:
		return models.ClassMatch, ActionNone
	}
}

func priceFor(symbol string, prices models.PriceBook, bh models.BrokerHolding) float64 {
	if p, ok := prices.Price(symbol); ok {
		return p
	}
	if bh.LastPrice > 0 {
		return bh.LastPrice
	}
	return 0
}

func appendWarning(existing, msg string) string {
	if existing == "" {
		return msg
	}
	return existing + "; " + msg
}
