// Package rebalance diffs the current usable holdings against a freshly
// allocated target for a new universe and produces the orders that close the gap.
package rebalance

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"zerodha-rebalancer/internal/allocation"
	apperrors "zerodha-rebalancer/internal/errors"
	"zerodha-rebalancer/internal/finmath"
	"zerodha-rebalancer/internal/models"
)

// Trigger describes why a rebalance is or is not needed.
type Trigger struct {
	Needed    bool     `json:"needed"`
	FirstTime bool     `json:"first_time"`
	Added     []string `json:"added,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Reason    string   `json:"reason"`
}

// CheckTrigger compares the held symbol set with the universe symbol set.
// Only a change in membership triggers a rebalance; price drift never does.
func CheckTrigger(holdings []models.Holding, u *models.Universe) Trigger {
	held := models.HoldingSymbols(holdings)
	want := u.SymbolSet()

	if len(held) == 0 {
		return Trigger{
			FirstTime: true,
			Added:     u.Symbols(),
			Reason:    "no holdings yet, initial investment required",
		}
	}

	var t Trigger
	for _, sym := range u.Symbols() {
		if !held[sym] {
			t.Added = append(t.Added, sym)
		}
	}
	for sym := range held {
		if !want[sym] {
			t.Removed = append(t.Removed, sym)
		}
	}
	sort.Strings(t.Removed)

	t.Needed = len(t.Added) > 0 || len(t.Removed) > 0
	switch {
	case t.Needed:
		t.Reason = fmt.Sprintf("universe changed: %d added, %d removed", len(t.Added), len(t.Removed))
	default:
		t.Reason = "holdings match universe"
	}
	return t
}

// Excess is a retained position above its new target. It is reported, not sold.
type Excess struct {
	Symbol        string `json:"symbol"`
	CurrentShares int    `json:"current_shares"`
	TargetShares  int    `json:"target_shares"`
}

// Plan is the output of a rebalancing cycle.
type Plan struct {
	Trigger          Trigger                `json:"trigger"`
	SellOrders       []models.Order         `json:"sell_orders"`
	BuyOrders        []models.Order         `json:"buy_orders"`
	CurrentValue     float64                `json:"current_value"`
	ExtraCash        float64                `json:"extra_cash"`
	TotalValue       float64                `json:"total_value"`
	SellValue        float64                `json:"sell_value"`
	BuyValue         float64                `json:"buy_value"`
	NetCashNeeded    float64                `json:"net_cash_needed"`
	Target           *models.AllocationPlan `json:"target,omitempty"`
	SuppressedExcess []Excess               `json:"suppressed_excess,omitempty"`
}

// Orders returns sells followed by buys.
func (p *Plan) Orders() []models.Order {
	out := make([]models.Order, 0, len(p.SellOrders)+len(p.BuyOrders))
	out = append(out, p.SellOrders...)
	return append(out, p.BuyOrders...)
}

// IsEmpty reports whether the plan contains no orders.
func (p *Plan) IsEmpty() bool {
	return len(p.SellOrders) == 0 && len(p.BuyOrders) == 0
}

// Generator builds rebalancing plans.
type Generator struct {
	calc *allocation.Calculator
}

// NewGenerator creates a new Generator.
func NewGenerator(calc *allocation.Calculator) *Generator {
	return &Generator{calc: calc}
}

// Generate produces the plan that moves usable holdings onto the universe.
//
// Dropped symbols are sold in full, new symbols are bought at their full
// target, and retained symbols are topped up when below target. Retained
// symbols above target are listed in SuppressedExcess instead of sold.
// With an unchanged symbol set and no extra cash the plan is empty.
func (g *Generator) Generate(holdings []models.Holding, u *models.Universe, prices models.PriceBook, extraCash float64) (*Plan, error) {
	if math.IsNaN(extraCash) || math.IsInf(extraCash, 0) || extraCash < 0 {
		return nil, apperrors.NewValidationError("extra_cash", extraCash, "must be a non-negative finite number")
	}
	if u == nil || len(u.Entries) == 0 {
		return nil, apperrors.ErrUniverseEmpty
	}

	trigger := CheckTrigger(holdings, u)
	plan := &Plan{Trigger: trigger, ExtraCash: extraCash}
	if !trigger.Needed && extraCash == 0 {
		return plan, nil
	}

	current := make(map[string]int)
	var heldSymbols []string
	for _, h := range holdings {
		if h.Shares <= 0 {
			continue
		}
		if _, ok := current[h.Symbol]; !ok {
			heldSymbols = append(heldSymbols, h.Symbol)
		}
		current[h.Symbol] += h.Shares
	}
	sort.Strings(heldSymbols)

	if err := prices.Require(union(heldSymbols, u.Symbols())); err != nil {
		return nil, err
	}

	values := make([]float64, 0, len(heldSymbols))
	for _, sym := range heldSymbols {
		price, _ := prices.Price(sym)
		values = append(values, finmath.Value(current[sym], price))
	}
	plan.CurrentValue = finmath.SumMoney(values...)
	plan.TotalValue = finmath.SumMoney(plan.CurrentValue, extraCash)

	target, err := g.calc.Calculate(plan.TotalValue, u, prices)
	if err != nil {
		return nil, err
	}
	plan.Target = target

	want := u.SymbolSet()
	for _, sym := range heldSymbols {
		if want[sym] {
			continue
		}
		price, _ := prices.Price(sym)
		plan.SellOrders = append(plan.SellOrders, newOrder(sym, models.OrderSideSell, current[sym], price))
	}

	for _, a := range target.Allocations {
		have := current[a.Symbol]
		switch {
		case a.Shares > have:
			plan.BuyOrders = append(plan.BuyOrders, newOrder(a.Symbol, models.OrderSideBuy, a.Shares-have, a.Price))
		case a.Shares < have:
			plan.SuppressedExcess = append(plan.SuppressedExcess, Excess{
				Symbol:        a.Symbol,
				CurrentShares: have,
				TargetShares:  a.Shares,
			})
		}
	}

	sort.Slice(plan.BuyOrders, func(i, j int) bool { return plan.BuyOrders[i].Symbol < plan.BuyOrders[j].Symbol })

	var sells, buys []float64
	for _, o := range plan.SellOrders {
		sells = append(sells, o.Value())
	}
	for _, o := range plan.BuyOrders {
		buys = append(buys, o.Value())
	}
	plan.SellValue = finmath.SumMoney(sells...)
	plan.BuyValue = finmath.SumMoney(buys...)
	plan.NetCashNeeded = finmath.SumMoney(plan.BuyValue, -plan.SellValue)

	return plan, nil
}

func newOrder(symbol string, side models.OrderSide, shares int, price float64) models.Order {
	return models.Order{
		Symbol:         symbol,
		Side:           side,
		Shares:         shares,
		ReferencePrice: price,
		SessionType:    models.SessionRebalance,
		Status:         models.OrderPending,
	}
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// Describe renders a one-line summary for logs.
func (p *Plan) Describe() string {
	var parts []string
	for _, o := range p.Orders() {
		parts = append(parts, fmt.Sprintf("%s %d %s", o.Side, o.Shares, o.Symbol))
	}
	if len(parts) == 0 {
		return "no orders"
	}
	return strings.Join(parts, ", ")
}
