package models

// SymbolAllocation is the quantized target for one symbol.
type SymbolAllocation struct {
	Symbol         string  `json:"symbol"`
	Price          float64 `json:"price"`
	TargetWeight   float64 `json:"target_weight"`
	MinWeight      float64 `json:"min_weight"`
	MaxWeight      float64 `json:"max_weight"`
	Shares         int     `json:"shares"`
	AllocatedValue float64 `json:"allocated_value"`
	RealizedWeight float64 `json:"realized_weight"`
	IsCommodity    bool    `json:"is_commodity"`
}

// InBand reports whether the realized weight sits inside the allocation band.
func (a SymbolAllocation) InBand() bool {
	return a.RealizedWeight >= a.MinWeight && a.RealizedWeight <= a.MaxWeight
}

// AllocationValidation summarizes band compliance.
type AllocationValidation struct {
	InBand     int      `json:"in_band"`
	BelowMin   int      `json:"below_min"`
	AboveMax   int      `json:"above_max"`
	Violations []string `json:"violations,omitempty"`
}

// Valid reports whether every symbol is inside its band.
func (v AllocationValidation) Valid() bool {
	return v.BelowMin == 0 && v.AboveMax == 0
}

// AllocationStats describes the distribution of realized weights.
type AllocationStats struct {
	MinWeight  float64 `json:"min_weight"`
	MaxWeight  float64 `json:"max_weight"`
	MeanWeight float64 `json:"mean_weight"`
	StdDev     float64 `json:"std_dev"`
}

// AllocationPlan is the output of the allocation calculator.
type AllocationPlan struct {
	InvestmentAmount float64              `json:"investment_amount"`
	Allocations      []SymbolAllocation   `json:"allocations"`
	TotalAllocated   float64              `json:"total_allocated"`
	LeftoverCash     float64              `json:"leftover_cash"`
	Utilization      float64              `json:"utilization_percent"`
	Validation       AllocationValidation `json:"validation"`
	Stats            AllocationStats      `json:"stats"`
}

// SharesBySymbol returns the target share count per symbol.
func (p *AllocationPlan) SharesBySymbol() map[string]int {
	out := make(map[string]int, len(p.Allocations))
	for _, a := range p.Allocations {
		out[a.Symbol] = a.Shares
	}
	return out
}

// Find returns the allocation for symbol.
func (p *AllocationPlan) Find(symbol string) (SymbolAllocation, bool) {
	for _, a := range p.Allocations {
		if a.Symbol == symbol {
			return a, true
		}
	}
	return SymbolAllocation{}, false
}

// SymbolRequirement explains one symbol's contribution to the minimum investment.
type SymbolRequirement struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	TargetWeight  float64 `json:"target_weight"`
	MaxWeight     float64 `json:"max_weight"`
	MinInvestment float64 `json:"min_investment"`
}

// InvestmentRequirements is the minimum capital needed for a universe.
type InvestmentRequirements struct {
	MinimumInvestment     float64             `json:"minimum_investment"`
	RecommendedInvestment float64             `json:"recommended_investment"`
	LimitingSymbol        string              `json:"limiting_symbol"`
	Symbols               []SymbolRequirement `json:"symbols"`
}
