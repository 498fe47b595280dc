package models

// Holding is a position the rebalancer treats as its own.
type Holding struct {
	Symbol  string  `json:"symbol"`
	Shares  int     `json:"shares"`
	AvgCost float64 `json:"avg_cost"`
}

// BrokerHolding is a delivery holding as the broker reports it.
// Shares bought yesterday sit in T1Quantity and pledged shares in
// CollateralQuantity; both are still owned.
type BrokerHolding struct {
	Symbol             string  `json:"symbol"`
	Quantity           int     `json:"quantity"`
	T1Quantity         int     `json:"t1_quantity"`
	CollateralQuantity int     `json:"collateral_quantity"`
	AveragePrice       float64 `json:"average_price"`
	LastPrice          float64 `json:"last_price"`
}

// Total returns all shares the account owns for the symbol.
func (h BrokerHolding) Total() int {
	return h.Quantity + h.T1Quantity + h.CollateralQuantity
}

// HoldingSymbols returns the set of symbols with a positive share count.
func HoldingSymbols(holdings []Holding) map[string]bool {
	set := make(map[string]bool, len(holdings))
	for _, h := range holdings {
		if h.Shares > 0 {
			set[h.Symbol] = true
		}
	}
	return set
}
