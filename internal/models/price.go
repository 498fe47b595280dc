package models

import (
	"sort"
	"time"

	apperrors "zerodha-rebalancer/internal/errors"
)

// PriceQuote is a last-traded price for a symbol.
type PriceQuote struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	AsOf   time.Time `json:"as_of"`
}

// PriceBook maps symbol to its latest quote.
type PriceBook map[string]PriceQuote

// NewPriceBook builds a book from a plain symbol->price map.
func NewPriceBook(prices map[string]float64) PriceBook {
	now := time.Now()
	book := make(PriceBook, len(prices))
	for sym, p := range prices {
		book[sym] = PriceQuote{Symbol: sym, Price: p, AsOf: now}
	}
	return book
}

// Price returns the price for symbol and whether it is usable.
func (b PriceBook) Price(symbol string) (float64, bool) {
	q, ok := b[symbol]
	if !ok || q.Price <= 0 {
		return 0, false
	}
	return q.Price, true
}

// Require fails closed when any symbol lacks a positive price.
func (b PriceBook) Require(symbols []string) error {
	var missing []string
	for _, s := range symbols {
		if _, ok := b.Price(s); !ok {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return apperrors.NewMissingPriceDataError(missing)
	}
	return nil
}
