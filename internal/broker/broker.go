// Package broker provides broker integration interfaces and implementations.
package broker

import (
	"context"

	"zerodha-rebalancer/internal/models"
)

// Broker defines the brokerage operations the rebalancer depends on.
type Broker interface {
	// Authentication
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	IsAuthenticated() bool

	// Market Data
	GetQuotes(ctx context.Context, symbols []string) (models.PriceBook, error)

	// Orders
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	GetOrderStatus(ctx context.Context, brokerOrderID string) (*models.BrokerOrderStatus, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// Holdings
	GetHoldings(ctx context.Context) ([]models.BrokerHolding, error)
}

// OrderRequest is a delivery order to be placed at the broker.
type OrderRequest struct {
	Symbol   string
	Exchange models.Exchange
	Side     models.OrderSide
	Type     models.OrderType
	Product  models.ProductType
	Quantity int
	Price    float64
	Validity string // DAY, IOC
	Tag      string
}

// NewMarketOrder builds the CNC market order used for every rebalancer trade.
func NewMarketOrder(exchange models.Exchange, symbol string, side models.OrderSide, qty int, tag string) OrderRequest {
	return OrderRequest{
		Symbol:   symbol,
		Exchange: exchange,
		Side:     side,
		Type:     models.OrderTypeMarket,
		Product:  models.ProductCNC,
		Quantity: qty,
		Validity: "DAY",
		Tag:      tag,
	}
}

// OrderResult represents the result of an order placement.
type OrderResult struct {
	OrderID string
	Status  string
	Message string
}
