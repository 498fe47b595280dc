// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"zerodha-rebalancer/internal/models"
)

// Store defines the interface for rebalancer persistence.
type Store interface {
	// Orders
	SaveOrders(ctx context.Context, orders []models.Order) error
	UpdateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error)
	ListOrdersByStatus(ctx context.Context, account string, statuses ...models.OrderStatus) ([]models.Order, error)

	// Applied universe
	GetAppliedUniverse(ctx context.Context, account string) (*AppliedUniverse, error)
	SetAppliedUniverse(ctx context.Context, applied AppliedUniverse) error

	// Cycle history
	RecordCycle(ctx context.Context, cycle *CycleRecord) error
	ListCycles(ctx context.Context, account string, limit int) ([]CycleRecord, error)

	// Lifecycle
	Close() error
}

// OrderFilter represents filters for querying orders.
type OrderFilter struct {
	Account     string
	Symbol      string
	Statuses    []models.OrderStatus
	SessionType models.SessionType
	Since       time.Time
	Limit       int
}

// AppliedUniverse is the universe snapshot an account's holdings were last
// built or rebalanced against.
type AppliedUniverse struct {
	Account   string    `json:"account"`
	Hash      string    `json:"hash"`
	Symbols   []string  `json:"symbols"`
	AppliedAt time.Time `json:"applied_at"`
}

// CycleRecord is one investment or rebalancing cycle.
type CycleRecord struct {
	ID           string             `json:"id"`
	Account      string             `json:"account"`
	SessionType  models.SessionType `json:"session_type"`
	UniverseHash string             `json:"universe_hash"`
	OrderCount   int                `json:"order_count"`
	BuyValue     float64            `json:"buy_value"`
	SellValue    float64            `json:"sell_value"`
	ExtraCash    float64            `json:"extra_cash"`
	CreatedAt    time.Time          `json:"created_at"`
}
