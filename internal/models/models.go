// Package models provides domain models for the portfolio rebalancer.
package models

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// ProductType represents the product type of an order.
type ProductType string

const (
	ProductCNC ProductType = "CNC" // Delivery
	ProductMIS ProductType = "MIS" // Intraday
)

// SessionType tags orders with the cycle that created them.
type SessionType string

const (
	SessionInitial   SessionType = "INITIAL"
	SessionRebalance SessionType = "REBALANCE"
)

// Actionability is the single verdict on what a portfolio needs next.
type Actionability string

const (
	ActionInitialInvestment Actionability = "INITIAL_INVESTMENT_REQUIRED"
	ActionRebalance         Actionability = "REBALANCE_REQUIRED"
	ActionUpToDate          Actionability = "UP_TO_DATE"
	ActionOrdersInFlight    Actionability = "ORDERS_IN_FLIGHT"
	ActionAttention         Actionability = "ATTENTION_REQUIRED"
)
