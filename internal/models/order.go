package models

import "time"

// OrderStatus is the lifecycle state of a rebalancer order.
type OrderStatus string

const (
	OrderPending          OrderStatus = "PENDING"
	OrderSubmitted        OrderStatus = "SUBMITTED"
	OrderOpen             OrderStatus = "OPEN"
	OrderComplete         OrderStatus = "COMPLETE"
	OrderRejected         OrderStatus = "REJECTED"
	OrderCancelled        OrderStatus = "CANCELLED"
	OrderFailedToSubmit   OrderStatus = "FAILED_TO_SUBMIT"
	OrderFailedMaxRetries OrderStatus = "FAILED_MAX_RETRIES"
)

// IsTerminal reports whether no further automatic transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderComplete || s == OrderFailedMaxRetries
}

// IsRetryEligible reports whether a retry may be requested from this state.
func (s OrderStatus) IsRetryEligible() bool {
	return s == OrderRejected || s == OrderCancelled || s == OrderFailedToSubmit
}

// IsInFlight reports whether the broker may still be working the order.
func (s OrderStatus) IsInFlight() bool {
	return s == OrderSubmitted || s == OrderOpen
}

// OrderAttempt records one submission of an order to the broker.
type OrderAttempt struct {
	Number         int         `json:"number"`
	BrokerOrderID  string      `json:"broker_order_id,omitempty"`
	Quantity       int         `json:"quantity"`
	FilledQuantity int         `json:"filled_quantity"`
	AveragePrice   float64     `json:"average_price"`
	Status         OrderStatus `json:"status"`
	FailureReason  string      `json:"failure_reason,omitempty"`
	StartedAt      time.Time   `json:"started_at"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
}

// Order is a single buy or sell decision and its execution history.
// Retries reuse the same record; each submission appends an attempt.
// RetryCount counts retries since creation or the last manual reset.
type Order struct {
	ID              string         `json:"id"`
	Account         string         `json:"account"`
	Symbol          string         `json:"symbol"`
	Side            OrderSide      `json:"side"`
	Shares          int            `json:"shares"`
	ReferencePrice  float64        `json:"reference_price"`
	SessionType     SessionType    `json:"session_type"`
	Status          OrderStatus    `json:"status"`
	RetryCount      int            `json:"retry_count"`
	BrokerOrderID   string         `json:"broker_order_id,omitempty"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	FilledQuantity  int            `json:"filled_quantity"`
	AveragePrice    float64        `json:"average_price"`
	CancelledByUser bool           `json:"cancelled_by_user,omitempty"`
	Attempts        []OrderAttempt `json:"attempts,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Remaining returns the shares still to be filled.
func (o Order) Remaining() int {
	if r := o.Shares - o.FilledQuantity; r > 0 {
		return r
	}
	return 0
}

// Value returns the notional value at the reference price.
func (o Order) Value() float64 {
	return float64(o.Shares) * o.ReferencePrice
}

// AttemptCount returns the number of broker submissions made so far.
func (o Order) AttemptCount() int {
	return len(o.Attempts)
}

// LastAttempt returns a pointer to the latest attempt, or nil.
func (o *Order) LastAttempt() *OrderAttempt {
	if len(o.Attempts) == 0 {
		return nil
	}
	return &o.Attempts[len(o.Attempts)-1]
}

// Clone returns a deep copy so transitions never alias attempt slices.
func (o Order) Clone() Order {
	c := o
	if o.Attempts != nil {
		c.Attempts = make([]OrderAttempt, len(o.Attempts))
		copy(c.Attempts, o.Attempts)
	}
	return c
}

// BrokerOrderStatus is the broker's view of an order, translated at the
// adapter boundary into this strict schema.
type BrokerOrderStatus struct {
	BrokerOrderID  string  `json:"broker_order_id"`
	Status         string  `json:"status"`
	FilledQuantity int     `json:"filled_quantity"`
	PendingQty     int     `json:"pending_quantity"`
	AveragePrice   float64 `json:"average_price"`
	Message        string  `json:"message,omitempty"`
}

// Broker-side order status strings.
const (
	BrokerStatusComplete  = "COMPLETE"
	BrokerStatusOpen      = "OPEN"
	BrokerStatusRejected  = "REJECTED"
	BrokerStatusCancelled = "CANCELLED"
)
