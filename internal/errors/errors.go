// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Standard sentinel errors
var (
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrSessionExpired     = errors.New("session expired")
	ErrInvalidOrder       = errors.New("invalid order")
	ErrOrderRejected      = errors.New("order rejected")
	ErrOrderNotFound      = errors.New("order not found")
	ErrInvalidTransition  = errors.New("invalid order state transition")
	ErrSymbolNotFound     = errors.New("symbol not found")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrTimeout            = errors.New("operation timed out")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrDataNotFound       = errors.New("data not found")
	ErrDatabaseError      = errors.New("database error")
	ErrUniverseEmpty      = errors.New("universe is empty")
	ErrUniverseFetch      = errors.New("universe fetch failed")
	ErrAccountUnknown     = errors.New("unknown account")
	ErrNothingToRebalance = errors.New("rebalancing not needed")
	ErrOrdersInFlight     = errors.New("orders still in flight")
	ErrAlreadyInvested    = errors.New("portfolio already invested")
)

// InsufficientCapitalError is returned when the requested amount cannot
// buy at least one share of every symbol inside its band.
type InsufficientCapitalError struct {
	Requested   float64
	Minimum     float64
	Shortfall   float64
	Recommended float64
	Limiting    string
}

func (e *InsufficientCapitalError) Error() string {
	return fmt.Sprintf("insufficient capital: requested %.2f, minimum %.2f (shortfall %.2f, recommended %.2f, limited by %s)",
		e.Requested, e.Minimum, e.Shortfall, e.Recommended, e.Limiting)
}

// NewInsufficientCapitalError creates a new InsufficientCapitalError.
func NewInsufficientCapitalError(requested, minimum, recommended float64, limiting string) *InsufficientCapitalError {
	return &InsufficientCapitalError{
		Requested:   requested,
		Minimum:     minimum,
		Shortfall:   minimum - requested,
		Recommended: recommended,
		Limiting:    limiting,
	}
}

// MissingPriceDataError lists symbols without a usable price.
type MissingPriceDataError struct {
	Symbols []string
}

func (e *MissingPriceDataError) Error() string {
	return fmt.Sprintf("missing price data for: %s", strings.Join(e.Symbols, ", "))
}

// NewMissingPriceDataError creates a new MissingPriceDataError.
func NewMissingPriceDataError(symbols []string) *MissingPriceDataError {
	return &MissingPriceDataError{Symbols: symbols}
}

// ReconciliationError is a per-symbol failure to verify broker holdings.
type ReconciliationError struct {
	Symbol string
	Reason string
	Err    error
}

func (e *ReconciliationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reconciliation error [%s]: %s: %v", e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("reconciliation error [%s]: %s", e.Symbol, e.Reason)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

// NewReconciliationError creates a new ReconciliationError.
func NewReconciliationError(symbol, reason string, err error) *ReconciliationError {
	return &ReconciliationError{
		Symbol: symbol,
		Reason: reason,
		Err:    err,
	}
}

// OrderSubmissionFailure is returned when the broker refuses or fails a placement.
type OrderSubmissionFailure struct {
	OrderID string
	Symbol  string
	Side    string
	Reason  string
	Err     error
}

func (e *OrderSubmissionFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order submission failed [%s] %s %s: %s: %v", e.OrderID, e.Side, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order submission failed [%s] %s %s: %s", e.OrderID, e.Side, e.Symbol, e.Reason)
}

func (e *OrderSubmissionFailure) Unwrap() error {
	return e.Err
}

// NewOrderSubmissionFailure creates a new OrderSubmissionFailure.
func NewOrderSubmissionFailure(orderID, symbol, side, reason string, err error) *OrderSubmissionFailure {
	return &OrderSubmissionFailure{
		OrderID: orderID,
		Symbol:  symbol,
		Side:    side,
		Reason:  reason,
		Err:     err,
	}
}

// OrderExecutionTimeout is returned when a broker call outlives its deadline.
type OrderExecutionTimeout struct {
	OrderID   string
	Symbol    string
	Operation string
	Err       error
}

func (e *OrderExecutionTimeout) Error() string {
	return fmt.Sprintf("order %s timed out [%s] %s: %v", e.Operation, e.OrderID, e.Symbol, e.Err)
}

func (e *OrderExecutionTimeout) Unwrap() error {
	return ErrTimeout
}

// NewOrderExecutionTimeout creates a new OrderExecutionTimeout.
func NewOrderExecutionTimeout(orderID, symbol, operation string, err error) *OrderExecutionTimeout {
	return &OrderExecutionTimeout{
		OrderID:   orderID,
		Symbol:    symbol,
		Operation: operation,
		Err:       err,
	}
}

// MaxRetriesExceeded is returned when an order has used all of its attempts.
type MaxRetriesExceeded struct {
	OrderID  string
	Symbol   string
	Attempts int
}

func (e *MaxRetriesExceeded) Error() string {
	return fmt.Sprintf("order %s (%s) exhausted %d attempts", e.OrderID, e.Symbol, e.Attempts)
}

// NewMaxRetriesExceeded creates a new MaxRetriesExceeded.
func NewMaxRetriesExceeded(orderID, symbol string, attempts int) *MaxRetriesExceeded {
	return &MaxRetriesExceeded{
		OrderID:  orderID,
		Symbol:   symbol,
		Attempts: attempts,
	}
}

// BrokerError represents an error from the broker API.
type BrokerError struct {
	Code    string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s]: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(code, message string, err error) *BrokerError {
	return &BrokerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// IsTimeout reports whether err came from an expired deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports whether an order that failed with err may be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var maxed *MaxRetriesExceeded
	if errors.As(err, &maxed) {
		return false
	}
	var sub *OrderSubmissionFailure
	var to *OrderExecutionTimeout
	return errors.As(err, &sub) || errors.As(err, &to) || IsTimeout(err)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
