// Package execution drives rebalancer orders through placement, status
// tracking and bounded retry against the broker.
package execution

import (
	"fmt"
	"strings"
	"time"

	apperrors "zerodha-rebalancer/internal/errors"
	"zerodha-rebalancer/internal/models"
)

// DefaultMaxAttempts is the number of broker submissions an order gets
// before it is parked in FAILED_MAX_RETRIES.
const DefaultMaxAttempts = 3

// EventType identifies what happened to an order.
type EventType string

const (
	EventSubmitted      EventType = "SUBMITTED"
	EventSubmitFailed   EventType = "SUBMIT_FAILED"
	EventStatusObserved EventType = "STATUS_OBSERVED"
	EventRetry          EventType = "RETRY"
	EventReset          EventType = "RESET"
	EventCancel         EventType = "CANCEL"
)

// Event is an input to the order state machine.
type Event struct {
	Type          EventType
	BrokerOrderID string
	Quantity      int
	Reason        string
	Timeout       bool
	Status        *models.BrokerOrderStatus
}

// Submitted reports a successful placement.
func Submitted(brokerOrderID string, quantity int) Event {
	return Event{Type: EventSubmitted, BrokerOrderID: brokerOrderID, Quantity: quantity}
}

// SubmitFailed reports a placement that did not reach the broker's book.
func SubmitFailed(reason string, quantity int, timeout bool) Event {
	return Event{Type: EventSubmitFailed, Reason: reason, Quantity: quantity, Timeout: timeout}
}

// StatusObserved carries a broker status poll result.
func StatusObserved(status models.BrokerOrderStatus) Event {
	return Event{Type: EventStatusObserved, Status: &status}
}

// Machine is the pure order state machine. It never performs I/O.
type Machine struct {
	maxAttempts int
}

// NewMachine creates a Machine allowing maxAttempts submissions per order.
func NewMachine(maxAttempts int) *Machine {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Machine{maxAttempts: maxAttempts}
}

// MaxAttempts returns the configured submission budget.
func (m *Machine) MaxAttempts() int {
	return m.maxAttempts
}

// AttemptsUsed returns submissions made since creation or the last reset.
func (m *Machine) AttemptsUsed(o models.Order) int {
	return o.RetryCount + 1
}

// Transition applies ev to o and returns the new order. The input order is
// not modified. Illegal transitions return ErrInvalidTransition.
func (m *Machine) Transition(o models.Order, ev Event, now time.Time) (models.Order, error) {
	next := o.Clone()

	switch ev.Type {
	case EventSubmitted:
		if o.Status != models.OrderPending {
			return o, invalid(o, ev)
		}
		next.Status = models.OrderSubmitted
		next.BrokerOrderID = ev.BrokerOrderID
		next.FailureReason = ""
		next.Attempts = append(next.Attempts, models.OrderAttempt{
			Number:        len(o.Attempts) + 1,
			BrokerOrderID: ev.BrokerOrderID,
			Quantity:      ev.Quantity,
			Status:        models.OrderSubmitted,
			StartedAt:     now,
		})

	case EventSubmitFailed:
		if o.Status != models.OrderPending {
			return o, invalid(o, ev)
		}
		reason := ev.Reason
		if ev.Timeout {
			reason = "timeout: " + reason
		}
		finished := now
		next.Status = models.OrderFailedToSubmit
		next.BrokerOrderID = ""
		next.FailureReason = reason
		next.Attempts = append(next.Attempts, models.OrderAttempt{
			Number:        len(o.Attempts) + 1,
			Quantity:      ev.Quantity,
			Status:        models.OrderFailedToSubmit,
			FailureReason: reason,
			StartedAt:     now,
			FinishedAt:    &finished,
		})

	case EventStatusObserved:
		if !o.Status.IsInFlight() || ev.Status == nil {
			return o, invalid(o, ev)
		}
		applyStatus(&next, *ev.Status, now)

	case EventRetry:
		if !o.Status.IsRetryEligible() {
			return o, invalid(o, ev)
		}
		if m.AttemptsUsed(o) >= m.maxAttempts {
			next.Status = models.OrderFailedMaxRetries
			next.FailureReason = fmt.Sprintf("exhausted %d attempts: %s", m.maxAttempts, o.FailureReason)
			break
		}
		next.Status = models.OrderPending
		next.RetryCount++
		next.BrokerOrderID = ""
		next.CancelledByUser = false

	case EventReset:
		if o.Status == models.OrderComplete || o.Status.IsInFlight() {
			return o, invalid(o, ev)
		}
		next.Status = models.OrderPending
		next.RetryCount = 0
		next.BrokerOrderID = ""
		next.FailureReason = ""
		next.CancelledByUser = false

	case EventCancel:
		switch {
		case o.Status == models.OrderPending:
			next.Status = models.OrderCancelled
			next.FailureReason = "cancelled before submission"
		case o.Status.IsInFlight():
			// The broker confirms the cancel on the next status poll.
		default:
			return o, invalid(o, ev)
		}
		next.CancelledByUser = true

	default:
		return o, fmt.Errorf("unknown order event %q: %w", ev.Type, apperrors.ErrInvalidTransition)
	}

	next.UpdatedAt = now
	return next, nil
}

// MapBrokerStatus translates a broker status string into an order status.
// Anything the broker is still working is OPEN.
func MapBrokerStatus(status string) models.OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case models.BrokerStatusComplete:
		return models.OrderComplete
	case models.BrokerStatusRejected:
		return models.OrderRejected
	case models.BrokerStatusCancelled:
		return models.OrderCancelled
	default:
		return models.OrderOpen
	}
}

func applyStatus(o *models.Order, st models.BrokerOrderStatus, now time.Time) {
	mapped := MapBrokerStatus(st.Status)

	attempt := o.LastAttempt()
	if attempt != nil {
		filled := st.FilledQuantity
		if mapped == models.OrderComplete && filled == 0 {
			filled = attempt.Quantity
		}
		if filled > attempt.FilledQuantity {
			attempt.FilledQuantity = filled
		}
		if st.AveragePrice > 0 {
			attempt.AveragePrice = st.AveragePrice
		}
	}

	var qty int
	var value float64
	for _, a := range o.Attempts {
		qty += a.FilledQuantity
		value += float64(a.FilledQuantity) * a.AveragePrice
	}
	o.FilledQuantity = qty
	if qty > 0 {
		o.AveragePrice = value / float64(qty)
	}

	// An order is complete only once every share is filled.
	if mapped == models.OrderComplete && qty < o.Shares {
		mapped = models.OrderOpen
	}

	if attempt != nil {
		attempt.Status = mapped
		if mapped != models.OrderOpen {
			finished := now
			attempt.FinishedAt = &finished
			if mapped != models.OrderComplete {
				attempt.FailureReason = st.Message
			}
		}
	}

	o.Status = mapped
	switch mapped {
	case models.OrderRejected, models.OrderCancelled:
		o.FailureReason = st.Message
		if o.FailureReason == "" {
			o.FailureReason = strings.ToLower(string(mapped)) + " by broker"
		}
	case models.OrderComplete:
		o.FailureReason = ""
	}
}

func invalid(o models.Order, ev Event) error {
	return fmt.Errorf("order %s: %s from %s: %w", o.ID, ev.Type, o.Status, apperrors.ErrInvalidTransition)
}
