package execution

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zerodha-rebalancer/internal/broker"
	apperrors "zerodha-rebalancer/internal/errors"
	"zerodha-rebalancer/internal/logging"
	"zerodha-rebalancer/internal/models"
)

// OrderStore is the persistence the executor needs.
type OrderStore interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
	ListOrdersByStatus(ctx context.Context, account string, statuses ...models.OrderStatus) ([]models.Order, error)
}

// Config holds executor settings.
type Config struct {
	MaxAttempts   int
	SubmitTimeout time.Duration
	Exchange      models.Exchange
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   DefaultMaxAttempts,
		SubmitTimeout: 15 * time.Second,
		Exchange:      models.NSE,
	}
}

// Outcome is the per-order result of an executor operation.
type Outcome struct {
	OrderID string             `json:"order_id"`
	Symbol  string             `json:"symbol"`
	Side    models.OrderSide   `json:"side"`
	Status  models.OrderStatus `json:"status"`
	Err     error              `json:"-"`
}

// Failed reports whether the operation failed for this order.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Executor drives one account's orders against the broker. All mutations
// happen under its mutex and are persisted before the mutex is released.
type Executor struct {
	account string
	cfg     Config
	machine *Machine
	broker  broker.Broker
	store   OrderStore
	logger  zerolog.Logger
	now     func() time.Time

	mu sync.Mutex
}

// NewExecutor creates an Executor for account.
func NewExecutor(account string, b broker.Broker, s OrderStore, cfg Config, logger zerolog.Logger) *Executor {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultConfig().SubmitTimeout
	}
	if cfg.Exchange == "" {
		cfg.Exchange = models.NSE
	}
	return &Executor{
		account: account,
		cfg:     cfg,
		machine: NewMachine(cfg.MaxAttempts),
		broker:  b,
		store:   s,
		logger:  logging.WithAccount(logger, account).With().Str("component", "executor").Logger(),
		now:     time.Now,
	}
}

// Machine returns the state machine the executor applies.
func (e *Executor) Machine() *Machine {
	return e.machine
}

// Submit places the given PENDING orders. Sells go first so their proceeds
// are available to buys. If ctx is cancelled, orders not yet placed stay
// PENDING untouched.
func (e *Executor) Submit(ctx context.Context, ids ...string) ([]Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	orders := make([]models.Order, 0, len(ids))
	var outcomes []Outcome
	for _, id := range ids {
		o, err := e.store.GetOrder(ctx, id)
		if err != nil {
			outcomes = append(outcomes, Outcome{OrderID: id, Err: err})
			continue
		}
		orders = append(orders, *o)
	}

	more, err := e.submitLocked(ctx, orders)
	return append(outcomes, more...), err
}

// SubmitPending places every PENDING order of the account.
func (e *Executor) SubmitPending(ctx context.Context) ([]Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	orders, err := e.store.ListOrdersByStatus(ctx, e.account, models.OrderPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending orders: %w", err)
	}
	return e.submitLocked(ctx, orders)
}

func (e *Executor) submitLocked(ctx context.Context, orders []models.Order) ([]Outcome, error) {
	sortForSubmission(orders)

	outcomes := make([]Outcome, 0, len(orders))
	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			e.logger.Warn().Err(err).Int("unsubmitted", len(orders)-len(outcomes)).Msg("Submission abandoned")
			return outcomes, err
		}
		outcomes = append(outcomes, e.submitOne(ctx, o))
	}
	return outcomes, nil
}

func (e *Executor) submitOne(ctx context.Context, o models.Order) Outcome {
	out := Outcome{OrderID: o.ID, Symbol: o.Symbol, Side: o.Side, Status: o.Status}

	if o.Status != models.OrderPending {
		out.Err = fmt.Errorf("order %s is %s: %w", o.ID, o.Status, apperrors.ErrInvalidTransition)
		return out
	}

	qty := o.Remaining()
	if qty <= 0 {
		out.Err = fmt.Errorf("order %s has nothing left to fill: %w", o.ID, apperrors.ErrInvalidOrder)
		return out
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	req := broker.NewMarketOrder(e.cfg.Exchange, o.Symbol, o.Side, qty, orderTag(o.ID))
	res, err := e.broker.PlaceOrder(callCtx, req)
	timedOut := apperrors.IsTimeout(err) || callCtx.Err() == context.DeadlineExceeded
	cancel()

	var ev Event
	switch {
	case err != nil:
		ev = SubmitFailed(err.Error(), qty, timedOut)
		if timedOut {
			out.Err = apperrors.NewOrderExecutionTimeout(o.ID, o.Symbol, "submit", err)
		} else {
			out.Err = apperrors.NewOrderSubmissionFailure(o.ID, o.Symbol, string(o.Side), err.Error(), err)
		}
	case res == nil || res.OrderID == "":
		ev = SubmitFailed("broker returned no order id", qty, false)
		out.Err = apperrors.NewOrderSubmissionFailure(o.ID, o.Symbol, string(o.Side), "broker returned no order id", nil)
	default:
		ev = Submitted(res.OrderID, qty)
	}

	next, terr := e.apply(ctx, o, ev)
	if terr != nil {
		out.Err = terr
		return out
	}
	out.Status = next.Status
	return out
}

// Poll fetches broker status for every in-flight order.
func (e *Executor) Poll(ctx context.Context) ([]Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	orders, err := e.store.ListOrdersByStatus(ctx, e.account, models.OrderSubmitted, models.OrderOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight orders: %w", err)
	}

	outcomes := make([]Outcome, 0, len(orders))
	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		out := Outcome{OrderID: o.ID, Symbol: o.Symbol, Side: o.Side, Status: o.Status}

		st, err := e.broker.GetOrderStatus(ctx, o.BrokerOrderID)
		if err != nil {
			l := logging.WithSymbol(logging.WithOrderID(e.logger, o.ID), o.Symbol)
			l.Warn().Err(err).Msg("Order status poll failed")
			out.Err = err
			outcomes = append(outcomes, out)
			continue
		}

		next, err := e.machine.Transition(o, StatusObserved(*st), e.now())
		if err != nil {
			out.Err = err
			outcomes = append(outcomes, out)
			continue
		}
		if next.Status != o.Status || next.FilledQuantity != o.FilledQuantity {
			if err := e.persist(ctx, o, next); err != nil {
				out.Err = err
				outcomes = append(outcomes, out)
				continue
			}
		}
		out.Status = next.Status
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// Retry moves one failed order back to PENDING and resubmits it. An order
// whose attempts are exhausted is parked in FAILED_MAX_RETRIES instead.
func (e *Executor) Retry(ctx context.Context, id string) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.GetOrder(ctx, id)
	if err != nil {
		return Outcome{OrderID: id, Err: err}, err
	}
	out := e.retryOne(ctx, *o)
	return out, out.Err
}

// RetryAll retries every retry-eligible order that the user did not cancel.
func (e *Executor) RetryAll(ctx context.Context) ([]Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	orders, err := e.store.ListOrdersByStatus(ctx, e.account,
		models.OrderRejected, models.OrderCancelled, models.OrderFailedToSubmit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed orders: %w", err)
	}
	sortForSubmission(orders)

	outcomes := make([]Outcome, 0, len(orders))
	for _, o := range orders {
		if o.CancelledByUser {
			continue
		}
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, e.retryOne(ctx, o))
	}
	return outcomes, nil
}

func (e *Executor) retryOne(ctx context.Context, o models.Order) Outcome {
	out := Outcome{OrderID: o.ID, Symbol: o.Symbol, Side: o.Side, Status: o.Status}

	if o.Status == models.OrderFailedMaxRetries {
		out.Err = apperrors.NewMaxRetriesExceeded(o.ID, o.Symbol, e.machine.AttemptsUsed(o))
		return out
	}

	next, err := e.apply(ctx, o, Event{Type: EventRetry})
	if err != nil {
		out.Err = err
		return out
	}
	if next.Status == models.OrderFailedMaxRetries {
		out.Status = next.Status
		out.Err = apperrors.NewMaxRetriesExceeded(o.ID, o.Symbol, e.machine.AttemptsUsed(o))
		return out
	}
	return e.submitOne(ctx, next)
}

// Reset is the manual override that gives an order a fresh attempt budget.
// Attempt history is kept.
func (e *Executor) Reset(ctx context.Context, id string) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := e.apply(ctx, *o, Event{Type: EventReset})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// Cancel cancels an order. In-flight orders are cancelled at the broker and
// keep their status until a poll observes the cancellation.
func (e *Executor) Cancel(ctx context.Context, id string) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	if o.Status.IsInFlight() {
		if err := e.broker.CancelOrder(ctx, o.BrokerOrderID); err != nil {
			return nil, fmt.Errorf("failed to cancel order %s at broker: %w", o.ID, err)
		}
	}

	next, err := e.apply(ctx, *o, Event{Type: EventCancel})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// apply runs a transition and persists the result.
func (e *Executor) apply(ctx context.Context, o models.Order, ev Event) (models.Order, error) {
	next, err := e.machine.Transition(o, ev, e.now())
	if err != nil {
		return o, err
	}
	if err := e.persist(ctx, o, next); err != nil {
		return o, err
	}
	return next, nil
}

// persist writes the order even when ctx was cancelled mid-call, so a
// broker-side effect is never lost locally.
func (e *Executor) persist(ctx context.Context, prev, next models.Order) error {
	if err := e.store.UpdateOrder(context.WithoutCancel(ctx), &next); err != nil {
		l := logging.WithSymbol(logging.WithOrderID(e.logger, next.ID), next.Symbol)
		l.Error().Err(err).Msg("Failed to persist order")
		return fmt.Errorf("failed to persist order %s: %w", next.ID, err)
	}
	logging.LogOrderTransition(e.logger, next.ID, next.Symbol, string(next.Side), string(prev.Status), string(next.Status), next.RetryCount, next.FailureReason)
	return nil
}

// sortForSubmission orders sells before buys, then by creation and symbol.
func sortForSubmission(orders []models.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].Side != orders[j].Side {
			return orders[i].Side == models.OrderSideSell
		}
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].Symbol < orders[j].Symbol
	})
}

// orderTag derives the broker tag (max 20 alphanumerics) from the order id.
func orderTag(id string) string {
	tag := "rb" + strings.ReplaceAll(id, "-", "")
	if len(tag) > 20 {
		tag = tag[:20]
	}
	return tag
}
