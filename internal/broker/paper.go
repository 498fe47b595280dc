package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "zerodha-rebalancer/internal/errors"
	"zerodha-rebalancer/internal/models"
)

// FillMode controls how the paper broker works accepted orders.
type FillMode string

const (
	// FillImmediate completes orders at placement.
	FillImmediate FillMode = "immediate"
	// FillOnPoll leaves orders OPEN until their first status poll.
	FillOnPoll FillMode = "on_poll"
	// FillNever leaves orders OPEN until cancelled.
	FillNever FillMode = "never"
)

// paperOrder is the simulator's record of one placed order.
type paperOrder struct {
	id       string
	req      OrderRequest
	status   string
	filled   int
	avgPrice float64
	message  string
}

// PaperBroker implements the Broker interface as an in-memory simulator.
// Quotes can come from a real data broker; orders never leave the process.
type PaperBroker struct {
	dataBroker Broker

	holdings map[string]*models.BrokerHolding
	prices   map[string]float64
	orders   map[string]*paperOrder
	cash     float64
	fillMode FillMode

	// Failure injection
	failPlace   int
	failErr     error
	rejectNext  int
	rejectMsg   string
	placeDelay  time.Duration
	unreachable bool

	orderCounter int
	placeCount   int

	mu sync.RWMutex
}

// PaperBrokerConfig holds configuration for paper broker.
type PaperBrokerConfig struct {
	DataBroker     Broker
	InitialBalance float64
	FillMode       FillMode
	Prices         map[string]float64
}

// NewPaperBroker creates a new paper trading broker.
func NewPaperBroker(cfg PaperBrokerConfig) *PaperBroker {
	initialBalance := cfg.InitialBalance
	if initialBalance == 0 {
		initialBalance = 1000000 // 10 lakhs default
	}
	mode := cfg.FillMode
	if mode == "" {
		mode = FillImmediate
	}

	p := &PaperBroker{
		dataBroker: cfg.DataBroker,
		holdings:   make(map[string]*models.BrokerHolding),
		prices:     make(map[string]float64),
		orders:     make(map[string]*paperOrder),
		cash:       initialBalance,
		fillMode:   mode,
	}
	for s, px := range cfg.Prices {
		p.prices[s] = px
	}
	return p
}

// Login is a no-op for paper trading.
func (p *PaperBroker) Login(ctx context.Context) error {
	return nil
}

// Logout is a no-op for paper trading.
func (p *PaperBroker) Logout(ctx context.Context) error {
	return nil
}

// IsAuthenticated always returns true for paper trading.
func (p *PaperBroker) IsAuthenticated() bool {
	return true
}

// SetPrice sets the simulated last price for a symbol.
func (p *PaperBroker) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// SetHolding replaces the simulated holding for a symbol.
func (p *PaperBroker) SetHolding(h models.BrokerHolding) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.Total() == 0 {
		delete(p.holdings, h.Symbol)
		return
	}
	cp := h
	p.holdings[h.Symbol] = &cp
}

// SetFillMode changes how subsequently placed orders are worked.
func (p *PaperBroker) SetFillMode(mode FillMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fillMode = mode
}

// FailNextPlacements makes the next n PlaceOrder calls return err.
func (p *PaperBroker) FailNextPlacements(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		err = errors.New("simulated placement failure")
	}
	p.failPlace = n
	p.failErr = err
}

// RejectNext makes the next n accepted orders end REJECTED.
func (p *PaperBroker) RejectNext(n int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectNext = n
	p.rejectMsg = reason
}

// SetPlaceDelay delays every placement, honouring the caller's context.
func (p *PaperBroker) SetPlaceDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placeDelay = d
}

// SetUnreachable makes reads fail as if the broker were down.
func (p *PaperBroker) SetUnreachable(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unreachable = down
}

// PlaceCount returns how many PlaceOrder calls were made.
func (p *PaperBroker) PlaceCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.placeCount
}

// Cash returns the simulated available cash.
func (p *PaperBroker) Cash() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

// GetQuotes returns simulated prices, refreshing them from the data broker when one is set.
func (p *PaperBroker) GetQuotes(ctx context.Context, symbols []string) (models.PriceBook, error) {
	if p.isUnreachable() {
		return nil, fmt.Errorf("paper broker: %w", apperrors.ErrConnectionFailed)
	}

	if p.dataBroker != nil {
		book, err := p.dataBroker.GetQuotes(ctx, symbols)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		for s, q := range book {
			p.prices[s] = q.Price
		}
		p.mu.Unlock()
		return book, nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	book := make(models.PriceBook, len(symbols))
	for _, s := range symbols {
		if px, ok := p.prices[s]; ok && px > 0 {
			book[s] = models.PriceQuote{Symbol: s, Price: px, AsOf: now}
		}
	}
	return book, nil
}

// PlaceOrder simulates order placement.
func (p *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	p.mu.Lock()
	p.placeCount++
	delay := p.placeDelay
	if p.failPlace > 0 {
		p.failPlace--
		err := p.failErr
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity %d", apperrors.ErrInvalidOrder, req.Quantity)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.orderCounter++
	orderID := fmt.Sprintf("PAPER_%d_%d", time.Now().Unix(), p.orderCounter)
	order := &paperOrder{id: orderID, req: req, status: models.BrokerStatusOpen}
	p.orders[orderID] = order

	switch {
	case p.rejectNext > 0:
		p.rejectNext--
		order.status = models.BrokerStatusRejected
		order.message = p.rejectMsg
	case p.fillMode == FillImmediate:
		p.fill(order)
	}

	return &OrderResult{
		OrderID: orderID,
		Status:  order.status,
		Message: "Paper order placed",
	}, nil
}

// fill completes an order against the simulated book. Caller holds mu.
func (p *PaperBroker) fill(o *paperOrder) {
	price := p.prices[o.req.Symbol]
	if price <= 0 {
		o.status = models.BrokerStatusRejected
		o.message = "no price available"
		return
	}
	value := price * float64(o.req.Quantity)

	switch o.req.Side {
	case models.OrderSideBuy:
		if value > p.cash {
			o.status = models.BrokerStatusRejected
			o.message = fmt.Sprintf("insufficient funds: need %.2f, have %.2f", value, p.cash)
			return
		}
		p.cash -= value
		h, ok := p.holdings[o.req.Symbol]
		if !ok {
			h = &models.BrokerHolding{Symbol: o.req.Symbol}
			p.holdings[o.req.Symbol] = h
		}
		cost := h.AveragePrice*float64(h.Total()) + value
		// New buys settle as T1 in the real market; the simulator settles at once.
		h.Quantity += o.req.Quantity
		h.AveragePrice = cost / float64(h.Total())
		h.LastPrice = price

	case models.OrderSideSell:
		h, ok := p.holdings[o.req.Symbol]
		if !ok || h.Quantity < o.req.Quantity {
			o.status = models.BrokerStatusRejected
			o.message = "insufficient holdings"
			return
		}
		h.Quantity -= o.req.Quantity
		if h.Total() == 0 {
			delete(p.holdings, o.req.Symbol)
		}
		p.cash += value
	}

	o.status = models.BrokerStatusComplete
	o.filled = o.req.Quantity
	o.avgPrice = price
}

// GetOrderStatus returns the simulated state of an order.
func (p *PaperBroker) GetOrderStatus(ctx context.Context, brokerOrderID string) (*models.BrokerOrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.unreachable {
		return nil, fmt.Errorf("paper broker: %w", apperrors.ErrConnectionFailed)
	}

	o, ok := p.orders[brokerOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: broker order %s", apperrors.ErrOrderNotFound, brokerOrderID)
	}
	if o.status == models.BrokerStatusOpen && p.fillMode == FillOnPoll {
		p.fill(o)
	}

	return &models.BrokerOrderStatus{
		BrokerOrderID:  o.id,
		Status:         o.status,
		FilledQuantity: o.filled,
		PendingQty:     o.req.Quantity - o.filled,
		AveragePrice:   o.avgPrice,
		Message:        o.message,
	}, nil
}

// CancelOrder simulates order cancellation.
func (p *PaperBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("%w: broker order %s", apperrors.ErrOrderNotFound, brokerOrderID)
	}
	if o.status != models.BrokerStatusOpen {
		return fmt.Errorf("cannot cancel order with status: %s", o.status)
	}

	o.status = models.BrokerStatusCancelled
	o.message = "cancelled by user"
	return nil
}

// GetHoldings returns simulated holdings sorted by symbol.
func (p *PaperBroker) GetHoldings(ctx context.Context) ([]models.BrokerHolding, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.unreachable {
		return nil, fmt.Errorf("paper broker: %w", apperrors.ErrConnectionFailed)
	}

	holdings := make([]models.BrokerHolding, 0, len(p.holdings))
	for _, h := range p.holdings {
		cp := *h
		if px, ok := p.prices[h.Symbol]; ok {
			cp.LastPrice = px
		}
		holdings = append(holdings, cp)
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Symbol < holdings[j].Symbol })
	return holdings, nil
}

func (p *PaperBroker) isUnreachable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.unreachable
}

// Ensure PaperBroker implements Broker interface
var _ Broker = (*PaperBroker)(nil)
