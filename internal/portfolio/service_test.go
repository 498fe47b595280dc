package portfolio

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zerodha-rebalancer/internal/broker"
	apperrors "zerodha-rebalancer/internal/errors"
	"zerodha-rebalancer/internal/models"
	"zerodha-rebalancer/internal/store"
)

// switchSource serves whichever universe was set last.
type switchSource struct {
	mu sync.Mutex
	u  *models.Universe
}

func (s *switchSource) set(t *testing.T, symbols ...string) *models.Universe {
	t.Helper()
	u, err := models.UniverseFromSymbols(symbols...)
	require.NoError(t, err)
	s.mu.Lock()
	s.u = u
	s.mu.Unlock()
	return u
}

func (s *switchSource) Fetch(ctx context.Context) (*models.Universe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.u, nil
}

type harness struct {
	ctx    context.Context
	source *switchSource
	paper  *broker.PaperBroker
	store  *store.SQLiteStore
	svc    *Service
}

func newHarness(t *testing.T, account string) *harness {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "portfolio.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return newHarnessWithStore(t, account, s)
}

func newHarnessWithStore(t *testing.T, account string, s *store.SQLiteStore) *harness {
	t.Helper()

	paper := broker.NewPaperBroker(broker.PaperBrokerConfig{
		InitialBalance: 1e7,
		Prices:         map[string]float64{"INFY": 1500, "TCS": 3500, "ITC": 450, "HDFCBANK": 1600},
	})
	src := &switchSource{}
	src.set(t, "INFY", "TCS", "ITC")

	return &harness{
		ctx:    context.Background(),
		source: src,
		paper:  paper,
		store:  s,
		svc: NewService(account, Deps{
			Universe: src,
			Broker:   paper,
			Store:    s,
			Logger:   zerolog.Nop(),
		}),
	}
}

func (h *harness) orders(t *testing.T) []models.Order {
	t.Helper()
	orders, err := h.svc.Orders(h.ctx, store.OrderFilter{})
	require.NoError(t, err)
	return orders
}

func TestService_StatusBeforeInvesting(t *testing.T) {
	h := newHarness(t, "acc")

	st, err := h.svc.Status(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ActionInitialInvestment, st.Actionability)
	assert.True(t, st.Trigger.FirstTime)
	assert.Nil(t, st.Reconciliation)
}

func TestService_Requirements(t *testing.T) {
	h := newHarness(t, "acc")

	req, err := h.svc.Requirements(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, "TCS", req.LimitingSymbol)
	assert.Greater(t, req.RecommendedInvestment, req.MinimumInvestment)
}

func TestService_InitialInvestment(t *testing.T) {
	h := newHarness(t, "acc")

	plan, err := h.svc.PlanInitial(h.ctx, 100000)
	require.NoError(t, err)
	require.Len(t, plan.Orders, 3)
	assert.Empty(t, h.orders(t), "planning persists nothing")

	res, _, err := h.svc.ExecuteInitial(h.ctx, 100000)
	require.NoError(t, err)
	require.Len(t, res.Orders, 3)
	assert.Empty(t, res.Failed())
	assert.LessOrEqual(t, res.Cycle.BuyValue, 100000.0)

	for _, o := range h.orders(t) {
		assert.Equal(t, models.OrderComplete, o.Status, o.Symbol)
		assert.Equal(t, models.SessionInitial, o.SessionType)
		assert.Equal(t, models.OrderSideBuy, o.Side)
		assert.NotEmpty(t, o.ID)
	}

	st, err := h.svc.Status(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ActionUpToDate, st.Actionability)
	assert.Equal(t, st.UniverseHash, st.AppliedHash)
	require.NotNil(t, st.Reconciliation)
	assert.Equal(t, models.ClassMatch, st.Reconciliation.Status)

	history, err := h.svc.History(h.ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 3, history[0].OrderCount)

	_, _, err = h.svc.ExecuteInitial(h.ctx, 100000)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyInvested)
}

func TestService_InsufficientCapitalCreatesNothing(t *testing.T) {
	h := newHarness(t, "acc")

	_, _, err := h.svc.ExecuteInitial(h.ctx, 5000)
	var insufficient *apperrors.InsufficientCapitalError
	require.True(t, apperrors.As(err, &insufficient))
	assert.Equal(t, "TCS", insufficient.Limiting)
	assert.Empty(t, h.orders(t))
	assert.Zero(t, h.paper.PlaceCount())
}

func TestService_CancelledContextCreatesNothing(t *testing.T) {
	h := newHarness(t, "acc")

	ctx, cancel := context.WithCancel(h.ctx)
	cancel()

	_, _, err := h.svc.ExecuteInitial(ctx, 100000)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.orders(t))
	assert.Zero(t, h.paper.PlaceCount())
}

func TestService_RebalanceOnUniverseChange(t *testing.T) {
	h := newHarness(t, "acc")
	_, _, err := h.svc.ExecuteInitial(h.ctx, 100000)
	require.NoError(t, err)

	var itcShares int
	for _, o := range h.orders(t) {
		if o.Symbol == "ITC" {
			itcShares = o.FilledQuantity
		}
	}
	require.Positive(t, itcShares)

	_, err = h.svc.PlanRebalance(h.ctx, 0)
	require.NoError(t, err)
	_, _, err = h.svc.ExecuteRebalance(h.ctx, 0)
	assert.ErrorIs(t, err, apperrors.ErrNothingToRebalance)

	next := h.source.set(t, "INFY", "TCS", "HDFCBANK")
	st, err := h.svc.Status(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ActionRebalance, st.Actionability)
	assert.Equal(t, []string{"HDFCBANK"}, st.Trigger.Added)
	assert.Equal(t, []string{"ITC"}, st.Trigger.Removed)

	rp, err := h.svc.PlanRebalance(h.ctx, 0)
	require.NoError(t, err)
	require.Len(t, rp.Plan.SellOrders, 1)
	assert.Equal(t, "ITC", rp.Plan.SellOrders[0].Symbol)
	assert.Equal(t, itcShares, rp.Plan.SellOrders[0].Shares)

	var boughtNew bool
	for _, o := range rp.Plan.BuyOrders {
		if o.Symbol == "HDFCBANK" {
			boughtNew = true
		}
	}
	assert.True(t, boughtNew)

	res, _, err := h.svc.ExecuteRebalance(h.ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Failed())
	assert.Equal(t, models.SessionRebalance, res.Cycle.SessionType)

	st, err = h.svc.Status(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ActionUpToDate, st.Actionability)
	assert.Equal(t, next.Hash, st.AppliedHash)
}

func TestService_ManualSaleOnlyUsesUsableShares(t *testing.T) {
	h := newHarness(t, "acc")
	_, _, err := h.svc.ExecuteInitial(h.ctx, 100000)
	require.NoError(t, err)

	holdings, err := h.paper.GetHoldings(h.ctx)
	require.NoError(t, err)
	var infy models.BrokerHolding
	for _, bh := range holdings {
		if bh.Symbol == "INFY" {
			infy = bh
		}
	}
	require.Greater(t, infy.Quantity, 2)
	infy.Quantity -= 2
	h.paper.SetHolding(infy)

	report, err := h.svc.Compare(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ClassModified, report.Status)
	for _, r := range report.Results {
		if r.Symbol == "INFY" {
			assert.Equal(t, infy.Quantity, r.UsableShares)
			assert.Equal(t, models.ClassModified, r.Classification)
		}
	}

	h.source.set(t, "INFY", "TCS", "ITC", "HDFCBANK")
	rp, err := h.svc.PlanRebalance(h.ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, rp.Plan.SellOrders, "adding a symbol never sells the others")
	require.NotEmpty(t, rp.Plan.BuyOrders)
}

func TestService_StatusAgreesWithPlanAfterFullSale(t *testing.T) {
	h := newHarness(t, "acc")
	_, _, err := h.svc.ExecuteInitial(h.ctx, 100000)
	require.NoError(t, err)
	_, err = h.svc.PollOrders(h.ctx)
	require.NoError(t, err)

	h.paper.SetHolding(models.BrokerHolding{Symbol: "ITC", Quantity: 0})

	st, err := h.svc.Status(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ActionRebalance, st.Actionability)
	assert.True(t, st.Trigger.Needed)
	assert.Equal(t, []string{"ITC"}, st.Trigger.Added)

	rp, err := h.svc.PlanRebalance(h.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, st.Trigger.Needed, rp.Plan.Trigger.Needed)
	assert.Empty(t, rp.Plan.SellOrders)
	require.Len(t, rp.Plan.BuyOrders, 1)
	assert.Equal(t, "ITC", rp.Plan.BuyOrders[0].Symbol)
}

func TestService_StatusWhenEverythingWasSold(t *testing.T) {
	h := newHarness(t, "acc")
	_, _, err := h.svc.ExecuteInitial(h.ctx, 100000)
	require.NoError(t, err)

	for _, sym := range []string{"INFY", "TCS", "ITC"} {
		h.paper.SetHolding(models.BrokerHolding{Symbol: sym})
	}

	st, err := h.svc.Status(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ActionAttention, st.Actionability)
	assert.Contains(t, st.Reason, "extra cash")

	rp, err := h.svc.PlanRebalance(h.ctx, 0)
	require.NoError(t, err)
	assert.True(t, rp.Plan.IsEmpty())
}

func TestService_StatusMetrics(t *testing.T) {
	h := newHarness(t, "acc")
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	h.svc.now = func() time.Time { return start }

	_, _, err := h.svc.ExecuteInitial(h.ctx, 100000)
	require.NoError(t, err)

	st, err := h.svc.Status(h.ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Metrics)
	assert.Positive(t, st.Metrics.InvestedValue)
	assert.InDelta(t, st.Metrics.InvestedValue, st.Metrics.CurrentValue, 0.01)
	assert.Zero(t, st.Metrics.ReturnsPercent)
	assert.True(t, start.Equal(st.Metrics.InvestedSince))

	h.paper.SetPrice("INFY", 1650)
	h.paper.SetPrice("TCS", 3850)
	h.paper.SetPrice("ITC", 495)
	h.svc.now = func() time.Time { return start.Add(2 * 365.25 * 24 * time.Hour) }

	st, err = h.svc.Status(h.ctx)
	require.NoError(t, err)
	m := st.Metrics
	require.NotNil(t, m)
	assert.InDelta(t, 10.0, m.ReturnsPercent, 0.05)
	assert.InDelta(t, m.CurrentValue-m.InvestedValue, m.AbsoluteReturn, 0.01)
	assert.InDelta(t, (math.Sqrt(1.1)-1)*100, m.CAGR, 0.05)
}

func TestService_BrokerDownNeedsAttention(t *testing.T) {
	h := newHarness(t, "acc")
	_, _, err := h.svc.ExecuteInitial(h.ctx, 100000)
	require.NoError(t, err)
	before := len(h.orders(t))

	h.paper.SetUnreachable(true)

	st, err := h.svc.Status(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ActionAttention, st.Actionability)
	assert.True(t, st.Reconciliation.HasErrors())

	h.source.set(t, "INFY", "TCS", "HDFCBANK")
	_, _, err = h.svc.ExecuteRebalance(h.ctx, 0)
	assert.ErrorIs(t, err, apperrors.ErrConnectionFailed)

	h.paper.SetUnreachable(false)
	assert.Len(t, h.orders(t), before)
}

func TestService_InFlightBlocksNewCycles(t *testing.T) {
	h := newHarness(t, "acc")
	h.paper.SetFillMode(broker.FillNever)

	res, _, err := h.svc.ExecuteInitial(h.ctx, 100000)
	require.NoError(t, err)

	st, err := h.svc.Status(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ActionOrdersInFlight, st.Actionability)
	assert.Equal(t, len(res.Orders), st.InFlight)

	_, _, err = h.svc.ExecuteRebalance(h.ctx, 1000)
	assert.ErrorIs(t, err, apperrors.ErrOrdersInFlight)

	for _, o := range res.Orders {
		_, err := h.svc.CancelOrder(h.ctx, o.ID)
		require.NoError(t, err)
	}
	_, err = h.svc.PollOrders(h.ctx)
	require.NoError(t, err)

	for _, o := range h.orders(t) {
		assert.Equal(t, models.OrderCancelled, o.Status)
		assert.True(t, o.CancelledByUser)
	}
	st, err = h.svc.Status(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ActionInitialInvestment, st.Actionability, "user-cancelled orders need no attention")
}

func TestService_FailedOrdersNeedAttention(t *testing.T) {
	h := newHarness(t, "acc")
	h.paper.FailNextPlacements(1, nil)

	res, _, err := h.svc.ExecuteInitial(h.ctx, 100000)
	require.NoError(t, err)
	require.Len(t, res.Failed(), 1)

	st, err := h.svc.Status(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ActionAttention, st.Actionability)
	assert.Equal(t, 1, st.NeedsRetry)

	outcomes, err := h.svc.RetryFailed(h.ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.NoError(t, outcomes[0].Err)

	_, err = h.svc.PollOrders(h.ctx)
	require.NoError(t, err)
	st, err = h.svc.Status(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ActionUpToDate, st.Actionability)
}

func TestService_OrdersAreScopedToAccount(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "shared.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	a := newHarnessWithStore(t, "a", s)
	b := newHarnessWithStore(t, "b", s)

	res, _, err := a.svc.ExecuteInitial(a.ctx, 100000)
	require.NoError(t, err)

	assert.Empty(t, b.orders(t))
	_, err = b.svc.ResetOrder(b.ctx, res.Orders[0].ID)
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
	_, err = b.svc.CancelOrder(b.ctx, res.Orders[0].ID)
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestManager(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "manager.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	a := newHarnessWithStore(t, "a", s)
	b := newHarnessWithStore(t, "b", s)
	a.paper.SetFillMode(broker.FillOnPoll)
	b.paper.SetFillMode(broker.FillOnPoll)

	_, _, err = a.svc.ExecuteInitial(a.ctx, 100000)
	require.NoError(t, err)
	_, _, err = b.svc.ExecuteInitial(b.ctx, 50000)
	require.NoError(t, err)

	m := NewManager(a.svc, b.svc)
	assert.Equal(t, []string{"a", "b"}, m.Accounts())

	_, err = m.Get("zzz")
	assert.ErrorIs(t, err, apperrors.ErrAccountUnknown)

	results, err := m.PollAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 2)

	for _, h := range []*harness{a, b} {
		for _, o := range h.orders(t) {
			assert.Equal(t, models.OrderComplete, o.Status)
		}
	}
}
