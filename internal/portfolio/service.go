// Package portfolio orchestrates investment and rebalancing cycles for one
// account: reconcile, plan, persist, submit.
package portfolio

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"zerodha-rebalancer/internal/allocation"
	"zerodha-rebalancer/internal/broker"
	apperrors "zerodha-rebalancer/internal/errors"
	"zerodha-rebalancer/internal/execution"
	"zerodha-rebalancer/internal/finmath"
	"zerodha-rebalancer/internal/logging"
	"zerodha-rebalancer/internal/models"
	"zerodha-rebalancer/internal/rebalance"
	"zerodha-rebalancer/internal/reconcile"
	"zerodha-rebalancer/internal/store"
	"zerodha-rebalancer/internal/universe"
)

// Deps are the collaborators of a Service.
type Deps struct {
	Universe   universe.Source
	Broker     broker.Broker
	Store      store.Store
	Calculator *allocation.Calculator
	Execution  execution.Config
	Logger     zerolog.Logger
}

// Service owns one account. Every cycle, poll, retry, reset and cancel runs
// under its mutex, so an account never has two cycles in progress.
type Service struct {
	account  string
	universe universe.Source
	broker   broker.Broker
	store    store.Store
	calc     *allocation.Calculator
	gen      *rebalance.Generator
	exec     *execution.Executor
	logger   zerolog.Logger
	now      func() time.Time
	newID    func() string

	mu sync.Mutex
}

// NewService creates the Service for account.
func NewService(account string, deps Deps) *Service {
	calc := deps.Calculator
	if calc == nil {
		calc = allocation.NewCalculator(allocation.DefaultConfig())
	}
	logger := logging.WithAccount(deps.Logger, account)
	return &Service{
		account:  account,
		universe: deps.Universe,
		broker:   deps.Broker,
		store:    deps.Store,
		calc:     calc,
		gen:      rebalance.NewGenerator(calc),
		exec:     execution.NewExecutor(account, deps.Broker, deps.Store, deps.Execution, deps.Logger),
		logger:   logger.With().Str("component", "portfolio").Logger(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Account returns the account key.
func (s *Service) Account() string {
	return s.account
}

// Status is the single verdict on what the account needs next.
type Status struct {
	Account        string               `json:"account"`
	Actionability  models.Actionability `json:"actionability"`
	Reason         string               `json:"reason"`
	UniverseHash   string               `json:"universe_hash"`
	AppliedHash    string               `json:"applied_hash,omitempty"`
	Trigger        rebalance.Trigger    `json:"trigger"`
	Reconciliation *reconcile.Report    `json:"reconciliation,omitempty"`
	Metrics        *Metrics             `json:"metrics,omitempty"`
	InFlight       int                  `json:"in_flight"`
	NeedsRetry     int                  `json:"needs_retry"`
	Exhausted      int                  `json:"exhausted"`
	CheckedAt      time.Time            `json:"checked_at"`
}

// orderSummary counts orders by what they still need.
type orderSummary struct {
	inFlight   int
	needsRetry int
	exhausted  int
}

func summarize(orders []models.Order) orderSummary {
	var sum orderSummary
	for _, o := range orders {
		switch {
		case o.Status == models.OrderPending || o.Status.IsInFlight():
			sum.inFlight++
		case o.Status.IsRetryEligible() && !o.CancelledByUser:
			sum.needsRetry++
		case o.Status == models.OrderFailedMaxRetries:
			sum.exhausted++
		}
	}
	return sum
}

// Status derives the account's actionability from one reconciliation and
// one trigger check.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.universe.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch universe: %w", err)
	}
	orders, err := s.accountOrders(ctx)
	if err != nil {
		return nil, err
	}
	applied, err := s.store.GetAppliedUniverse(ctx, s.account)
	if err != nil {
		return nil, fmt.Errorf("failed to load applied universe: %w", err)
	}

	expected := reconcile.ExpectedHoldings(orders)
	sum := summarize(orders)
	st := &Status{
		Account:      s.account,
		UniverseHash: u.Hash,
		InFlight:     sum.inFlight,
		NeedsRetry:   sum.needsRetry,
		Exhausted:    sum.exhausted,
		CheckedAt:    s.now(),
	}
	if applied != nil {
		st.AppliedHash = applied.Hash
	}

	// The trigger is checked on usable holdings, the same input
	// PlanRebalance hands the generator.
	var usable []models.Holding
	if len(expected) > 0 {
		st.Reconciliation = s.reconcile(ctx, expected, nil)
		usable = st.Reconciliation.UsableHoldings(expected)
		if !st.Reconciliation.HasErrors() {
			st.Metrics = s.metrics(ctx, st.Reconciliation, expected, st.CheckedAt)
		}
	}
	st.Trigger = rebalance.CheckTrigger(usable, u)

	switch {
	case sum.inFlight > 0:
		st.Actionability = models.ActionOrdersInFlight
		st.Reason = fmt.Sprintf("%d orders awaiting the broker", sum.inFlight)
	case st.Reconciliation != nil && st.Reconciliation.HasErrors():
		st.Actionability = models.ActionAttention
		st.Reason = st.Reconciliation.RecommendedAction
	case sum.needsRetry > 0:
		st.Actionability = models.ActionAttention
		st.Reason = fmt.Sprintf("%d orders failed; retry or cancel them", sum.needsRetry)
	case len(expected) == 0:
		st.Actionability = models.ActionInitialInvestment
		st.Reason = st.Trigger.Reason
	case len(usable) == 0:
		st.Actionability = models.ActionAttention
		st.Reason = "no expected holdings remain at the broker; rebalance with extra cash to reinvest"
	case st.Trigger.Needed:
		st.Actionability = models.ActionRebalance
		st.Reason = st.Trigger.Reason
	default:
		st.Actionability = models.ActionUpToDate
		st.Reason = st.Trigger.Reason
	}
	return st, nil
}

// Requirements returns the minimum investment for the current universe.
func (s *Service) Requirements(ctx context.Context) (*models.InvestmentRequirements, error) {
	u, err := s.universe.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch universe: %w", err)
	}
	prices, err := s.broker.GetQuotes(ctx, u.Symbols())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quotes: %w", err)
	}
	return s.calc.MinimumInvestment(u, prices)
}

// InitialPlan is a first-time investment proposal.
type InitialPlan struct {
	Universe   *models.Universe       `json:"-"`
	Allocation *models.AllocationPlan `json:"allocation"`
	Orders     []models.Order         `json:"orders"`
}

// PlanInitial allocates amount across the current universe without
// touching the broker or the store.
func (s *Service) PlanInitial(ctx context.Context, amount float64) (*InitialPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.planInitial(ctx, amount)
}

func (s *Service) planInitial(ctx context.Context, amount float64) (*InitialPlan, error) {
	orders, err := s.accountOrders(ctx)
	if err != nil {
		return nil, err
	}
	if len(reconcile.ExpectedHoldings(orders)) > 0 {
		return nil, fmt.Errorf("account %s: %w; use rebalance with extra cash", s.account, apperrors.ErrAlreadyInvested)
	}
	if sum := summarize(orders); sum.inFlight > 0 {
		return nil, fmt.Errorf("account %s has %d orders pending: %w", s.account, sum.inFlight, apperrors.ErrOrdersInFlight)
	}

	u, err := s.universe.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch universe: %w", err)
	}
	prices, err := s.broker.GetQuotes(ctx, u.Symbols())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quotes: %w", err)
	}
	alloc, err := s.calc.Calculate(amount, u, prices)
	if err != nil {
		return nil, err
	}

	plan := &InitialPlan{Universe: u, Allocation: alloc}
	for _, a := range alloc.Allocations {
		if a.Shares <= 0 {
			continue
		}
		plan.Orders = append(plan.Orders, models.Order{
			Symbol:         a.Symbol,
			Side:           models.OrderSideBuy,
			Shares:         a.Shares,
			ReferencePrice: a.Price,
			SessionType:    models.SessionInitial,
			Status:         models.OrderPending,
		})
	}
	return plan, nil
}

// RebalancePlan is a rebalancing proposal together with the reconciliation
// it was built from.
type RebalancePlan struct {
	Universe       *models.Universe  `json:"-"`
	Reconciliation *reconcile.Report `json:"reconciliation"`
	Plan           *rebalance.Plan   `json:"plan"`
}

// PlanRebalance reconciles the account and diffs its usable holdings
// against the current universe. It refuses to plan on unverified holdings.
func (s *Service) PlanRebalance(ctx context.Context, extraCash float64) (*RebalancePlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.planRebalance(ctx, extraCash)
}

func (s *Service) planRebalance(ctx context.Context, extraCash float64) (*RebalancePlan, error) {
	orders, err := s.accountOrders(ctx)
	if err != nil {
		return nil, err
	}
	if sum := summarize(orders); sum.inFlight > 0 {
		return nil, fmt.Errorf("account %s has %d orders pending: %w", s.account, sum.inFlight, apperrors.ErrOrdersInFlight)
	}

	u, err := s.universe.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch universe: %w", err)
	}

	expected := reconcile.ExpectedHoldings(orders)
	symbols := make([]string, 0, len(expected)+len(u.Entries))
	for _, h := range expected {
		symbols = append(symbols, h.Symbol)
	}
	symbols = append(symbols, u.Symbols()...)

	prices, err := s.broker.GetQuotes(ctx, dedupe(symbols))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quotes: %w", err)
	}

	report := s.reconcile(ctx, expected, prices)
	if report.HasErrors() {
		errs := report.Errors()
		return &RebalancePlan{Universe: u, Reconciliation: report},
			fmt.Errorf("reconciliation failed for %d symbols: %w", len(errs), errs[0])
	}

	plan, err := s.gen.Generate(report.UsableHoldings(expected), u, prices, extraCash)
	if err != nil {
		return nil, err
	}
	return &RebalancePlan{Universe: u, Reconciliation: report, Plan: plan}, nil
}

// CycleResult is what an executed cycle created and how submission went.
type CycleResult struct {
	Cycle    store.CycleRecord   `json:"cycle"`
	Orders   []models.Order      `json:"orders"`
	Outcomes []execution.Outcome `json:"outcomes"`
}

// Failed returns the outcomes that did not submit cleanly.
func (r *CycleResult) Failed() []execution.Outcome {
	var out []execution.Outcome
	for _, o := range r.Outcomes {
		if o.Failed() {
			out = append(out, o)
		}
	}
	return out
}

// ExecuteInitial plans and places a first-time investment.
func (s *Service) ExecuteInitial(ctx context.Context, amount float64) (*CycleResult, *InitialPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, err := s.planInitial(ctx, amount)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.commit(ctx, plan.Universe, models.SessionInitial, plan.Orders, 0)
	return res, plan, err
}

// ExecuteRebalance plans and places a rebalancing cycle.
func (s *Service) ExecuteRebalance(ctx context.Context, extraCash float64) (*CycleResult, *RebalancePlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, err := s.planRebalance(ctx, extraCash)
	if err != nil {
		return nil, plan, err
	}
	if plan.Plan.IsEmpty() {
		return nil, plan, apperrors.ErrNothingToRebalance
	}
	res, err := s.commit(ctx, plan.Universe, models.SessionRebalance, plan.Plan.Orders(), extraCash)
	return res, plan, err
}

// commit persists a cycle's orders, records the applied universe, and
// submits. A ctx cancelled before persistence leaves no trace.
func (s *Service) commit(ctx context.Context, u *models.Universe, session models.SessionType, orders []models.Order, extraCash float64) (*CycleResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.now()
	cycle := store.CycleRecord{
		ID:           s.newID(),
		Account:      s.account,
		SessionType:  session,
		UniverseHash: u.Hash,
		OrderCount:   len(orders),
		ExtraCash:    extraCash,
		CreatedAt:    now,
	}

	ids := make([]string, len(orders))
	var buys, sells []float64
	for i := range orders {
		orders[i].ID = s.newID()
		orders[i].Account = s.account
		orders[i].SessionType = session
		orders[i].Status = models.OrderPending
		orders[i].CreatedAt = now
		orders[i].UpdatedAt = now
		ids[i] = orders[i].ID

		switch orders[i].Side {
		case models.OrderSideBuy:
			buys = append(buys, orders[i].Value())
		case models.OrderSideSell:
			sells = append(sells, orders[i].Value())
		}
	}
	cycle.BuyValue = finmath.SumMoney(buys...)
	cycle.SellValue = finmath.SumMoney(sells...)

	if err := s.store.SaveOrders(ctx, orders); err != nil {
		return nil, fmt.Errorf("failed to save orders: %w", err)
	}

	// Past this point the cycle exists; bookkeeping must not be cut short.
	bg := context.WithoutCancel(ctx)
	if err := s.store.SetAppliedUniverse(bg, store.AppliedUniverse{
		Account:   s.account,
		Hash:      u.Hash,
		Symbols:   u.Symbols(),
		AppliedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("failed to record applied universe: %w", err)
	}
	if err := s.store.RecordCycle(bg, &cycle); err != nil {
		s.logger.Warn().Err(err).Str("cycle", cycle.ID).Msg("Failed to record cycle")
	}

	res := &CycleResult{Cycle: cycle, Orders: orders}
	outcomes, err := s.exec.Submit(ctx, ids...)
	res.Outcomes = outcomes
	logging.LogCycle(s.logger, string(session), len(orders), cycle.BuyValue, cycle.SellValue, err)
	if err != nil {
		return res, fmt.Errorf("submission interrupted: %w", err)
	}

	if _, err := s.exec.Poll(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Post-submit poll failed")
	}
	return res, nil
}

// Compare reconciles expected holdings against the broker.
func (s *Service) Compare(ctx context.Context) (*reconcile.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders, err := s.accountOrders(ctx)
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, reconcile.ExpectedHoldings(orders), nil), nil
}

// reconcile reads broker holdings and compares. A nil prices book is
// fetched here; quote failures only degrade the report.
func (s *Service) reconcile(ctx context.Context, expected []models.Holding, prices models.PriceBook) *reconcile.Report {
	if prices == nil && len(expected) > 0 {
		symbols := make([]string, len(expected))
		for i, h := range expected {
			symbols[i] = h.Symbol
		}
		book, err := s.broker.GetQuotes(ctx, symbols)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Quotes unavailable for reconciliation")
		}
		prices = book
	}

	actual, err := s.broker.GetHoldings(ctx)
	report := reconcile.Compare(expected, actual, err, prices)
	match, modified, errored := report.Counts()
	log := logging.WithOperation(s.logger, "reconcile")
	log.Info().
		Str("status", string(report.Status)).
		Int("match", match).
		Int("modified", modified).
		Int("error", errored).
		Float64("usable_value", report.UsableValue).
		Msg("Reconciled holdings")
	return report
}

// Orders lists the account's orders.
func (s *Service) Orders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error) {
	filter.Account = s.account
	return s.store.ListOrders(ctx, filter)
}

// PollOrders refreshes broker status for in-flight orders.
func (s *Service) PollOrders(ctx context.Context) ([]execution.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec.Poll(ctx)
}

// RetryFailed resubmits every retry-eligible order.
func (s *Service) RetryFailed(ctx context.Context) ([]execution.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec.RetryAll(ctx)
}

// RetryOrder resubmits one order.
func (s *Service) RetryOrder(ctx context.Context, id string) (execution.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.own(ctx, id); err != nil {
		return execution.Outcome{OrderID: id, Err: err}, err
	}
	return s.exec.Retry(ctx, id)
}

// ResetOrder gives an order a fresh attempt budget.
func (s *Service) ResetOrder(ctx context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.own(ctx, id); err != nil {
		return nil, err
	}
	return s.exec.Reset(ctx, id)
}

// CancelOrder cancels an order, at the broker when it is in flight.
func (s *Service) CancelOrder(ctx context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.own(ctx, id); err != nil {
		return nil, err
	}
	return s.exec.Cancel(ctx, id)
}

// History returns the most recent cycles, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]store.CycleRecord, error) {
	return s.store.ListCycles(ctx, s.account, limit)
}

// Universe returns the current universe snapshot.
func (s *Service) Universe(ctx context.Context) (*models.Universe, error) {
	return s.universe.Fetch(ctx)
}

func (s *Service) accountOrders(ctx context.Context) ([]models.Order, error) {
	orders, err := s.store.ListOrders(ctx, store.OrderFilter{Account: s.account})
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// Order returns one of the account's orders with its attempt history.
func (s *Service) Order(ctx context.Context, id string) (*models.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Account != s.account {
		return nil, fmt.Errorf("order %s: %w", id, apperrors.ErrOrderNotFound)
	}
	return o, nil
}

func (s *Service) own(ctx context.Context, id string) error {
	_, err := s.Order(ctx, id)
	return err
}

func dedupe(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := symbols[:0]
	for _, s := range symbols {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
