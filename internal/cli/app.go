package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"zerodha-rebalancer/internal/allocation"
	"zerodha-rebalancer/internal/broker"
	"zerodha-rebalancer/internal/config"
	"zerodha-rebalancer/internal/models"
	"zerodha-rebalancer/internal/notify"
	"zerodha-rebalancer/internal/portfolio"
	"zerodha-rebalancer/internal/reconcile"
	"zerodha-rebalancer/internal/resilience"
	"zerodha-rebalancer/internal/security"
	"zerodha-rebalancer/internal/store"
	"zerodha-rebalancer/internal/universe"
)

// App holds the application dependencies.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Kite     *broker.ZerodhaBroker // nil without an API key
	Store    *store.SQLiteStore
	Universe *universe.Cache
	Manager  *portfolio.Manager
	Brokers  map[string]broker.Broker
	Notifier *notify.Notifier

	limiter     *resilience.RateLimiter
	audit       *security.AuditLogger
	auditOpened bool

	// Account selected with --account; empty means the first configured one.
	Account string

	ready bool
}

func newApp(cfg *config.Config, logger zerolog.Logger) *App {
	app := &App{
		Config:   cfg,
		Logger:   logger,
		Brokers:  make(map[string]broker.Broker),
		Notifier: notify.New(cfg.Notifications),
	}
	if cfg.Credentials.Zerodha.APIKey != "" {
		app.Kite = broker.NewZerodhaBroker(cfg.ZerodhaConfig())
		if cfg.Execution.RateLimit > 0 {
			app.limiter = resilience.NewRateLimiter(cfg.Execution.RateLimit, cfg.Execution.RateBurst)
		}
		logger.Debug().Msg("Zerodha broker initialized")
	}
	return app
}

// init opens the store and builds one portfolio service per account.
// Commands that never touch a portfolio skip it.
func (a *App) init(ctx context.Context) error {
	if a.ready {
		return nil
	}

	s, err := store.NewSQLiteStore(a.Config.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.Store = s
	a.Logger.Debug().Str("path", a.Config.Store.Path).Msg("SQLite store initialized")

	var source universe.Source
	if len(a.Config.Universe.Symbols) > 0 {
		source = universe.NewStaticSource(a.Config.Universe.Symbols...)
	} else {
		source = universe.NewHTTPSource(a.Config.Universe.URL, a.Config.Universe.FetchTimeout, a.Logger)
	}
	a.Universe = universe.NewCache(source, a.Config.Universe.CacheTTL, a.Logger)

	calc := allocation.NewCalculator(a.Config.AllocationConfig())
	var services []*portfolio.Service
	for _, account := range a.Config.Accounts {
		b, err := a.brokerFor(ctx, account)
		if err != nil {
			a.Store.Close()
			return err
		}
		a.Brokers[account] = b
		services = append(services, portfolio.NewService(account, portfolio.Deps{
			Universe:   a.Universe,
			Broker:     b,
			Store:      a.Store,
			Calculator: calc,
			Execution:  a.Config.ExecutorConfig(),
			Logger:     a.Logger,
		}))
	}
	a.Manager = portfolio.NewManager(services...)
	a.ready = true
	return nil
}

// brokerFor wires the live Kite adapter behind the call guard, or a paper
// broker mirroring the account's ledger.
func (a *App) brokerFor(ctx context.Context, account string) (broker.Broker, error) {
	cfg := a.Config
	logger := a.Logger.With().Str("account", account).Logger()
	guard := cfg.GuardConfig()
	guard.Limiter = a.limiter

	if !cfg.IsPaperMode() {
		if a.Kite == nil {
			return nil, fmt.Errorf("live mode needs zerodha.api_key in credentials.toml")
		}
		return broker.NewGuardedBroker(a.Kite, guard, logger), nil
	}

	pcfg := broker.PaperBrokerConfig{
		InitialBalance: cfg.Trading.PaperBalance,
		FillMode:       broker.FillMode(cfg.Trading.PaperFillMode),
		Prices:         cfg.Trading.PaperPrices,
	}
	if a.Kite != nil && a.Kite.IsAuthenticated() {
		pcfg.DataBroker = broker.NewGuardedBroker(a.Kite, guard, logger)
	}
	paper := broker.NewPaperBroker(pcfg)

	// Paper positions live in memory; rebuild them from filled orders so
	// reconciliation sees what earlier runs bought.
	orders, err := a.Store.ListOrders(ctx, store.OrderFilter{Account: account})
	if err != nil {
		return nil, fmt.Errorf("failed to load paper ledger: %w", err)
	}
	for _, h := range reconcile.ExpectedHoldings(orders) {
		paper.SetHolding(models.BrokerHolding{
			Symbol:       h.Symbol,
			Quantity:     h.Shares,
			AveragePrice: h.AvgCost,
		})
	}
	return paper, nil
}

// service returns the portfolio for the selected account.
func (a *App) service(ctx context.Context) (*portfolio.Service, error) {
	if err := a.init(ctx); err != nil {
		return nil, err
	}
	account := a.Account
	if account == "" {
		account = a.Config.Accounts[0]
	}
	return a.Manager.Get(account)
}

// services returns the selected account, or every account when none was chosen.
func (a *App) services(ctx context.Context) ([]*portfolio.Service, error) {
	if err := a.init(ctx); err != nil {
		return nil, err
	}
	if a.Account != "" {
		svc, err := a.Manager.Get(a.Account)
		if err != nil {
			return nil, err
		}
		return []*portfolio.Service{svc}, nil
	}

	var out []*portfolio.Service
	for _, account := range a.Manager.Accounts() {
		svc, _ := a.Manager.Get(account)
		out = append(out, svc)
	}
	return out, nil
}

// auditLog opens the audit trail on first use. A trail that cannot be
// opened is logged and skipped; it never blocks trading.
func (a *App) auditLog() *security.AuditLogger {
	if a.auditOpened {
		return a.audit
	}
	a.auditOpened = true
	al, err := security.NewAuditLogger(a.Config.AuditConfig())
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Audit trail disabled")
		return nil
	}
	a.audit = al
	return al
}

// record warns when an audit write failed.
func (a *App) record(what string, err error) {
	if err != nil {
		a.Logger.Warn().Err(err).Str("event", what).Msg("Failed to write audit event")
	}
}

// recordCycle audits and announces an executed cycle. Delivery failures only warn.
func (a *App) recordCycle(ctx context.Context, result *portfolio.CycleResult) {
	if result == nil {
		return
	}
	failed := len(result.Failed())
	a.record("cycle", a.auditLog().LogCycle(ctx, result.Cycle, result.Orders, failed))
	if err := a.Notifier.CycleExecuted(ctx, result.Cycle, failed); err != nil {
		a.Logger.Warn().Err(err).Str("cycle", result.Cycle.ID).Msg("Failed to send cycle notification")
	}
}

// Close releases the store and the audit trail.
func (a *App) Close() error {
	if err := a.audit.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to close audit trail")
	}
	if a.Store == nil {
		return nil
	}
	return a.Store.Close()
}
