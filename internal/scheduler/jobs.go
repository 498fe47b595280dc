package scheduler

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/rs/zerolog"

	"zerodha-rebalancer/internal/execution"
	"zerodha-rebalancer/internal/models"
	"zerodha-rebalancer/pkg/utils"
)

// Alerter is told about events an operator should act on.
type Alerter interface {
	UniverseChanged(ctx context.Context, previous string, u *models.Universe) error
	OrdersNeedAttention(ctx context.Context, account string, outcomes []execution.Outcome) error
}

// Poller refreshes in-flight order status for every account.
type Poller interface {
	PollAll(ctx context.Context) (map[string][]execution.Outcome, error)
}

// OrderPollJob polls broker status for in-flight orders.
type OrderPollJob struct {
	ctx             context.Context
	poller          Poller
	timeout         time.Duration
	marketHoursOnly bool
	alerter         Alerter
	now             func() time.Time
	log             zerolog.Logger
}

// OrderPollConfig holds configuration for the order poll job.
type OrderPollConfig struct {
	Poller          Poller
	Timeout         time.Duration
	MarketHoursOnly bool
	Alerter         Alerter // optional
	Log             zerolog.Logger
}

// NewOrderPollJob creates an order poll job bound to ctx.
func NewOrderPollJob(ctx context.Context, cfg OrderPollConfig) *OrderPollJob {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &OrderPollJob{
		ctx:             ctx,
		poller:          cfg.Poller,
		timeout:         cfg.Timeout,
		marketHoursOnly: cfg.MarketHoursOnly,
		alerter:         cfg.Alerter,
		now:             time.Now,
		log:             cfg.Log.With().Str("job", "order_poll").Logger(),
	}
}

// Name returns the job name
func (j *OrderPollJob) Name() string {
	return "order_poll"
}

// Run polls every account once.
func (j *OrderPollJob) Run() error {
	if j.marketHoursOnly && utils.MarketStatusAt(j.now()) == utils.MarketClosed {
		j.log.Debug().Msg("Market closed, skipping poll")
		return nil
	}

	ctx, cancel := context.WithTimeout(j.ctx, j.timeout)
	defer cancel()

	results, err := j.poller.PollAll(ctx)
	for account, outcomes := range results {
		var changed, failed int
		for _, o := range outcomes {
			if o.Failed() {
				failed++
				continue
			}
			if o.Status.IsTerminal() || o.Status == models.OrderRejected || o.Status == models.OrderCancelled {
				changed++
			}
		}
		if len(outcomes) > 0 {
			j.log.Info().
				Str("account", account).
				Int("polled", len(outcomes)).
				Int("settled", changed).
				Int("failed", failed).
				Msg("Orders polled")
		}
		if j.alerter != nil {
			if aerr := j.alerter.OrdersNeedAttention(ctx, account, outcomes); aerr != nil {
				j.log.Warn().Err(aerr).Str("account", account).Msg("Failed to send order alert")
			}
		}
	}
	if err != nil {
		return fmt.Errorf("order poll: %w", err)
	}
	return nil
}

// Refresher forces a universe refresh.
type Refresher interface {
	Refresh(ctx context.Context) (*models.Universe, error)
}

// UniverseRefreshJob keeps the cached universe snapshot current.
type UniverseRefreshJob struct {
	ctx       context.Context
	refresher Refresher
	timeout   time.Duration
	lastHash  string
	lastSet   map[string]bool
	alerter   Alerter
	log       zerolog.Logger
}

// NewUniverseRefreshJob creates a universe refresh job bound to ctx.
func NewUniverseRefreshJob(ctx context.Context, refresher Refresher, timeout time.Duration, log zerolog.Logger) *UniverseRefreshJob {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &UniverseRefreshJob{
		ctx:       ctx,
		refresher: refresher,
		timeout:   timeout,
		log:       log.With().Str("job", "universe_refresh").Logger(),
	}
}

// WithAlerter sends universe changes to a.
func (j *UniverseRefreshJob) WithAlerter(a Alerter) *UniverseRefreshJob {
	j.alerter = a
	return j
}

// Name returns the job name
func (j *UniverseRefreshJob) Name() string {
	return "universe_refresh"
}

// Run refreshes the universe. Only a change in the symbol set is alerted;
// a changed hash over the same symbols is logged and otherwise ignored.
func (j *UniverseRefreshJob) Run() error {
	ctx, cancel := context.WithTimeout(j.ctx, j.timeout)
	defer cancel()

	u, err := j.refresher.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("universe refresh: %w", err)
	}
	set := u.SymbolSet()
	switch {
	case j.lastHash == "" || j.lastHash == u.Hash:
	case maps.Equal(j.lastSet, set):
		j.log.Info().
			Str("previous", j.lastHash).
			Str("current", u.Hash).
			Msg("Universe weights changed, symbols unchanged")
	default:
		j.log.Warn().
			Str("previous", j.lastHash).
			Str("current", u.Hash).
			Strs("symbols", u.Symbols()).
			Msg("Universe changed, run status to review rebalancing")
		if j.alerter != nil {
			if err := j.alerter.UniverseChanged(ctx, j.lastHash, u); err != nil {
				j.log.Warn().Err(err).Msg("Failed to send universe alert")
			}
		}
	}
	j.lastHash = u.Hash
	j.lastSet = set
	return nil
}

// LastHash returns the hash seen by the most recent successful run.
func (j *UniverseRefreshJob) LastHash() string {
	return j.lastHash
}
