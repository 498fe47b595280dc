package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"zerodha-rebalancer/internal/broker"
	"zerodha-rebalancer/internal/resilience"
	"zerodha-rebalancer/internal/scheduler"
)

// addDaemonCommand adds the long-running background mode.
func addDaemonCommand(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "daemon",
		Short: "Poll orders and refresh the universe in the background",
		Long: `Daemon keeps every account's in-flight orders moving by polling the
broker on the configured schedule, and refreshes the universe cache so a
membership change is logged as soon as it is published. It never places
new cycles on its own.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.init(cmd.Context()); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sched, err := newDaemonScheduler(ctx, app)
			if err != nil {
				return err
			}
			sched.Start()
			output.Info("Daemon running for %d accounts, press Ctrl+C to stop", len(app.Manager.Accounts()))

			<-ctx.Done()
			sched.Stop()
			for account, st := range breakerStats(app) {
				app.Logger.Info().
					Str("account", account).
					Str("state", string(st.State)).
					Int64("requests", st.TotalRequests).
					Int64("failures", st.TotalFailures).
					Int64("rejected", st.TotalRejected).
					Msg("Broker circuit breaker")
			}
			return nil
		},
	})
}

// newDaemonScheduler registers the poll and universe refresh jobs and
// runs each once so the daemon starts from a fresh view.
func newDaemonScheduler(ctx context.Context, app *App) (*scheduler.Scheduler, error) {
	cfg := app.Config
	sched := scheduler.New(app.Logger)

	poll := scheduler.NewOrderPollJob(ctx, scheduler.OrderPollConfig{
		Poller:          app.Manager,
		Timeout:         cfg.Execution.BrokerTimeout * 6,
		MarketHoursOnly: cfg.Execution.PollMarketHoursOnly,
		Alerter:         app.Notifier,
		Log:             app.Logger,
	})
	refresh := scheduler.NewUniverseRefreshJob(ctx, app.Universe, cfg.Universe.FetchTimeout, app.Logger).
		WithAlerter(app.Notifier)

	if err := sched.AddJob(cfg.Execution.PollSchedule, poll); err != nil {
		return nil, err
	}
	if err := sched.AddJob(cfg.Universe.RefreshSchedule, refresh); err != nil {
		return nil, err
	}

	for _, job := range []scheduler.Job{refresh, poll} {
		if err := sched.RunNow(job); err != nil {
			app.Logger.Warn().Err(err).Str("job", job.Name()).Msg("Initial run failed")
		}
	}
	return sched, nil
}

// breakerStats reports the circuit breaker of every guarded broker, by account.
func breakerStats(app *App) map[string]resilience.CircuitBreakerStats {
	out := make(map[string]resilience.CircuitBreakerStats)
	for account, b := range app.Brokers {
		if g, ok := b.(*broker.GuardedBroker); ok {
			out[account] = g.Breaker().Stats()
		}
	}
	return out
}
