package cli

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apperrors "zerodha-rebalancer/internal/errors"
	"zerodha-rebalancer/internal/models"
	"zerodha-rebalancer/internal/portfolio"
	"zerodha-rebalancer/internal/rebalance"
	"zerodha-rebalancer/internal/reconcile"
	"zerodha-rebalancer/pkg/utils"
)

// addPortfolioCommands adds status, investment and rebalancing commands.
func addPortfolioCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newRequirementsCmd(app))
	rootCmd.AddCommand(newInvestCmd(app))
	rootCmd.AddCommand(newRebalanceCmd(app))
	rootCmd.AddCommand(newCompareCmd(app))
	rootCmd.AddCommand(newHistoryCmd(app))
	rootCmd.AddCommand(newUniverseCmd(app))
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what each account needs next",
		Long: `Reconcile every account against the broker and report one verdict:
INITIAL_INVESTMENT_REQUIRED, REBALANCE_REQUIRED, UP_TO_DATE,
ORDERS_IN_FLIGHT or ATTENTION_REQUIRED.`,
		Example: `  rebalancer status
  rebalancer status --account alice --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			services, err := app.services(cmd.Context())
			if err != nil {
				return err
			}

			var statuses []*portfolio.Status
			for _, svc := range services {
				st, err := svc.Status(cmd.Context())
				if err != nil {
					return fmt.Errorf("account %s: %w", svc.Account(), err)
				}
				statuses = append(statuses, st)
			}

			if output.IsJSON() {
				return output.JSON(statuses)
			}
			printMarket(output, time.Now())
			for _, st := range statuses {
				output.Println()
				printStatus(output, st)
			}
			return nil
		},
	}
}

func printStatus(output *Output, st *portfolio.Status) {
	output.Bold("Account %s", st.Account)
	output.Printf("  Status:    %s\n", output.Actionability(st.Actionability))
	output.Printf("  Reason:    %s\n", st.Reason)
	output.Printf("  Universe:  %s", st.UniverseHash)
	if st.AppliedHash != "" && st.AppliedHash != st.UniverseHash {
		output.Printf(" %s", output.Yellow("(applied "+st.AppliedHash+")"))
	}
	output.Println()
	if len(st.Trigger.Added) > 0 {
		output.Printf("  Added:     %s\n", strings.Join(st.Trigger.Added, ", "))
	}
	if len(st.Trigger.Removed) > 0 {
		output.Printf("  Removed:   %s\n", strings.Join(st.Trigger.Removed, ", "))
	}
	if st.InFlight+st.NeedsRetry+st.Exhausted > 0 {
		output.Printf("  Orders:    %d in flight, %d need retry, %d exhausted\n", st.InFlight, st.NeedsRetry, st.Exhausted)
	}
	if r := st.Reconciliation; r != nil && len(r.Results) > 0 {
		match, modified, errored := r.Counts()
		output.Printf("  Holdings:  %d match, %d modified, %d unverified\n", match, modified, errored)
		output.Printf("  Value:     %s usable of %s expected\n",
			utils.FormatIndianCurrency(r.UsableValue), utils.FormatIndianCurrency(r.ExpectedValue))
	}
	if m := st.Metrics; m != nil && m.InvestedValue > 0 {
		ret := utils.FormatSignedCurrency(m.AbsoluteReturn)
		if m.AbsoluteReturn < 0 {
			ret = output.Red(ret)
		} else {
			ret = output.Green(ret)
		}
		output.Printf("  Invested:  %s, now %s\n", utils.FormatCompact(m.InvestedValue), utils.FormatCompact(m.CurrentValue))
		output.Printf("  Returns:   %s (%s)", ret, utils.FormatPercent(m.ReturnsPercent))
		if !m.InvestedSince.IsZero() {
			output.Printf(", CAGR %s since %s", utils.FormatPercent(m.CAGR), m.InvestedSince.In(utils.IndiaLocation).Format("2006-01-02"))
		}
		output.Println()
	}
}

func printMarket(output *Output, now time.Time) {
	status := utils.MarketStatusAt(now)
	if status == utils.MarketOpen {
		output.Info("Market %s", status)
		return
	}
	next := utils.NextMarketOpen(now).Format("Mon 02 Jan 15:04 MST")
	output.Info("Market %s, next open %s", status, next)
}

func newRequirementsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "requirements",
		Short: "Show the minimum investment for the current universe",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			svc, err := app.service(cmd.Context())
			if err != nil {
				return err
			}

			req, err := svc.Requirements(cmd.Context())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(req)
			}

			output.Bold("Investment Requirements")
			output.Printf("  Minimum:     %s\n", utils.FormatIndianCurrency(req.MinimumInvestment))
			output.Printf("  Recommended: %s\n", utils.FormatIndianCurrency(req.RecommendedInvestment))
			output.Printf("  Limited by:  %s\n", req.LimitingSymbol)
			output.Println()

			table := NewTable(output, "Symbol", "Price", "Target", "Max", "Needs")
			for _, s := range req.Symbols {
				sym := s.Symbol
				if sym == req.LimitingSymbol {
					sym = output.Yellow(sym)
				}
				table.AddRow(sym,
					utils.FormatIndianCurrency(s.Price),
					utils.FormatPercent(s.TargetWeight),
					utils.FormatPercent(s.MaxWeight),
					utils.FormatIndianCurrency(s.MinInvestment))
			}
			table.Render()
			return nil
		},
	}
}

func newInvestCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invest",
		Short: "Initial investment into the universe",
	}

	cmd.AddCommand(&cobra.Command{
		Use:     "plan <amount>",
		Short:   "Preview the allocation for an amount",
		Example: "  rebalancer invest plan 5,00,000",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			svc, err := app.service(cmd.Context())
			if err != nil {
				return err
			}

			plan, err := svc.PlanInitial(cmd.Context(), amount)
			if err != nil {
				return explainCapital(output, err)
			}
			if output.IsJSON() {
				return output.JSON(plan)
			}
			printAllocation(output, plan.Allocation)
			return nil
		},
	})

	execCmd := &cobra.Command{
		Use:     "execute <amount>",
		Short:   "Place the initial investment orders",
		Example: "  rebalancer invest execute 500000 --yes",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			svc, err := app.service(cmd.Context())
			if err != nil {
				return err
			}

			yes, err := confirmed(cmd, output)
			if err != nil {
				return err
			}
			if !yes {
				plan, err := svc.PlanInitial(cmd.Context(), amount)
				if err != nil {
					return explainCapital(output, err)
				}
				printAllocation(output, plan.Allocation)
				if !confirm(cmd, output, fmt.Sprintf("Place %d orders for %s?", len(plan.Orders),
					utils.FormatIndianCurrency(plan.Allocation.TotalAllocated))) {
					output.Warning("Aborted")
					return nil
				}
			}

			result, _, err := svc.ExecuteInitial(cmd.Context(), amount)
			if err != nil {
				return explainCapital(output, err)
			}
			app.recordCycle(cmd.Context(), result)
			return printCycle(output, result)
		},
	}
	execCmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")
	cmd.AddCommand(execCmd)

	return cmd
}

func newRebalanceCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebalance",
		Short: "Move holdings onto the current universe",
		Long: `Rebalance sells symbols that left the universe, buys symbols that
joined it, and tops up retained symbols below target. Retained symbols
above target are reported but never sold.`,
	}

	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Preview the rebalancing orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			extra, _ := cmd.Flags().GetFloat64("extra")
			svc, err := app.service(cmd.Context())
			if err != nil {
				return err
			}

			plan, err := svc.PlanRebalance(cmd.Context(), extra)
			if plan != nil && plan.Plan == nil && plan.Reconciliation != nil && !output.IsJSON() {
				printReconciliation(output, plan.Reconciliation)
			}
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(plan)
			}
			printRebalancePlan(output, plan.Plan)
			return nil
		},
	}
	planCmd.Flags().Float64("extra", 0, "additional cash to invest while rebalancing")
	cmd.AddCommand(planCmd)

	execCmd := &cobra.Command{
		Use:   "execute",
		Short: "Place the rebalancing orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			extra, _ := cmd.Flags().GetFloat64("extra")
			svc, err := app.service(cmd.Context())
			if err != nil {
				return err
			}

			yes, err := confirmed(cmd, output)
			if err != nil {
				return err
			}
			if !yes {
				plan, err := svc.PlanRebalance(cmd.Context(), extra)
				if err != nil {
					return err
				}
				printRebalancePlan(output, plan.Plan)
				if plan.Plan.IsEmpty() {
					return nil
				}
				if !confirm(cmd, output, "Place these orders?") {
					output.Warning("Aborted")
					return nil
				}
			}

			result, _, err := svc.ExecuteRebalance(cmd.Context(), extra)
			if errors.Is(err, apperrors.ErrNothingToRebalance) {
				output.Success("✓ Nothing to rebalance")
				return nil
			}
			if err != nil {
				return err
			}
			app.recordCycle(cmd.Context(), result)
			return printCycle(output, result)
		},
	}
	execCmd.Flags().Float64("extra", 0, "additional cash to invest while rebalancing")
	execCmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")
	cmd.AddCommand(execCmd)

	return cmd
}

func newCompareCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "compare",
		Short: "Reconcile expected holdings against the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			svc, err := app.service(cmd.Context())
			if err != nil {
				return err
			}

			report, err := svc.Compare(cmd.Context())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(report)
			}
			printReconciliation(output, report)
			return nil
		},
	}
}

func newHistoryCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past investment and rebalancing cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			limit, _ := cmd.Flags().GetInt("limit")
			svc, err := app.service(cmd.Context())
			if err != nil {
				return err
			}

			cycles, err := svc.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(cycles)
			}
			if len(cycles) == 0 {
				output.Dim("No cycles yet")
				return nil
			}

			table := NewTable(output, "When", "Type", "Universe", "Orders", "Bought", "Sold", "Extra")
			for _, c := range cycles {
				table.AddRow(
					c.CreatedAt.In(utils.IndiaLocation).Format("2006-01-02 15:04"),
					string(c.SessionType),
					c.UniverseHash,
					strconv.Itoa(c.OrderCount),
					utils.FormatIndianCurrency(c.BuyValue),
					utils.FormatIndianCurrency(c.SellValue),
					utils.FormatIndianCurrency(c.ExtraCash))
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum cycles to show")
	return cmd
}

func newUniverseCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "universe",
		Short: "Show the current target universe",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			refresh, _ := cmd.Flags().GetBool("refresh")
			if err := app.init(cmd.Context()); err != nil {
				return err
			}

			fetch := app.Universe.Fetch
			if refresh {
				fetch = app.Universe.Refresh
			}
			u, err := fetch(cmd.Context())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(u)
			}

			output.Bold("Universe %s (%d symbols)", u.Hash, len(u.Entries))
			output.Dim("Fetched %s", u.FetchedAt.In(utils.IndiaLocation).Format("2006-01-02 15:04:05"))
			for _, e := range u.Entries {
				if e.WeightHint > 0 {
					output.Printf("  %-14s %s\n", e.Symbol, utils.FormatPercent(e.WeightHint))
				} else {
					output.Printf("  %s\n", e.Symbol)
				}
			}
			return nil
		},
	}
	cmd.Flags().Bool("refresh", false, "bypass the cache")
	return cmd
}

func printAllocation(output *Output, plan *models.AllocationPlan) {
	output.Bold("Allocation for %s", utils.FormatIndianCurrency(plan.InvestmentAmount))
	table := NewTable(output, "Symbol", "Price", "Target", "Band", "Shares", "Value", "Weight")
	for _, a := range plan.Allocations {
		weight := utils.FormatPercent(a.RealizedWeight)
		if !a.InBand() {
			weight = output.Red(weight)
		}
		table.AddRow(a.Symbol,
			utils.FormatIndianCurrency(a.Price),
			utils.FormatPercent(a.TargetWeight),
			fmt.Sprintf("%.2f-%.2f", a.MinWeight, a.MaxWeight),
			utils.FormatQuantity(a.Shares),
			utils.FormatIndianCurrency(a.AllocatedValue),
			weight)
	}
	table.Render()
	output.Println()
	output.Printf("  Allocated:   %s (%s)\n", utils.FormatIndianCurrency(plan.TotalAllocated), utils.FormatPercent(plan.Utilization))
	output.Printf("  Leftover:    %s\n", utils.FormatIndianCurrency(plan.LeftoverCash))
	for _, v := range plan.Validation.Violations {
		output.Warning("  ⚠ %s", v)
	}
}

func printRebalancePlan(output *Output, plan *rebalance.Plan) {
	output.Bold("Rebalance: %s", plan.Trigger.Reason)
	if plan.IsEmpty() {
		output.Success("✓ Nothing to rebalance")
		return
	}

	table := NewTable(output, "Side", "Symbol", "Shares", "Price", "Value")
	for _, o := range plan.Orders() {
		side := output.Green(string(o.Side))
		if o.Side == models.OrderSideSell {
			side = output.Red(string(o.Side))
		}
		table.AddRow(side, o.Symbol,
			utils.FormatQuantity(o.Shares),
			utils.FormatIndianCurrency(o.ReferencePrice),
			utils.FormatIndianCurrency(o.Value()))
	}
	table.Render()
	output.Println()
	output.Printf("  Current value:  %s\n", utils.FormatIndianCurrency(plan.CurrentValue))
	if plan.ExtraCash > 0 {
		output.Printf("  Extra cash:     %s\n", utils.FormatIndianCurrency(plan.ExtraCash))
	}
	output.Printf("  Sell proceeds:  %s\n", utils.FormatIndianCurrency(plan.SellValue))
	output.Printf("  Buy cost:       %s\n", utils.FormatIndianCurrency(plan.BuyValue))
	output.Printf("  Net cash:       %s\n", utils.FormatSignedCurrency(plan.NetCashNeeded))
	for _, e := range plan.SuppressedExcess {
		output.Dim("  %s holds %d shares over its target of %d; kept", e.Symbol, e.CurrentShares, e.TargetShares)
	}
}

func printReconciliation(output *Output, r *reconcile.Report) {
	output.Bold("Reconciliation: %s", output.Classification(r.Status))
	output.Dim("%s", r.RecommendedAction)
	if len(r.Results) > 0 {
		table := NewTable(output, "Symbol", "Expected", "Actual", "Usable", "Excess", "Value", "Status")
		for _, res := range r.Results {
			table.AddRow(res.Symbol,
				utils.FormatQuantity(res.ExpectedShares),
				utils.FormatQuantity(res.ActualShares),
				utils.FormatQuantity(res.UsableShares),
				utils.FormatQuantity(res.ExcessShares),
				utils.FormatIndianCurrency(res.UsableValue),
				output.Classification(res.Classification))
		}
		table.Render()
	}
	for _, h := range r.Extra {
		output.Dim("  %s: %d shares held outside the rebalancer", h.Symbol, h.Total())
	}
	for _, w := range r.Warnings {
		output.Warning("  ⚠ %s", w)
	}
	for _, err := range r.Errors() {
		output.Error("  ✗ %v", err)
	}
}

func printCycle(output *Output, result *portfolio.CycleResult) error {
	if output.IsJSON() {
		return output.JSON(result)
	}

	output.Success("✓ %s cycle %s created %d orders", result.Cycle.SessionType, shortID(result.Cycle.ID), len(result.Orders))
	printOrders(output, result.Orders)
	for _, o := range result.Failed() {
		output.Error("  ✗ %s %s: %v", o.Side, o.Symbol, o.Err)
	}
	if failed := len(result.Failed()); failed > 0 {
		output.Info("Run 'rebalancer orders retry' to resubmit failed orders")
	}
	return nil
}

// explainCapital adds the requirement breakdown to an insufficient capital error.
func explainCapital(output *Output, err error) error {
	var capErr *apperrors.InsufficientCapitalError
	if errors.As(err, &capErr) && !output.IsJSON() {
		output.Error("Insufficient capital: %s requested, %s required",
			utils.FormatIndianCurrency(capErr.Requested), utils.FormatIndianCurrency(capErr.Minimum))
		output.Printf("  Shortfall:   %s\n", utils.FormatIndianCurrency(capErr.Shortfall))
		output.Printf("  Recommended: %s\n", utils.FormatIndianCurrency(capErr.Recommended))
		output.Printf("  Limited by:  %s\n", capErr.Limiting)
	}
	return err
}

// parseAmount accepts plain or comma grouped rupee amounts.
func parseAmount(s string) (float64, error) {
	clean := strings.NewReplacer(",", "", "₹", "", "_", "").Replace(strings.TrimSpace(s))
	amount, err := strconv.ParseFloat(clean, 64)
	if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return 0, fmt.Errorf("invalid amount %q: must be a positive number", s)
	}
	return amount, nil
}

// confirmed reports whether --yes was given. JSON output cannot prompt,
// so it requires the flag.
func confirmed(cmd *cobra.Command, output *Output) (bool, error) {
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes && output.IsJSON() {
		return false, fmt.Errorf("--yes is required with --json")
	}
	return yes, nil
}

func confirm(cmd *cobra.Command, output *Output, prompt string) bool {
	output.Printf("%s [y/N] ", prompt)
	reader := bufio.NewReader(cmd.InOrStdin())
	answer, _ := reader.ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
