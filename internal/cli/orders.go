package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	apperrors "zerodha-rebalancer/internal/errors"
	"zerodha-rebalancer/internal/execution"
	"zerodha-rebalancer/internal/models"
	"zerodha-rebalancer/internal/portfolio"
	"zerodha-rebalancer/internal/security"
	"zerodha-rebalancer/internal/store"
	"zerodha-rebalancer/pkg/utils"
)

// addOrderCommands adds order inspection and recovery commands.
func addOrderCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:     "orders",
		Aliases: []string{"order"},
		Short:   "Inspect and recover rebalancer orders",
		Long: `Orders move PENDING -> SUBMITTED -> OPEN -> COMPLETE at the broker.
Rejected, cancelled and failed submissions can be retried until the
attempt budget runs out, after which they stop at FAILED_MAX_RETRIES
and need a manual reset.`,
	}

	cmd.AddCommand(newOrdersListCmd(app))
	cmd.AddCommand(newOrderShowCmd(app))
	cmd.AddCommand(newOrdersPollCmd(app))
	cmd.AddCommand(newOrderRetryCmd(app))
	cmd.AddCommand(newOrderResetCmd(app))
	cmd.AddCommand(newOrderCancelCmd(app))

	rootCmd.AddCommand(cmd)
}

func newOrdersListCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		Example: `  rebalancer orders list
  rebalancer orders list --status REJECTED,CANCELLED
  rebalancer orders list --symbol INFY --limit 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			svc, err := app.service(cmd.Context())
			if err != nil {
				return err
			}

			filter := store.OrderFilter{}
			filter.Symbol, _ = cmd.Flags().GetString("symbol")
			filter.Symbol = strings.ToUpper(filter.Symbol)
			filter.Limit, _ = cmd.Flags().GetInt("limit")
			statuses, _ := cmd.Flags().GetStringSlice("status")
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, models.OrderStatus(strings.ToUpper(s)))
			}

			orders, err := svc.Orders(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(orders)
			}
			if len(orders) == 0 {
				output.Dim("No orders")
				return nil
			}
			printOrders(output, orders)
			return nil
		},
	}
	cmd.Flags().String("symbol", "", "filter by symbol")
	cmd.Flags().StringSlice("status", nil, "filter by status")
	cmd.Flags().Int("limit", 0, "maximum orders to show")
	return cmd
}

func newOrderShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <order-id>",
		Short: "Show an order and its attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			svc, err := app.service(cmd.Context())
			if err != nil {
				return err
			}

			id, err := resolveOrderID(cmd.Context(), svc, args[0])
			if err != nil {
				return err
			}
			o, err := svc.Order(cmd.Context(), id)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(o)
			}

			output.Bold("%s %s %s", o.Side, utils.FormatQuantity(o.Shares), o.Symbol)
			output.Printf("  ID:        %s\n", o.ID)
			output.Printf("  Status:    %s\n", output.OrderStatus(o.Status))
			output.Printf("  Session:   %s\n", o.SessionType)
			output.Printf("  Filled:    %d @ %s\n", o.FilledQuantity, utils.FormatIndianCurrency(o.AveragePrice))
			output.Printf("  Retries:   %d\n", o.RetryCount)
			if o.FailureReason != "" {
				output.Printf("  Reason:    %s\n", o.FailureReason)
			}
			if o.CancelledByUser {
				output.Dim("  Cancelled by user")
			}
			if len(o.Attempts) == 0 {
				return nil
			}

			output.Println()
			table := NewTable(output, "#", "Broker ID", "Qty", "Filled", "Status", "Started", "Reason")
			for _, a := range o.Attempts {
				table.AddRow(
					strconv.Itoa(a.Number),
					a.BrokerOrderID,
					strconv.Itoa(a.Quantity),
					strconv.Itoa(a.FilledQuantity),
					output.OrderStatus(a.Status),
					a.StartedAt.In(utils.IndiaLocation).Format("15:04:05"),
					a.FailureReason)
			}
			table.Render()
			return nil
		},
	}
}

func newOrdersPollCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Refresh broker status for in-flight orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			svc, err := app.service(cmd.Context())
			if err != nil {
				return err
			}

			outcomes, err := svc.PollOrders(cmd.Context())
			if err != nil {
				return err
			}
			return printOutcomes(output, outcomes, "No orders in flight")
		},
	}
}

func newOrderRetryCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [order-id]",
		Short: "Resubmit one order, or every retry-eligible order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			svc, err := app.service(cmd.Context())
			if err != nil {
				return err
			}

			if len(args) == 1 {
				id, err := resolveOrderID(cmd.Context(), svc, args[0])
				if err != nil {
					return err
				}
				outcome, err := svc.RetryOrder(cmd.Context(), id)
				if err != nil {
					return err
				}
				app.record("retry", app.auditLog().LogOutcomes(cmd.Context(), svc.Account(), []execution.Outcome{outcome}))
				return printOutcomes(output, []execution.Outcome{outcome}, "")
			}

			outcomes, err := svc.RetryFailed(cmd.Context())
			if err != nil {
				return err
			}
			app.record("retry", app.auditLog().LogOutcomes(cmd.Context(), svc.Account(), outcomes))
			return printOutcomes(output, outcomes, "No orders to retry")
		},
	}
}

func newOrderResetCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <order-id>",
		Short: "Give an exhausted order a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			svc, err := app.service(cmd.Context())
			if err != nil {
				return err
			}

			id, err := resolveOrderID(cmd.Context(), svc, args[0])
			if err != nil {
				return err
			}
			o, err := svc.ResetOrder(cmd.Context(), id)
			if err != nil {
				return err
			}
			app.record("reset", app.auditLog().LogOrder(cmd.Context(), security.AuditOrderReset, o))
			if output.IsJSON() {
				return output.JSON(o)
			}
			output.Success("✓ Order %s reset to %s", shortID(o.ID), o.Status)
			output.Info("Run 'rebalancer orders retry %s' to resubmit it", o.ID)
			return nil
		},
	}
}

func newOrderCancelCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			svc, err := app.service(cmd.Context())
			if err != nil {
				return err
			}

			id, err := resolveOrderID(cmd.Context(), svc, args[0])
			if err != nil {
				return err
			}
			o, err := svc.CancelOrder(cmd.Context(), id)
			if err != nil {
				return err
			}
			app.record("cancel", app.auditLog().LogOrder(cmd.Context(), security.AuditOrderCancelled, o))
			if output.IsJSON() {
				return output.JSON(o)
			}
			output.Success("✓ Order %s is %s", shortID(o.ID), o.Status)
			return nil
		},
	}
}

func printOrders(output *Output, orders []models.Order) {
	table := NewTable(output, "ID", "Side", "Symbol", "Shares", "Filled", "Status", "Tries", "Reason")
	for _, o := range orders {
		table.AddRow(
			shortID(o.ID),
			string(o.Side),
			o.Symbol,
			utils.FormatQuantity(o.Shares),
			utils.FormatQuantity(o.FilledQuantity),
			output.OrderStatus(o.Status),
			strconv.Itoa(o.AttemptCount()),
			truncate(o.FailureReason, 40))
	}
	table.Render()
}

func printOutcomes(output *Output, outcomes []execution.Outcome, empty string) error {
	if output.IsJSON() {
		type row struct {
			execution.Outcome
			Error string `json:"error,omitempty"`
		}
		rows := make([]row, 0, len(outcomes))
		for _, o := range outcomes {
			r := row{Outcome: o}
			if o.Err != nil {
				r.Error = o.Err.Error()
			}
			rows = append(rows, r)
		}
		return output.JSON(rows)
	}

	if len(outcomes) == 0 {
		output.Dim("%s", empty)
		return nil
	}
	for _, o := range outcomes {
		line := fmt.Sprintf("%s %s %s -> %s", shortID(o.OrderID), o.Side, o.Symbol, output.OrderStatus(o.Status))
		if o.Err != nil {
			output.Error("✗ %s: %v", line, o.Err)
			continue
		}
		output.Printf("  %s\n", line)
	}
	return nil
}

// resolveOrderID expands the short ID shown in listings.
func resolveOrderID(ctx context.Context, svc *portfolio.Service, id string) (string, error) {
	if len(id) >= 36 {
		return id, nil
	}
	orders, err := svc.Orders(ctx, store.OrderFilter{})
	if err != nil {
		return "", err
	}
	var match string
	for _, o := range orders {
		if strings.HasPrefix(o.ID, id) {
			if match != "" {
				return "", fmt.Errorf("order id %q is ambiguous", id)
			}
			match = o.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, id)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
