// Package cli provides the command-line interface for the rebalancer.
package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"zerodha-rebalancer/internal/config"
	apperrors "zerodha-rebalancer/internal/errors"
	"zerodha-rebalancer/internal/logging"
	"zerodha-rebalancer/pkg/utils"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2026-03-02"
)

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := newApp(cfg, logger)

	rootCmd := &cobra.Command{
		Use:   "rebalancer",
		Short: "Target-weighted portfolio rebalancer for Zerodha",
		Long: `Rebalancer keeps a delivery portfolio aligned with a target universe.

It sizes an initial investment across the universe, rebalances when the
universe membership changes, reconciles its own ledger against broker
holdings, and drives orders through submission, polling and retries.

Run 'rebalancer status' to see what each account needs next.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			account, _ := cmd.Flags().GetString("account")
			if account != "" && !cfg.HasAccount(account) {
				return fmt.Errorf("%w: %s", apperrors.ErrAccountUnknown, account)
			}
			app.Account = account
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/zerodha-rebalancer)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("no-color", !cfg.UI.ColorEnabled, "disable colored output")
	rootCmd.PersistentFlags().StringP("account", "a", "", "account key (default: first configured account)")

	addCoreCommands(rootCmd, app)
	addAuthCommands(rootCmd, app)
	addPortfolioCommands(rootCmd, app)
	addOrderCommands(rootCmd, app)
	addDaemonCommand(rootCmd, app)

	return rootCmd
}

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("Zerodha Rebalancer v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": app.Config.Dir})
			}
			output.Println(app.Config.Dir)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Trading")
	output.Printf("  Mode:             %s\n", cfg.Trading.Mode)
	output.Printf("  Exchange:         %s\n", cfg.Trading.Exchange)
	output.Printf("  Product:          %s\n", cfg.Trading.Product)
	if cfg.IsPaperMode() {
		output.Printf("  Paper Balance:    %s\n", utils.FormatIndianCurrency(cfg.Trading.PaperBalance))
		output.Printf("  Paper Fills:      %s\n", cfg.Trading.PaperFillMode)
	}
	output.Println()

	output.Bold("Portfolio")
	output.Printf("  Commodity:        %s at %.1f%%\n", cfg.Portfolio.CommoditySymbol, cfg.Portfolio.CommodityWeight)
	output.Printf("  Band:             ±%.2f pts (floor %.2f%%)\n", cfg.Portfolio.BandFlex, cfg.Portfolio.MinBandFloor)
	output.Printf("  Buffer:           %.0f%%\n", cfg.Portfolio.RecommendedBuffer*100)
	output.Printf("  Accounts:         %v\n", cfg.Accounts)
	output.Println()

	output.Bold("Execution")
	output.Printf("  Max Attempts:     %d\n", cfg.Execution.MaxAttempts)
	output.Printf("  Submit Timeout:   %s\n", cfg.Execution.SubmitTimeout)
	output.Printf("  Broker Timeout:   %s\n", cfg.Execution.BrokerTimeout)
	output.Printf("  Poll Schedule:    %s\n", cfg.Execution.PollSchedule)
	output.Println()

	output.Bold("Universe")
	if len(cfg.Universe.Symbols) > 0 {
		output.Printf("  Symbols:          %v\n", cfg.Universe.Symbols)
	} else {
		output.Printf("  URL:              %s\n", cfg.Universe.URL)
	}
	output.Printf("  Cache TTL:        %s\n", cfg.Universe.CacheTTL)
	output.Println()

	output.Bold("Storage")
	output.Printf("  Database:         %s\n", cfg.Store.Path)
	output.Printf("  Log File:         %s\n", cfg.Logging.Path)
}
