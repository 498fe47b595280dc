package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apperrors "zerodha-rebalancer/internal/errors"
	"zerodha-rebalancer/internal/security"
	"zerodha-rebalancer/pkg/utils"
)

var errNoBroker = errors.New("kite api key not configured, add it to credentials.toml")

// addAuthCommands adds Kite session commands.
func addAuthCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the Kite Connect session",
	}
	cmd.AddCommand(newLoginCmd(app))
	cmd.AddCommand(newLogoutCmd(app))
	cmd.AddCommand(newAuthStatusCmd(app))
	rootCmd.AddCommand(cmd)
}

func newLoginCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to Zerodha Kite Connect",
		Long: `Open the Kite login page and exchange the request token for a session.
The session is saved next to the config and expires at 6 AM IST.`,
		Example: `  rebalancer auth login
  rebalancer auth login --token <request_token>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if app.Kite == nil {
				output.Error("%v", errNoBroker)
				return errNoBroker
			}
			ctx := cmd.Context()

			if err := app.Kite.Login(ctx); err == nil {
				output.Success("✓ Already logged in")
				return nil
			} else if !errors.Is(err, apperrors.ErrNotAuthenticated) {
				return err
			}

			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				loginURL := app.Kite.GetLoginURL()
				output.Bold("Login URL:")
				output.Println(loginURL)
				output.Println()
				if noBrowser, _ := cmd.Flags().GetBool("no-browser"); !noBrowser {
					if err := openURL(loginURL); err != nil {
						output.Warning("Could not open browser automatically")
					}
				}
				output.Info("After logging in you are redirected to a URL like:")
				output.Dim("  https://your-redirect-url.com/?request_token=XXXXXX&status=success")
				output.Bold("Paste the request_token value here:")
				output.Printf("> ")

				reader := bufio.NewReader(cmd.InOrStdin())
				line, _ := reader.ReadString('\n')
				token = strings.TrimSpace(line)
				if token == "" {
					return fmt.Errorf("no request token provided")
				}
			}

			err := app.Kite.CompleteLogin(ctx, token)
			app.record("login", app.auditLog().LogLogin(ctx, app.Config.Credentials.Zerodha.UserID, err))
			if err != nil {
				output.Error("Login failed: %v", err)
				return err
			}
			output.Success("✓ Login successful, session valid for %s", formatDuration(time.Until(utils.NextSessionReset(time.Now()))))
			return nil
		},
	}
	cmd.Flags().String("token", "", "request token from the redirect URL")
	cmd.Flags().Bool("no-browser", false, "print the login URL without opening a browser")
	return cmd
}

func openURL(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform")
	}
	return cmd.Start()
}

func newLogoutCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Invalidate the Kite session",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if app.Kite == nil {
				return errNoBroker
			}
			err := app.Kite.Logout(cmd.Context())
			app.record("logout", app.auditLog().LogLogout(cmd.Context(), err))
			if err != nil {
				output.Error("Logout failed: %v", err)
				return err
			}
			output.Success("✓ Logged out")
			return nil
		},
	}
}

func newAuthStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the Kite session state",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			now := time.Now()
			authenticated := app.Kite != nil && app.Kite.IsAuthenticated()

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"mode":          app.Config.Trading.Mode,
					"configured":    app.Kite != nil,
					"api_key":       security.MaskCredential(app.Config.Credentials.Zerodha.APIKey),
					"authenticated": authenticated,
					"expires_at":    utils.NextSessionReset(now),
					"market":        string(utils.MarketStatusAt(now)),
				})
			}

			output.Bold("Kite Session")
			output.Printf("  Mode:          %s\n", app.Config.Trading.Mode)
			switch {
			case app.Kite == nil:
				output.Printf("  Status:        %s\n", output.Yellow("not configured"))
			case authenticated:
				output.Printf("  API key:       %s\n", security.MaskCredential(app.Config.Credentials.Zerodha.APIKey))
				output.Printf("  Status:        %s\n", output.Green("● logged in"))
				output.Printf("  Expires in:    %s\n", formatDuration(utils.NextSessionReset(now).Sub(now)))
			default:
				output.Printf("  Status:        %s\n", output.Red("● logged out"))
				output.Dim("  Run 'rebalancer auth login' to start a session")
			}
			output.Printf("  Market:        %s\n", utils.MarketStatusAt(now))
			return nil
		},
	}
}

func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
