package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Zerodha Portfolio Rebalancer Configuration

# Account keys managed by this installation
accounts = ["default"]

[trading]
# Trading mode: "live" or "paper"
mode = "paper"
# Exchange for quotes and orders: NSE, BSE (quotes fall back to BSE)
exchange = "NSE"
# Delivery portfolio; only CNC is supported
product = "CNC"
# Paper mode starting cash in INR
paper_balance = 1000000.0
# Paper fills: immediate, on_poll, never
paper_fill_mode = "immediate"
# Paper quotes come from Kite when credentials are set. Without them,
# list prices here:
# [trading.paper_prices]
# INFY = 1500.0

[portfolio]
# Fixed-weight commodity ETF; empty to disable
commodity_symbol = "GOLDBEES"
# Commodity weight in percent
commodity_weight = 50.0
# Allocation band in percentage points either side of target
band_flex = 2.0
# Lowest band minimum in percent
min_band_floor = 0.5
# Recommended investment buffer over the minimum (0.2 = 20%)
recommended_buffer = 0.2

[execution]
# Broker submissions per order before FAILED_MAX_RETRIES
max_attempts = 3
# Timeout for a single order placement
submit_timeout = "15s"
# Timeout for any other broker call
broker_timeout = "10s"
# Attempts for idempotent broker reads
read_retries = 3
# Initial backoff between read attempts
retry_delay = "200ms"
# Consecutive broker failures before calls are short-circuited
breaker_threshold = 5
breaker_cooldown = "30s"
# Broker calls per second across all accounts, 0 disables (Kite allows 10)
rate_limit = 8.0
rate_burst = 8
# Order status polling in daemon mode
poll_schedule = "@every 15s"
poll_market_hours_only = true

[universe]
# CSV with a Symbol column and an optional Weight column
url = "https://raw.githubusercontent.com/Hspatel1312/Stock-scanner/refs/heads/main/data/nifty_smallcap_momentum_scan.csv"
# Static symbol list; when set it replaces the url
symbols = []
cache_ttl = "5m"
fetch_timeout = "30s"
refresh_schedule = "@every 5m"

[store]
# SQLite database; relative paths resolve against the config directory
path = ""

[logging]
# debug, info, warn, error
level = "info"
file = true
# Empty means logs/rebalancer.log under the config directory
path = ""
max_size_mb = 50
max_backups = 7
max_age_days = 30

[audit]
# JSON lines record of logins, cycles, retries, resets and cancels
enabled = true
# Defaults to <config dir>/audit
dir = ""
max_size_mb = 50
max_backups = 30
max_age_days = 365

[notifications]
# Daemon and cycle alerts
enabled = false
# Notification level: all, errors_only
level = "all"

[notifications.webhook]
enabled = false
url = ""

[notifications.telegram]
enabled = false
bot_token = ""
chat_id = ""

[ui]
# Enable colored output
color_enabled = true
`

const credentialsTemplate = `# Zerodha Portfolio Rebalancer Credentials
# Keep this file private (chmod 600)

[zerodha]
api_key = ""
api_secret = ""
user_id = ""
# Optional: a Kite access token for this trading day. Run
# "rebalancer auth url" and "rebalancer auth complete <request_token>"
# to create a saved session instead.
access_token = ""
`

func createTemplateConfig(configDir string) error {
	return writeTemplate(configDir, "config.toml", configTemplate, 0644)
}

func createTemplateCredentials(configDir string) error {
	return writeTemplate(configDir, "credentials.toml", credentialsTemplate, 0600)
}

func writeTemplate(configDir, name, content string, perm os.FileMode) error {
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name)
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		return fmt.Errorf("writing template %s: %w", name, err)
	}
	return nil
}
