// Package config provides configuration management for the rebalancer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"zerodha-rebalancer/internal/allocation"
	"zerodha-rebalancer/internal/broker"
	apperrors "zerodha-rebalancer/internal/errors"
	"zerodha-rebalancer/internal/execution"
	"zerodha-rebalancer/internal/logging"
	"zerodha-rebalancer/internal/models"
	"zerodha-rebalancer/internal/resilience"
	"zerodha-rebalancer/internal/security"
	"zerodha-rebalancer/pkg/utils"
)

// DefaultUniverseURL is the momentum scan the universe is built from.
const DefaultUniverseURL = "https://raw.githubusercontent.com/Hspatel1312/Stock-scanner/refs/heads/main/data/nifty_smallcap_momentum_scan.csv"

// Config holds all application configuration.
type Config struct {
	Trading     TradingConfig   `mapstructure:"trading"`
	Portfolio   PortfolioConfig `mapstructure:"portfolio"`
	Execution   ExecutionConfig `mapstructure:"execution"`
	Universe    UniverseConfig  `mapstructure:"universe"`
	Store       StoreConfig     `mapstructure:"store"`
	Accounts    []string        `mapstructure:"accounts"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Audit         AuditConfig        `mapstructure:"audit"`
	UI            UIConfig           `mapstructure:"ui"`
	Credentials Credentials     `mapstructure:"-" json:"-"` // Loaded separately

	// Dir is the directory the configuration was loaded from.
	Dir string `mapstructure:"-"`
}

// TradingConfig holds broker-facing configuration.
type TradingConfig struct {
	Mode          string  `mapstructure:"mode"`     // "live", "paper"
	Exchange      string  `mapstructure:"exchange"` // NSE, BSE
	Product       string  `mapstructure:"product"`  // CNC only; delivery portfolio
	PaperBalance  float64 `mapstructure:"paper_balance"`
	PaperFillMode string  `mapstructure:"paper_fill_mode"` // immediate, on_poll, never

	// PaperPrices seeds paper quotes when no Kite credentials are configured.
	PaperPrices map[string]float64 `mapstructure:"paper_prices"`
}

// PortfolioConfig holds allocation parameters.
type PortfolioConfig struct {
	CommoditySymbol   string  `mapstructure:"commodity_symbol"`
	CommodityWeight   float64 `mapstructure:"commodity_weight"`
	BandFlex          float64 `mapstructure:"band_flex"`
	MinBandFloor      float64 `mapstructure:"min_band_floor"`
	RecommendedBuffer float64 `mapstructure:"recommended_buffer"`
}

// ExecutionConfig holds order execution and broker call settings.
type ExecutionConfig struct {
	MaxAttempts         int           `mapstructure:"max_attempts"`
	SubmitTimeout       time.Duration `mapstructure:"submit_timeout"`
	BrokerTimeout       time.Duration `mapstructure:"broker_timeout"`
	ReadRetries         int           `mapstructure:"read_retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	BreakerThreshold    int           `mapstructure:"breaker_threshold"`
	BreakerCooldown     time.Duration `mapstructure:"breaker_cooldown"`
	RateLimit           float64       `mapstructure:"rate_limit"`
	RateBurst           int           `mapstructure:"rate_burst"`
	PollSchedule        string        `mapstructure:"poll_schedule"`
	PollMarketHoursOnly bool          `mapstructure:"poll_market_hours_only"`
}

// UniverseConfig describes where the universe comes from.
type UniverseConfig struct {
	URL             string        `mapstructure:"url"`
	Symbols         []string      `mapstructure:"symbols"` // static list, overrides url
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	RefreshSchedule string        `mapstructure:"refresh_schedule"`
}

// StoreConfig holds persistence configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       bool   `mapstructure:"file"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// AuditConfig holds the operator audit trail configuration.
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Level    string         `mapstructure:"level"` // all, errors_only
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token" json:"-"`
	ChatID   string `mapstructure:"chat_id"`
}

// UIConfig holds UI-related configuration.
type UIConfig struct {
	ColorEnabled bool `mapstructure:"color_enabled"`
}

// Credentials holds API credentials.
type Credentials struct {
	Zerodha ZerodhaCredentials `mapstructure:"zerodha"`
}

// ZerodhaCredentials holds Zerodha API credentials.
type ZerodhaCredentials struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	UserID      string `mapstructure:"user_id"`
	AccessToken string `mapstructure:"access_token"` // Overrides the saved session
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/zerodha-rebalancer"
	}
	return filepath.Join(home, ".config", "zerodha-rebalancer")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.exchange", "NSE")
	v.SetDefault("trading.product", "CNC")
	v.SetDefault("trading.paper_balance", 1000000.0)
	v.SetDefault("trading.paper_fill_mode", "immediate")

	alloc := allocation.DefaultConfig()
	v.SetDefault("portfolio.commodity_symbol", alloc.CommoditySymbol)
	v.SetDefault("portfolio.commodity_weight", alloc.CommodityWeight)
	v.SetDefault("portfolio.band_flex", alloc.BandFlex)
	v.SetDefault("portfolio.min_band_floor", alloc.MinBandFloor)
	v.SetDefault("portfolio.recommended_buffer", alloc.RecommendedBuffer)

	v.SetDefault("execution.max_attempts", execution.DefaultMaxAttempts)
	v.SetDefault("execution.submit_timeout", "15s")
	v.SetDefault("execution.broker_timeout", "10s")
	v.SetDefault("execution.read_retries", 3)
	v.SetDefault("execution.retry_delay", "200ms")
	v.SetDefault("execution.breaker_threshold", 5)
	v.SetDefault("execution.breaker_cooldown", "30s")
	v.SetDefault("execution.rate_limit", 8.0)
	v.SetDefault("execution.rate_burst", 8)
	v.SetDefault("execution.poll_schedule", "@every 15s")
	v.SetDefault("execution.poll_market_hours_only", true)

	v.SetDefault("universe.url", DefaultUniverseURL)
	v.SetDefault("universe.symbols", []string{})
	v.SetDefault("universe.cache_ttl", "5m")
	v.SetDefault("universe.fetch_timeout", "30s")
	v.SetDefault("universe.refresh_schedule", "@every 5m")

	v.SetDefault("store.path", "")
	v.SetDefault("accounts", []string{"default"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.dir", "")
	v.SetDefault("audit.max_size_mb", 50)
	v.SetDefault("audit.max_backups", 30)
	v.SetDefault("audit.max_age_days", 365)

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.level", "all")
	v.SetDefault("notifications.webhook.enabled", false)
	v.SetDefault("notifications.webhook.url", "")
	v.SetDefault("notifications.telegram.enabled", false)
	v.SetDefault("notifications.telegram.bot_token", "")
	v.SetDefault("notifications.telegram.chat_id", "")

	v.SetDefault("ui.color_enabled", true)
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
// Missing files are created from templates and defaults apply.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{Dir: configDir}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}
	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		if err := createTemplateConfig(configDir); err != nil {
			return err
		}
	}

	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ZERODHA_API_KEY"); v != "" {
		cfg.Credentials.Zerodha.APIKey = v
	}
	if v := os.Getenv("ZERODHA_API_SECRET"); v != "" {
		cfg.Credentials.Zerodha.APISecret = v
	}
	if v := os.Getenv("ZERODHA_USER_ID"); v != "" {
		cfg.Credentials.Zerodha.UserID = v
	}
	if v := os.Getenv("ZERODHA_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.Zerodha.AccessToken = v
	}
	if v := os.Getenv("REBALANCER_MODE"); v != "" {
		cfg.Trading.Mode = v
	}
	if v := os.Getenv("REBALANCER_UNIVERSE_URL"); v != "" {
		cfg.Universe.URL = v
	}
}

// resolvePaths places relative or empty file paths under the config directory.
func (c *Config) resolvePaths() {
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.Dir, "rebalancer.db")
	} else if !filepath.IsAbs(c.Store.Path) {
		c.Store.Path = filepath.Join(c.Dir, c.Store.Path)
	}
	if c.Logging.Path == "" {
		c.Logging.Path = filepath.Join(c.Dir, "logs", "rebalancer.log")
	} else if !filepath.IsAbs(c.Logging.Path) {
		c.Logging.Path = filepath.Join(c.Dir, c.Logging.Path)
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = filepath.Join(c.Dir, "audit")
	} else if !filepath.IsAbs(c.Audit.Dir) {
		c.Audit.Dir = filepath.Join(c.Dir, c.Audit.Dir)
	}
	for i, s := range c.Universe.Symbols {
		c.Universe.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	// viper lower-cases map keys
	if len(c.Trading.PaperPrices) > 0 {
		prices := make(map[string]float64, len(c.Trading.PaperPrices))
		for sym, px := range c.Trading.PaperPrices {
			prices[strings.ToUpper(sym)] = px
		}
		c.Trading.PaperPrices = prices
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", apperrors.ErrConfigInvalid, fmt.Sprintf(format, args...))
	}

	if c.Trading.Mode != "live" && c.Trading.Mode != "paper" {
		return invalid("invalid trading mode: %s (must be 'live' or 'paper')", c.Trading.Mode)
	}
	switch models.Exchange(c.Trading.Exchange) {
	case models.NSE, models.BSE:
	default:
		return invalid("invalid exchange: %s (must be NSE or BSE)", c.Trading.Exchange)
	}
	if c.Trading.Product != string(models.ProductCNC) {
		return invalid("product must be CNC for a delivery portfolio, got %s", c.Trading.Product)
	}
	switch broker.FillMode(c.Trading.PaperFillMode) {
	case broker.FillImmediate, broker.FillOnPoll, broker.FillNever:
	default:
		return invalid("invalid paper_fill_mode: %s", c.Trading.PaperFillMode)
	}

	p := c.Portfolio
	if p.CommodityWeight <= 0 || p.CommodityWeight >= 100 {
		return invalid("commodity_weight must be in (0, 100)")
	}
	if p.BandFlex < 0 || p.MinBandFloor < 0 || p.RecommendedBuffer < 0 {
		return invalid("band_flex, min_band_floor and recommended_buffer must be non-negative")
	}

	if c.Execution.MaxAttempts < 1 {
		return invalid("max_attempts must be at least 1")
	}
	if c.Execution.RateLimit < 0 {
		return invalid("rate_limit must not be negative")
	}
	if c.Execution.SubmitTimeout <= 0 || c.Execution.BrokerTimeout <= 0 {
		return invalid("submit_timeout and broker_timeout must be positive")
	}

	if c.Universe.URL == "" && len(c.Universe.Symbols) == 0 {
		return invalid("universe needs a url or a symbols list")
	}

	if len(c.Accounts) == 0 {
		return invalid("at least one account is required")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if strings.TrimSpace(a) == "" || seen[a] {
			return invalid("account keys must be unique and non-empty")
		}
		seen[a] = true
	}
	if l := c.Notifications.Level; l != "all" && l != "errors_only" {
		return invalid("invalid notifications level: %s (must be all or errors_only)", l)
	}
	if c.Trading.Mode == "live" && len(c.Accounts) != 1 {
		return invalid("live mode trades one Kite session, configure exactly one account")
	}

	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == "paper"
}

// HasAccount reports whether account is configured.
func (c *Config) HasAccount(account string) bool {
	for _, a := range c.Accounts {
		if a == account {
			return true
		}
	}
	return false
}

// AllocationConfig returns the allocation calculator settings.
func (c *Config) AllocationConfig() allocation.Config {
	return allocation.Config{
		CommoditySymbol:   strings.ToUpper(c.Portfolio.CommoditySymbol),
		CommodityWeight:   c.Portfolio.CommodityWeight,
		BandFlex:          c.Portfolio.BandFlex,
		MinBandFloor:      c.Portfolio.MinBandFloor,
		RecommendedBuffer: c.Portfolio.RecommendedBuffer,
	}
}

// ExecutorConfig returns the order executor settings.
func (c *Config) ExecutorConfig() execution.Config {
	return execution.Config{
		MaxAttempts:   c.Execution.MaxAttempts,
		SubmitTimeout: c.Execution.SubmitTimeout,
		Exchange:      models.Exchange(c.Trading.Exchange),
	}
}

// GuardConfig returns the broker call guard settings.
func (c *Config) GuardConfig() broker.GuardConfig {
	retry := utils.DefaultRetryConfig()
	retry.MaxAttempts = c.Execution.ReadRetries
	if c.Execution.RetryDelay > 0 {
		retry.InitialDelay = c.Execution.RetryDelay
	}

	breaker := resilience.DefaultCircuitBreakerConfig()
	if c.Execution.BreakerThreshold > 0 {
		breaker.FailureThreshold = c.Execution.BreakerThreshold
	}
	if c.Execution.BreakerCooldown > 0 {
		breaker.Cooldown = c.Execution.BreakerCooldown
	}

	return broker.GuardConfig{
		CallTimeout: c.Execution.BrokerTimeout,
		ReadRetry:   retry,
		Breaker:     breaker,
		RateLimit:   c.Execution.RateLimit,
		RateBurst:   c.Execution.RateBurst,
	}
}

// LogConfig returns the logger settings.
func (c *Config) LogConfig() logging.LogConfig {
	return logging.LogConfig{
		Level:      c.Logging.Level,
		Console:    true,
		File:       c.Logging.File,
		FilePath:   c.Logging.Path,
		MaxSize:    c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAge:     c.Logging.MaxAgeDays,
	}
}

// AuditConfig returns the audit trail settings.
func (c *Config) AuditConfig() security.AuditConfig {
	return security.AuditConfig{
		Enabled:    c.Audit.Enabled,
		LogDir:     c.Audit.Dir,
		MaxSize:    c.Audit.MaxSizeMB,
		MaxBackups: c.Audit.MaxBackups,
		MaxAge:     c.Audit.MaxAgeDays,
		Compress:   true,
	}
}

// ZerodhaConfig returns the Kite adapter settings.
func (c *Config) ZerodhaConfig() broker.ZerodhaConfig {
	return broker.ZerodhaConfig{
		APIKey:      c.Credentials.Zerodha.APIKey,
		APISecret:   c.Credentials.Zerodha.APISecret,
		UserID:      c.Credentials.Zerodha.UserID,
		AccessToken: c.Credentials.Zerodha.AccessToken,
		TokenPath:   filepath.Join(c.Dir, "session.json"),
		Exchange:    models.Exchange(c.Trading.Exchange),
		Timeout:     c.Execution.BrokerTimeout,
	}
}
