package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zerodha-rebalancer/internal/broker"
	"zerodha-rebalancer/internal/config"
	apperrors "zerodha-rebalancer/internal/errors"
	"zerodha-rebalancer/internal/resilience"
	"zerodha-rebalancer/pkg/utils"
)

const paperConfig = `
accounts = ["main", "spouse"]

[trading]
mode = "paper"

[trading.paper_prices]
INFY = 1500.0
TCS = 3500.0
ITC = 450.0

[universe]
symbols = ["INFY", "TCS", "ITC"]

[logging]
file = false
`

func loadPaperConfig(t *testing.T) *config.Config {
	t.Helper()
	for _, k := range []string{"ZERODHA_API_KEY", "ZERODHA_API_SECRET", "ZERODHA_USER_ID", "ZERODHA_ACCESS_TOKEN", "REBALANCER_MODE", "REBALANCER_UNIVERSE_URL"} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(paperConfig), 0644))
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	return cfg
}

// run executes one command against a fresh command tree, as a new process would.
func run(t *testing.T, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd(cfg, zerolog.Nop())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	cfg := loadPaperConfig(t)

	out, err := run(t, cfg, "version", "--json")
	require.NoError(t, err)

	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, Version, v["version"])
}

func TestConfigShowHidesCredentials(t *testing.T) {
	cfg := loadPaperConfig(t)
	cfg.Credentials.Zerodha.APISecret = "very-secret"

	out, err := run(t, cfg, "config", "show", "--json")
	require.NoError(t, err)
	assert.NotContains(t, out, "very-secret")
	assert.Contains(t, out, "paper")
}

func TestUnknownAccount(t *testing.T) {
	cfg := loadPaperConfig(t)

	_, err := run(t, cfg, "status", "--account", "nobody")
	assert.ErrorIs(t, err, apperrors.ErrAccountUnknown)
}

func TestInvestLifecycle(t *testing.T) {
	cfg := loadPaperConfig(t)

	out, err := run(t, cfg, "status", "--json")
	require.NoError(t, err)
	var statuses []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &statuses))
	require.Len(t, statuses, 2)
	for _, st := range statuses {
		assert.Equal(t, "INITIAL_INVESTMENT_REQUIRED", st["actionability"])
	}

	out, err = run(t, cfg, "invest", "plan", "5,000")
	var capErr *apperrors.InsufficientCapitalError
	require.ErrorAs(t, err, &capErr)
	assert.Contains(t, out, "Insufficient capital")

	_, err = run(t, cfg, "invest", "execute", "100000", "--json")
	assert.ErrorContains(t, err, "--yes")

	out, err = run(t, cfg, "invest", "execute", "1,00,000", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "INITIAL cycle")

	trail, err := os.ReadFile(filepath.Join(cfg.Audit.Dir, "audit.log"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(trail), `"event_type":"CYCLE_EXECUTED"`))
	assert.Contains(t, string(trail), `"account":"main"`)

	out, err = run(t, cfg, "orders", "list", "--json", "--account", "main")
	require.NoError(t, err)
	var orders []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &orders))
	require.Len(t, orders, 3)
	for _, o := range orders {
		assert.Equal(t, "COMPLETE", o["status"])
	}

	// The paper broker of a new run rebuilds positions from the ledger.
	out, err = run(t, cfg, "status", "--json", "--account", "main")
	require.NoError(t, err)
	statuses = nil
	require.NoError(t, json.Unmarshal([]byte(out), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "UP_TO_DATE", statuses[0]["actionability"])
	metrics, ok := statuses[0]["metrics"].(map[string]interface{})
	require.True(t, ok)
	assert.Positive(t, metrics["invested_value"])
	assert.Equal(t, 0.0, metrics["returns_percent"])

	out, err = run(t, cfg, "status", "--account", "main")
	require.NoError(t, err)
	assert.Contains(t, out, "Market ")
	assert.Contains(t, out, "Invested:")
	assert.Contains(t, out, "Returns:   ₹0.00 (0.00%)")

	out, err = run(t, cfg, "status", "--json", "--account", "spouse")
	require.NoError(t, err)
	statuses = nil
	require.NoError(t, json.Unmarshal([]byte(out), &statuses))
	assert.Equal(t, "INITIAL_INVESTMENT_REQUIRED", statuses[0]["actionability"])

	out, err = run(t, cfg, "rebalance", "execute", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to rebalance")

	out, err = run(t, cfg, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "INITIAL")

	id, _ := orders[0]["id"].(string)
	out, err = run(t, cfg, "orders", "show", id[:8])
	require.NoError(t, err)
	assert.Contains(t, out, id)

	_, err = run(t, cfg, "orders", "show", "zzzzzzzz")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestParseAmount(t *testing.T) {
	for in, want := range map[string]float64{
		"100000":      100000,
		"1,00,000":    100000,
		"₹2,50,000.5": 250000.5,
		"10_000":      10000,
	} {
		got, err := parseAmount(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "abc", "-5", "0", "NaN", "nan", "Inf", "+Inf", "-Inf", "1e400"} {
		_, err := parseAmount(in)
		assert.Error(t, err, in)
	}
}

func TestPrintMarket(t *testing.T) {
	var buf bytes.Buffer
	output := &Output{writer: &buf}

	printMarket(output, time.Date(2026, 3, 7, 11, 0, 0, 0, utils.IndiaLocation))
	assert.Equal(t, "Market CLOSED, next open Mon 09 Mar 09:15 IST\n", buf.String())

	buf.Reset()
	printMarket(output, time.Date(2026, 3, 9, 11, 0, 0, 0, utils.IndiaLocation))
	assert.Equal(t, "Market OPEN\n", buf.String())
}

func TestBreakerStats(t *testing.T) {
	cfg := loadPaperConfig(t)
	paper := broker.NewPaperBroker(broker.PaperBrokerConfig{Prices: map[string]float64{"INFY": 1500}})
	guarded := broker.NewGuardedBroker(paper, cfg.GuardConfig(), zerolog.Nop())
	_, err := guarded.GetQuotes(context.Background(), []string{"INFY"})
	require.NoError(t, err)

	app := newApp(cfg, zerolog.Nop())
	app.Brokers["main"] = guarded
	app.Brokers["spouse"] = paper

	stats := breakerStats(app)
	require.Len(t, stats, 1)
	assert.Equal(t, resilience.CircuitClosed, stats["main"].State)
	assert.Equal(t, int64(1), stats["main"].TotalRequests)
	assert.Zero(t, stats["main"].TotalFailures)
}

func TestVisibleLen(t *testing.T) {
	assert.Equal(t, 4, visibleLen("INFY"))
	assert.Equal(t, 4, visibleLen("\x1b[32mINFY\x1b[0m"))
	assert.Equal(t, 3, visibleLen("₹10"))
}
