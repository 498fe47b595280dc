package security

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zerodha-rebalancer/internal/execution"
	"zerodha-rebalancer/internal/models"
	"zerodha-rebalancer/internal/store"
)

func readEvents(t *testing.T, dir string) []AuditEvent {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	defer f.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e AuditEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestAuditLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audit")
	al, err := NewAuditLogger(AuditConfig{Enabled: true, LogDir: dir, MaxSize: 1})
	require.NoError(t, err)
	ctx := context.Background()

	cycle := store.CycleRecord{ID: "c1", Account: "main", SessionType: models.SessionRebalance, UniverseHash: "abcd"}
	orders := []models.Order{{ID: "o1"}, {ID: "o2"}}
	require.NoError(t, al.LogCycle(ctx, cycle, orders, 1))

	outcomes := []execution.Outcome{
		{OrderID: "o1", Symbol: "INFY", Side: models.OrderSideBuy, Status: models.OrderSubmitted},
		{OrderID: "o2", Symbol: "TCS", Side: models.OrderSideSell, Status: models.OrderFailedToSubmit,
			Err: errors.New("POST /orders?api_key=abcdefghijkl failed")},
	}
	require.NoError(t, al.LogOutcomes(ctx, "main", outcomes))
	require.NoError(t, al.LogOrder(ctx, AuditOrderReset, &models.Order{ID: "o2", Account: "main", Symbol: "TCS", Status: models.OrderPending}))
	require.NoError(t, al.Close())

	events := readEvents(t, dir)
	require.Len(t, events, 4)

	assert.Equal(t, AuditCycleExecuted, events[0].EventType)
	assert.Equal(t, "c1", events[0].CycleID)
	assert.False(t, events[0].Success)
	assert.Equal(t, []interface{}{"o1", "o2"}, events[0].Details["order_ids"])

	assert.Equal(t, AuditOrderRetried, events[1].EventType)
	assert.True(t, events[1].Success)
	assert.False(t, events[2].Success)
	assert.NotContains(t, events[2].ErrorMsg, "abcdefghijkl")
	assert.Contains(t, events[2].ErrorMsg, "api_key=abcd****ijkl")

	assert.Equal(t, AuditOrderReset, events[3].EventType)
	for _, e := range events {
		assert.Equal(t, al.SessionID(), e.SessionID)
	}
}

func TestAuditLoggerDisabled(t *testing.T) {
	al, err := NewAuditLogger(AuditConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, al)

	assert.NoError(t, al.LogLogin(context.Background(), "AB1234", nil))
	assert.NoError(t, al.Close())
	assert.Empty(t, al.SessionID())
}

func TestMaskCredential(t *testing.T) {
	tests := map[string]string{
		"":             "",
		"abc":          "***",
		"abcdefg":      "ab*****",
		"abcdefghijkl": "abcd****ijkl",
	}
	for in, want := range tests {
		assert.Equal(t, want, MaskCredential(in), in)
	}
}

func TestRedact(t *testing.T) {
	in := `Post "https://api.telegram.org/bot123456:AAH-x_yz/sendMessage": dial tcp: timeout`
	out := Redact(in)
	assert.NotContains(t, out, "AAH-x_yz")
	assert.Contains(t, out, "/bot***/sendMessage")

	assert.Equal(t, "access_token: abcd****ijkl", Redact("access_token: abcdefghijkl"))
	assert.Equal(t, "order rejected by RMS", Redact("order rejected by RMS"))

	assert.True(t, ContainsSensitiveData("api_secret=xyz"))
	assert.False(t, ContainsSensitiveData("INFY BUY 10"))
}
