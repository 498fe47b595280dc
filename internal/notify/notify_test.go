package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zerodha-rebalancer/internal/config"
	"zerodha-rebalancer/internal/execution"
	"zerodha-rebalancer/internal/models"
	"zerodha-rebalancer/internal/store"
)

type recordingChannel struct {
	sent []Notification
	err  error
}

func (c *recordingChannel) Name() string    { return "recording" }
func (c *recordingChannel) IsEnabled() bool { return true }
func (c *recordingChannel) Send(ctx context.Context, n Notification) error {
	c.sent = append(c.sent, n)
	return c.err
}

func TestNewDisabled(t *testing.T) {
	n := New(config.NotificationConfig{
		Enabled: false,
		Webhook: config.WebhookConfig{Enabled: true, URL: "http://example.invalid"},
	})
	assert.Empty(t, n.channels)
	assert.Equal(t, LevelAll, n.level)
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	assert.NoError(t, n.Send(context.Background(), Notification{Type: TypeError}))
}

func TestLevelFiltering(t *testing.T) {
	ch := &recordingChannel{}
	n := New(config.NotificationConfig{Level: string(LevelErrorsOnly)})
	n.AddChannel(ch)
	ctx := context.Background()

	require.NoError(t, n.Send(ctx, Notification{Type: TypeCycle}))
	require.NoError(t, n.Send(ctx, Notification{Type: TypeUniverse}))
	require.NoError(t, n.Send(ctx, Notification{Type: TypeOrders}))
	require.NoError(t, n.Error(ctx, errors.New("boom"), "poll"))

	require.Len(t, ch.sent, 2)
	assert.Equal(t, TypeOrders, ch.sent[0].Type)
	assert.Equal(t, TypeError, ch.sent[1].Type)
	assert.False(t, ch.sent[1].Timestamp.IsZero())
}

func TestSendAggregatesErrors(t *testing.T) {
	n := New(config.NotificationConfig{})
	n.AddChannel(&recordingChannel{err: errors.New("down")})

	err := n.Send(context.Background(), Notification{Type: TypeError})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recording: down")
}

func TestOrdersNeedAttention(t *testing.T) {
	ch := &recordingChannel{}
	n := New(config.NotificationConfig{})
	n.AddChannel(ch)
	ctx := context.Background()

	settled := []execution.Outcome{
		{OrderID: "a", Symbol: "INFY", Side: models.OrderSideBuy, Status: models.OrderComplete},
		{OrderID: "b", Symbol: "TCS", Side: models.OrderSideBuy, Status: models.OrderOpen},
	}
	require.NoError(t, n.OrdersNeedAttention(ctx, "main", settled))
	assert.Empty(t, ch.sent)

	mixed := append(settled,
		execution.Outcome{OrderID: "c", Symbol: "ITC", Side: models.OrderSideSell, Status: models.OrderRejected},
		execution.Outcome{OrderID: "d", Symbol: "WIPRO", Side: models.OrderSideBuy, Status: models.OrderFailedMaxRetries},
	)
	require.NoError(t, n.OrdersNeedAttention(ctx, "main", mixed))
	require.Len(t, ch.sent, 1)

	note := ch.sent[0]
	assert.Equal(t, TypeOrders, note.Type)
	assert.Equal(t, "main", note.Account)
	assert.Equal(t, "2 orders need attention for main", note.Title)
	assert.Contains(t, note.Message, "SELL ITC: REJECTED")
	assert.Equal(t, []string{"c", "d"}, note.Data["order_ids"])
}

func TestWebhookChannel(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := New(config.NotificationConfig{
		Enabled: true,
		Level:   string(LevelAll),
		Webhook: config.WebhookConfig{Enabled: true, URL: srv.URL},
	})
	cycle := store.CycleRecord{
		ID:           "cycle-1",
		Account:      "main",
		SessionType:  models.SessionInitial,
		UniverseHash: "abcd",
		OrderCount:   3,
		BuyValue:     98000,
	}
	require.NoError(t, n.CycleExecuted(context.Background(), cycle, 1))

	assert.Equal(t, TypeCycle, got.Type)
	assert.Equal(t, "INITIAL cycle placed for main", got.Title)
	assert.Contains(t, got.Message, "Failed to submit: 1")
	assert.Equal(t, "cycle-1", got.Data["cycle_id"])
}

func TestWebhookChannelStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(config.WebhookConfig{Enabled: true, URL: srv.URL})
	err := ch.Send(context.Background(), Notification{Title: "x"})
	assert.ErrorContains(t, err, "status 502")

	assert.False(t, NewWebhookChannel(config.WebhookConfig{Enabled: true}).IsEnabled())
}

func TestSendRedactsBotToken(t *testing.T) {
	n := New(config.NotificationConfig{})
	n.AddChannel(&recordingChannel{err: errors.New(`Post "https://api.telegram.org/bot123:SECRET/sendMessage": EOF`)})

	err := n.Send(context.Background(), Notification{Type: TypeError})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRET")
}

func TestTelegramChannel(t *testing.T) {
	var path string
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	}))
	defer srv.Close()

	ch := NewTelegramChannel(config.TelegramConfig{Enabled: true, BotToken: "tok", ChatID: "42"})
	ch.baseURL = srv.URL
	require.True(t, ch.IsEnabled())

	u, err := models.NewUniverse([]models.UniverseEntry{{Symbol: "INFY"}, {Symbol: "TCS"}}, "bbbb")
	require.NoError(t, err)

	n := New(config.NotificationConfig{})
	n.AddChannel(ch)
	require.NoError(t, n.UniverseChanged(context.Background(), "aaaa", u))

	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", body["chat_id"])
	assert.Equal(t, "HTML", body["parse_mode"])
	text, _ := body["text"].(string)
	assert.True(t, strings.HasPrefix(text, "<b>Universe changed</b>"))
	assert.Contains(t, text, "aaaa -&gt; bbbb")
	assert.Contains(t, text, "INFY, TCS")
}

func TestEscapeHTML(t *testing.T) {
	assert.Equal(t, "a &lt;b&gt; &amp; c", escapeHTML("a <b> & c"))
}
