// Package notify sends rebalancer events to webhook and Telegram channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"zerodha-rebalancer/internal/config"
	"zerodha-rebalancer/internal/execution"
	"zerodha-rebalancer/internal/models"
	"zerodha-rebalancer/internal/security"
	"zerodha-rebalancer/internal/store"
	"zerodha-rebalancer/pkg/utils"
)

// Channel delivers notifications to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      Type                   `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Account   string                 `json:"account,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Type classifies a notification.
type Type string

const (
	TypeCycle    Type = "cycle"
	TypeUniverse Type = "universe"
	TypeOrders   Type = "orders"
	TypeError    Type = "error"
)

// Level filters which notifications are delivered.
type Level string

const (
	LevelAll        Level = "all"
	LevelErrorsOnly Level = "errors_only"
)

// Notifier fans notifications out to every enabled channel.
type Notifier struct {
	channels []Channel
	level    Level
	mu       sync.RWMutex
}

// New creates a Notifier from configuration. A disabled configuration
// yields a Notifier without channels.
func New(cfg config.NotificationConfig) *Notifier {
	n := &Notifier{level: Level(cfg.Level)}
	if n.level == "" {
		n.level = LevelAll
	}
	if !cfg.Enabled {
		return n
	}
	if cfg.Webhook.Enabled {
		n.channels = append(n.channels, NewWebhookChannel(cfg.Webhook))
	}
	if cfg.Telegram.Enabled {
		n.channels = append(n.channels, NewTelegramChannel(cfg.Telegram))
	}
	return n
}

// AddChannel adds a notification channel.
func (n *Notifier) AddChannel(ch Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, ch)
}

func (n *Notifier) shouldSend(t Type) bool {
	if n.level == LevelErrorsOnly {
		return t == TypeError || t == TypeOrders
	}
	return true
}

// Send delivers a notification to all enabled channels.
func (n *Notifier) Send(ctx context.Context, note Notification) error {
	if n == nil || !n.shouldSend(note.Type) {
		return nil
	}
	if note.Timestamp.IsZero() {
		note.Timestamp = time.Now()
	}

	n.mu.RLock()
	channels := n.channels
	n.mu.RUnlock()

	var errs []string
	for _, ch := range channels {
		if !ch.IsEnabled() {
			continue
		}
		if err := ch.Send(ctx, note); err != nil {
			// Telegram errors echo the request URL, which carries the bot token.
			errs = append(errs, fmt.Sprintf("%s: %s", ch.Name(), security.Redact(err.Error())))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// CycleExecuted reports a committed investment or rebalancing cycle.
func (n *Notifier) CycleExecuted(ctx context.Context, cycle store.CycleRecord, failed int) error {
	title := fmt.Sprintf("%s cycle placed for %s", cycle.SessionType, cycle.Account)
	message := fmt.Sprintf("Orders: %d\nBuy: %s\nSell: %s\nUniverse: %s",
		cycle.OrderCount,
		utils.FormatIndianCurrency(cycle.BuyValue),
		utils.FormatIndianCurrency(cycle.SellValue),
		cycle.UniverseHash)
	if failed > 0 {
		message += fmt.Sprintf("\nFailed to submit: %d", failed)
	}

	return n.Send(ctx, Notification{
		Type:    TypeCycle,
		Title:   title,
		Message: message,
		Account: cycle.Account,
		Data: map[string]interface{}{
			"cycle_id":      cycle.ID,
			"session_type":  cycle.SessionType,
			"order_count":   cycle.OrderCount,
			"buy_value":     cycle.BuyValue,
			"sell_value":    cycle.SellValue,
			"universe_hash": cycle.UniverseHash,
			"failed":        failed,
		},
	})
}

// UniverseChanged reports a newly published universe.
func (n *Notifier) UniverseChanged(ctx context.Context, previous string, u *models.Universe) error {
	return n.Send(ctx, Notification{
		Type:    TypeUniverse,
		Title:   "Universe changed",
		Message: fmt.Sprintf("Hash %s -> %s\nSymbols: %s\nRun 'rebalancer status' to review.", previous, u.Hash, strings.Join(u.Symbols(), ", ")),
		Data: map[string]interface{}{
			"previous": previous,
			"hash":     u.Hash,
			"symbols":  u.Symbols(),
		},
	})
}

// OrdersNeedAttention reports orders that stopped short of completion.
// Outcomes that completed or are still working are ignored.
func (n *Notifier) OrdersNeedAttention(ctx context.Context, account string, outcomes []execution.Outcome) error {
	var lines []string
	var ids []string
	for _, o := range outcomes {
		if !needsAttention(o) {
			continue
		}
		line := fmt.Sprintf("%s %s: %s", o.Side, o.Symbol, o.Status)
		if o.Err != nil {
			line += fmt.Sprintf(" (%v)", o.Err)
		}
		lines = append(lines, line)
		ids = append(ids, o.OrderID)
	}
	if len(lines) == 0 {
		return nil
	}

	return n.Send(ctx, Notification{
		Type:    TypeOrders,
		Title:   fmt.Sprintf("%d orders need attention for %s", len(lines), account),
		Message: strings.Join(lines, "\n"),
		Account: account,
		Data:    map[string]interface{}{"order_ids": ids},
	})
}

func needsAttention(o execution.Outcome) bool {
	return o.Err != nil || o.Status == models.OrderFailedMaxRetries || o.Status.IsRetryEligible()
}

// Error reports a failure in background work.
func (n *Notifier) Error(ctx context.Context, err error, errContext string) error {
	return n.Send(ctx, Notification{
		Type:    TypeError,
		Title:   "Rebalancer error",
		Message: fmt.Sprintf("Context: %s\nError: %v", errContext, err),
		Data: map[string]interface{}{
			"context": errContext,
			"error":   err.Error(),
		},
	})
}

// WebhookChannel posts notifications as JSON.
type WebhookChannel struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookChannel creates a new WebhookChannel.
func NewWebhookChannel(cfg config.WebhookConfig) *WebhookChannel {
	return &WebhookChannel{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the name of the channel.
func (w *WebhookChannel) Name() string {
	return "webhook"
}

// IsEnabled returns whether the channel is enabled.
func (w *WebhookChannel) IsEnabled() bool {
	return w.enabled
}

// Send posts the notification.
func (w *WebhookChannel) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ZerodhaRebalancer/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// TelegramChannel sends notifications through a Telegram bot.
type TelegramChannel struct {
	botToken string
	chatID   string
	baseURL  string
	enabled  bool
	client   *http.Client
}

// NewTelegramChannel creates a new TelegramChannel.
func NewTelegramChannel(cfg config.TelegramConfig) *TelegramChannel {
	return &TelegramChannel{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		baseURL:  "https://api.telegram.org",
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the name of the channel.
func (t *TelegramChannel) Name() string {
	return "telegram"
}

// IsEnabled returns whether the channel is enabled.
func (t *TelegramChannel) IsEnabled() bool {
	return t.enabled
}

// Send sends the notification as an HTML message.
func (t *TelegramChannel) Send(ctx context.Context, n Notification) error {
	text := fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(n.Title), escapeHTML(n.Message))
	body, err := json.Marshal(map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshaling telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

func escapeHTML(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}
