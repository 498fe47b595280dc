// Package security provides the operator audit trail and credential masking.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"zerodha-rebalancer/internal/execution"
	"zerodha-rebalancer/internal/models"
	"zerodha-rebalancer/internal/store"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	// Session events
	AuditLogin  AuditEventType = "LOGIN"
	AuditLogout AuditEventType = "LOGOUT"

	// Order events
	AuditCycleExecuted  AuditEventType = "CYCLE_EXECUTED"
	AuditOrderRetried   AuditEventType = "ORDER_RETRIED"
	AuditOrderReset     AuditEventType = "ORDER_RESET"
	AuditOrderCancelled AuditEventType = "ORDER_CANCELLED"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	Account   string                 `json:"account,omitempty"`
	Symbol    string                 `json:"symbol,omitempty"`
	OrderID   string                 `json:"order_id,omitempty"`
	CycleID   string                 `json:"cycle_id,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Success   bool                   `json:"success"`
	ErrorMsg  string                 `json:"error,omitempty"`
	SessionID string                 `json:"session_id"`
}

// AuditConfig holds audit logger configuration.
type AuditConfig struct {
	Enabled    bool
	LogDir     string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// AuditLogger appends one JSON line per operator action. Each process
// gets its own session ID so a run's actions can be grouped.
type AuditLogger struct {
	writer    *lumberjack.Logger
	mu        sync.Mutex
	sessionID string
}

// NewAuditLogger creates a new audit logger. A disabled configuration
// returns nil, which every method accepts.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	return &AuditLogger{
		writer: &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, "audit.log"),
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		},
		sessionID: uuid.NewString(),
	}, nil
}

// SessionID returns the ID stamped on this process's events.
func (al *AuditLogger) SessionID() string {
	if al == nil {
		return ""
	}
	return al.sessionID
}

// Log writes an audit event.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if al == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()

	event.Timestamp = time.Now().UTC()
	event.SessionID = al.sessionID
	event.ErrorMsg = Redact(event.ErrorMsg)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}
	if _, err := al.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

// LogLogin logs a login attempt.
func (al *AuditLogger) LogLogin(ctx context.Context, userID string, err error) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditLogin,
		Action:    userID,
		Success:   err == nil,
		ErrorMsg:  errString(err),
	})
}

// LogLogout logs a logout.
func (al *AuditLogger) LogLogout(ctx context.Context, err error) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditLogout,
		Success:   err == nil,
		ErrorMsg:  errString(err),
	})
}

// LogCycle logs a committed cycle with its order IDs.
func (al *AuditLogger) LogCycle(ctx context.Context, cycle store.CycleRecord, orders []models.Order, failed int) error {
	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	return al.Log(ctx, AuditEvent{
		EventType: AuditCycleExecuted,
		Account:   cycle.Account,
		CycleID:   cycle.ID,
		Action:    string(cycle.SessionType),
		Success:   failed == 0,
		Details: map[string]interface{}{
			"universe_hash": cycle.UniverseHash,
			"buy_value":     cycle.BuyValue,
			"sell_value":    cycle.SellValue,
			"extra_cash":    cycle.ExtraCash,
			"order_ids":     ids,
			"failed":        failed,
		},
	})
}

// LogOutcomes logs one event per order touched by a retry.
func (al *AuditLogger) LogOutcomes(ctx context.Context, account string, outcomes []execution.Outcome) error {
	for _, o := range outcomes {
		err := al.Log(ctx, AuditEvent{
			EventType: AuditOrderRetried,
			Account:   account,
			Symbol:    o.Symbol,
			OrderID:   o.OrderID,
			Action:    string(o.Side),
			Success:   o.Err == nil,
			ErrorMsg:  errString(o.Err),
			Details:   map[string]interface{}{"status": o.Status},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// LogOrder logs a manual reset or cancel.
func (al *AuditLogger) LogOrder(ctx context.Context, eventType AuditEventType, o *models.Order) error {
	return al.Log(ctx, AuditEvent{
		EventType: eventType,
		Account:   o.Account,
		Symbol:    o.Symbol,
		OrderID:   o.ID,
		Action:    string(o.Side),
		Success:   true,
		Details: map[string]interface{}{
			"status":      o.Status,
			"retry_count": o.RetryCount,
		},
	})
}

// Close closes the audit logger.
func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	return al.writer.Close()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
