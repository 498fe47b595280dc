package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "zerodha-rebalancer/internal/errors"
	"zerodha-rebalancer/internal/models"
	"zerodha-rebalancer/pkg/utils"
)

// Plausible traded price range; anything outside is treated as missing.
const (
	minValidPrice = 0.1
	maxValidPrice = 100000.0
)

// ZerodhaBroker implements the Broker interface for Zerodha Kite Connect.
type ZerodhaBroker struct {
	client        *kiteconnect.Client
	apiKey        string
	apiSecret     string
	userID        string
	accessToken   string
	tokenPath     string
	exchange      models.Exchange
	authenticated bool
	mu            sync.RWMutex
}

// ZerodhaConfig holds configuration for Zerodha broker.
type ZerodhaConfig struct {
	APIKey      string
	APISecret   string
	UserID      string
	AccessToken string
	TokenPath   string
	Exchange    models.Exchange
	Timeout     time.Duration
}

// NewZerodhaBroker creates a new Zerodha broker instance.
// A configured access token wins over any saved session on disk.
func NewZerodhaBroker(cfg ZerodhaConfig) *ZerodhaBroker {
	client := kiteconnect.New(cfg.APIKey)
	if cfg.Timeout > 0 {
		client.SetHTTPClient(&http.Client{Timeout: cfg.Timeout})
	}

	tokenPath := cfg.TokenPath
	if tokenPath == "" {
		homeDir, _ := os.UserHomeDir()
		tokenPath = filepath.Join(homeDir, ".config", "zerodha-rebalancer", "session.json")
	}

	exchange := cfg.Exchange
	if exchange == "" {
		exchange = models.NSE
	}

	zb := &ZerodhaBroker{
		client:    client,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		userID:    cfg.UserID,
		tokenPath: tokenPath,
		exchange:  exchange,
	}

	if cfg.AccessToken != "" {
		zb.accessToken = cfg.AccessToken
		zb.authenticated = true
		client.SetAccessToken(cfg.AccessToken)
	} else {
		_ = zb.loadSession()
	}

	return zb
}

// sessionData represents persisted session data.
type sessionData struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Login verifies the current session, or returns the login URL to visit.
func (z *ZerodhaBroker) Login(ctx context.Context) error {
	if err := z.loadSession(); err == nil && z.IsAuthenticated() {
		if _, err := z.client.GetUserProfile(); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: visit %s, then run 'rebalancer auth complete <request_token>'", apperrors.ErrNotAuthenticated, z.client.GetLoginURL())
}

// CompleteLogin completes the OAuth flow with the request token.
func (z *ZerodhaBroker) CompleteLogin(ctx context.Context, requestToken string) error {
	session, err := z.client.GenerateSession(requestToken, z.apiSecret)
	if err != nil {
		return fmt.Errorf("failed to generate session: %w", err)
	}

	z.mu.Lock()
	z.accessToken = session.AccessToken
	z.authenticated = true
	z.client.SetAccessToken(session.AccessToken)
	z.mu.Unlock()

	return z.saveSession(session.AccessToken)
}

// Logout invalidates the session and clears stored credentials.
func (z *ZerodhaBroker) Logout(ctx context.Context) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.authenticated {
		_, _ = z.client.InvalidateAccessToken()
	}

	z.accessToken = ""
	z.authenticated = false

	if err := os.Remove(z.tokenPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// IsAuthenticated returns whether the broker is authenticated.
func (z *ZerodhaBroker) IsAuthenticated() bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.authenticated
}

// GetLoginURL returns the Zerodha login URL for OAuth.
func (z *ZerodhaBroker) GetLoginURL() string {
	return z.client.GetLoginURL()
}

func (z *ZerodhaBroker) loadSession() error {
	data, err := os.ReadFile(z.tokenPath)
	if err != nil {
		return err
	}

	var session sessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return err
	}

	// Kite tokens expire at 6 AM the next day
	if time.Now().After(session.ExpiresAt) {
		return apperrors.ErrSessionExpired
	}

	z.mu.Lock()
	z.accessToken = session.AccessToken
	z.authenticated = true
	z.client.SetAccessToken(session.AccessToken)
	z.mu.Unlock()

	return nil
}

func (z *ZerodhaBroker) saveSession(accessToken string) error {
	if err := os.MkdirAll(filepath.Dir(z.tokenPath), 0700); err != nil {
		return err
	}

	expiresAt := utils.NextSessionReset(time.Now())

	data, err := json.Marshal(sessionData{
		AccessToken: accessToken,
		UserID:      z.userID,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return err
	}

	return os.WriteFile(z.tokenPath, data, 0600)
}

// GetQuotes fetches last traded prices, falling back to BSE for symbols
// NSE does not quote. Symbols without a plausible price are left out of the
// book so callers fail closed on them.
func (z *ZerodhaBroker) GetQuotes(ctx context.Context, symbols []string) (models.PriceBook, error) {
	if !z.IsAuthenticated() {
		return nil, apperrors.ErrNotAuthenticated
	}
	book := make(models.PriceBook, len(symbols))
	if len(symbols) == 0 {
		return book, nil
	}

	missing, err := z.fillQuotes(book, z.exchange, symbols)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 && z.exchange != models.BSE {
		if _, err := z.fillQuotes(book, models.BSE, missing); err != nil {
			return nil, err
		}
	}
	return book, nil
}

func (z *ZerodhaBroker) fillQuotes(book models.PriceBook, exchange models.Exchange, symbols []string) ([]string, error) {
	instruments := make([]string, len(symbols))
	for i, s := range symbols {
		instruments[i] = fmt.Sprintf("%s:%s", exchange, s)
	}

	ltp, err := z.client.GetLTP(instruments...)
	if err != nil {
		return nil, apperrors.NewBrokerError("LTP", "failed to get quotes", err)
	}

	now := time.Now()
	var missing []string
	for i, s := range symbols {
		q, ok := ltp[instruments[i]]
		if !ok || q.LastPrice < minValidPrice || q.LastPrice > maxValidPrice {
			missing = append(missing, s)
			continue
		}
		book[s] = models.PriceQuote{Symbol: s, Price: q.LastPrice, AsOf: now}
	}
	return missing, nil
}

// PlaceOrder places a regular order.
func (z *ZerodhaBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if !z.IsAuthenticated() {
		return nil, apperrors.ErrNotAuthenticated
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity %d", apperrors.ErrInvalidOrder, req.Quantity)
	}

	params := kiteconnect.OrderParams{
		Exchange:        string(req.Exchange),
		Tradingsymbol:   req.Symbol,
		TransactionType: string(req.Side),
		OrderType:       string(req.Type),
		Product:         string(req.Product),
		Quantity:        req.Quantity,
		Price:           req.Price,
		Validity:        req.Validity,
		Tag:             req.Tag,
	}
	if params.Exchange == "" {
		params.Exchange = string(z.exchange)
	}
	if params.Validity == "" {
		params.Validity = "DAY"
	}

	resp, err := z.client.PlaceOrder(kiteconnect.VarietyRegular, params)
	if err != nil {
		return nil, apperrors.NewBrokerError("PLACE", "failed to place order", err)
	}

	return &OrderResult{
		OrderID: resp.OrderID,
		Status:  "PLACED",
		Message: "Order placed successfully",
	}, nil
}

// GetOrderStatus returns the latest state from the order's history.
func (z *ZerodhaBroker) GetOrderStatus(ctx context.Context, brokerOrderID string) (*models.BrokerOrderStatus, error) {
	if !z.IsAuthenticated() {
		return nil, apperrors.ErrNotAuthenticated
	}

	history, err := z.client.GetOrderHistory(brokerOrderID)
	if err != nil {
		return nil, apperrors.NewBrokerError("HISTORY", "failed to get order history", err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: broker order %s", apperrors.ErrOrderNotFound, brokerOrderID)
	}

	o := history[len(history)-1]
	return &models.BrokerOrderStatus{
		BrokerOrderID:  o.OrderID,
		Status:         o.Status,
		FilledQuantity: int(o.FilledQuantity),
		PendingQty:     int(o.PendingQuantity),
		AveragePrice:   o.AveragePrice,
		Message:        o.StatusMessage,
	}, nil
}

// CancelOrder cancels an open regular order.
func (z *ZerodhaBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if !z.IsAuthenticated() {
		return apperrors.ErrNotAuthenticated
	}

	if _, err := z.client.CancelOrder(kiteconnect.VarietyRegular, brokerOrderID, nil); err != nil {
		return apperrors.NewBrokerError("CANCEL", "failed to cancel order", err)
	}
	return nil
}

// GetHoldings fetches delivery holdings including T1 and pledged quantities.
func (z *ZerodhaBroker) GetHoldings(ctx context.Context) ([]models.BrokerHolding, error) {
	if !z.IsAuthenticated() {
		return nil, apperrors.ErrNotAuthenticated
	}

	holdings, err := z.client.GetHoldings()
	if err != nil {
		return nil, apperrors.NewBrokerError("HOLDINGS", "failed to get holdings", err)
	}

	result := make([]models.BrokerHolding, len(holdings))
	for i, h := range holdings {
		result[i] = models.BrokerHolding{
			Symbol:             h.Tradingsymbol,
			Quantity:           int(h.Quantity),
			T1Quantity:         int(h.T1Quantity),
			CollateralQuantity: int(h.CollateralQuantity),
			AveragePrice:       h.AveragePrice,
			LastPrice:          h.LastPrice,
		}
	}

	return result, nil
}

// Ensure ZerodhaBroker implements Broker interface
var _ Broker = (*ZerodhaBroker)(nil)
