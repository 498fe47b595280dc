package broker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	apperrors "zerodha-rebalancer/internal/errors"
	"zerodha-rebalancer/internal/logging"
	"zerodha-rebalancer/internal/models"
	"zerodha-rebalancer/internal/resilience"
	"zerodha-rebalancer/pkg/utils"
)

// GuardConfig bounds every broker call.
type GuardConfig struct {
	CallTimeout time.Duration
	ReadRetry   utils.RetryConfig
	Breaker     resilience.CircuitBreakerConfig
	// RateLimit is calls per second, zero disables limiting.
	RateLimit float64
	RateBurst int
	// Limiter is shared by guards over the same API key. When nil one is
	// built from RateLimit.
	Limiter *resilience.RateLimiter
}

// DefaultGuardConfig returns the default guard configuration.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		CallTimeout: 10 * time.Second,
		ReadRetry:   utils.DefaultRetryConfig(),
		Breaker:     resilience.DefaultCircuitBreakerConfig(),
	}
}

// GuardedBroker wraps a Broker with a rate limit, a per-call timeout and a
// circuit breaker.
// Reads are retried with backoff. Order placement is never retried here;
// the execution state machine owns that decision.
type GuardedBroker struct {
	inner   Broker
	cfg     GuardConfig
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

// NewGuardedBroker creates a GuardedBroker around inner.
func NewGuardedBroker(inner Broker, cfg GuardConfig, logger zerolog.Logger) *GuardedBroker {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultGuardConfig().CallTimeout
	}
	if cfg.ReadRetry.ShouldRetry == nil {
		cfg.ReadRetry.ShouldRetry = retryableRead
	}
	if cfg.Limiter == nil && cfg.RateLimit > 0 {
		cfg.Limiter = resilience.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	return &GuardedBroker{
		inner:   inner,
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker("broker", cfg.Breaker),
		logger:  logger.With().Str("component", "broker_guard").Logger(),
	}
}

// Inner returns the wrapped broker.
func (g *GuardedBroker) Inner() Broker {
	return g.inner
}

// Breaker exposes the circuit breaker for status reporting.
func (g *GuardedBroker) Breaker() *resilience.CircuitBreaker {
	return g.breaker
}

// retryableRead skips retries for failures another attempt cannot fix.
func retryableRead(err error) bool {
	switch {
	case apperrors.Is(err, apperrors.ErrNotAuthenticated),
		apperrors.Is(err, apperrors.ErrSessionExpired),
		apperrors.Is(err, apperrors.ErrOrderNotFound),
		apperrors.Is(err, resilience.ErrCircuitOpen):
		return false
	}
	return true
}

func guardedCall[T any](ctx context.Context, g *GuardedBroker, op string, fn func(context.Context) (T, error)) (T, error) {
	if g.cfg.Limiter != nil {
		if err := g.cfg.Limiter.Wait(ctx); err != nil {
			var zero T
			return zero, err
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	v, err := resilience.Call(callCtx, g.breaker, func() (T, error) { return fn(callCtx) })
	if err != nil && apperrors.IsTimeout(err) {
		err = apperrors.Wrapf(apperrors.ErrTimeout, "%s after %s", op, g.cfg.CallTimeout)
	}
	logging.LogAPICall(g.logger, "broker", op, time.Since(start), err)
	return v, err
}

func guardedRead[T any](ctx context.Context, g *GuardedBroker, op string, fn func(context.Context) (T, error)) (T, error) {
	return utils.RetryWithResult(ctx, g.cfg.ReadRetry, func() (T, error) {
		return guardedCall(ctx, g, op, fn)
	})
}

// Login authenticates through the wrapped broker.
func (g *GuardedBroker) Login(ctx context.Context) error {
	return g.inner.Login(ctx)
}

// Logout logs out through the wrapped broker.
func (g *GuardedBroker) Logout(ctx context.Context) error {
	return g.inner.Logout(ctx)
}

// IsAuthenticated reports the wrapped broker's session state.
func (g *GuardedBroker) IsAuthenticated() bool {
	return g.inner.IsAuthenticated()
}

// GetQuotes fetches prices with timeout and retry.
func (g *GuardedBroker) GetQuotes(ctx context.Context, symbols []string) (models.PriceBook, error) {
	return guardedRead(ctx, g, "quotes", func(c context.Context) (models.PriceBook, error) {
		return g.inner.GetQuotes(c, symbols)
	})
}

// PlaceOrder places an order once, bounded by the call timeout.
func (g *GuardedBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	return guardedCall(ctx, g, "place_order", func(c context.Context) (*OrderResult, error) {
		return g.inner.PlaceOrder(c, req)
	})
}

// GetOrderStatus polls order state with timeout and retry.
func (g *GuardedBroker) GetOrderStatus(ctx context.Context, brokerOrderID string) (*models.BrokerOrderStatus, error) {
	return guardedRead(ctx, g, "order_status", func(c context.Context) (*models.BrokerOrderStatus, error) {
		return g.inner.GetOrderStatus(c, brokerOrderID)
	})
}

// CancelOrder cancels once, bounded by the call timeout.
func (g *GuardedBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := guardedCall(ctx, g, "cancel_order", func(c context.Context) (struct{}, error) {
		return struct{}{}, g.inner.CancelOrder(c, brokerOrderID)
	})
	return err
}

// GetHoldings fetches holdings with timeout and retry.
func (g *GuardedBroker) GetHoldings(ctx context.Context) ([]models.BrokerHolding, error) {
	return guardedRead(ctx, g, "holdings", func(c context.Context) ([]models.BrokerHolding, error) {
		return g.inner.GetHoldings(c)
	})
}

var _ Broker = (*GuardedBroker)(nil)
