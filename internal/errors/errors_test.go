package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsufficientCapitalError(t *testing.T) {
	err := NewInsufficientCapitalError(5000, 12000, 15000, "INFY")
	assert.Equal(t, 7000.0, err.Shortfall)

	var target *InsufficientCapitalError
	require.True(t, errors.As(Wrap(err, "plan"), &target))
	assert.Equal(t, "INFY", target.Limiting)
	assert.Contains(t, err.Error(), "shortfall 7000.00")
}

func TestOrderExecutionTimeoutUnwrapsToTimeout(t *testing.T) {
	err := NewOrderExecutionTimeout("o1", "INFY", "place", context.DeadlineExceeded)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.True(t, IsTimeout(err))
	assert.True(t, IsTimeout(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.False(t, IsTimeout(ErrOrderRejected))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"submission", NewOrderSubmissionFailure("o1", "INFY", "BUY", "rejected", ErrOrderRejected), true},
		{"timeout", NewOrderExecutionTimeout("o1", "INFY", "place", nil), true},
		{"deadline", context.DeadlineExceeded, true},
		{"exhausted", NewMaxRetriesExceeded("o1", "INFY", 3), false},
		{"wrapped exhausted", Wrapf(NewMaxRetriesExceeded("o1", "INFY", 3), "retry %s", "o1"), false},
		{"config", ErrConfigInvalid, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestUnwrapChains(t *testing.T) {
	sub := NewOrderSubmissionFailure("o1", "TCS", "SELL", "broker down", ErrConnectionFailed)
	assert.True(t, Is(sub, ErrConnectionFailed))

	rec := NewReconciliationError("ITC", "holdings fetch", ErrTimeout)
	assert.True(t, Is(rec, ErrTimeout))
	assert.Equal(t, "reconciliation error [ITC]: missing", NewReconciliationError("ITC", "missing", nil).Error())

	brk := NewBrokerError("429", "rate limited", ErrConnectionFailed)
	var target *BrokerError
	require.True(t, As(fmt.Errorf("quote: %w", brk), &target))
	assert.Equal(t, "429", target.Code)
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "context"))
	assert.NoError(t, Wrapf(nil, "context %d", 1))
}
