package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zerodha-rebalancer/internal/execution"
	"zerodha-rebalancer/internal/models"
	"zerodha-rebalancer/pkg/utils"
)

type fakePoller struct {
	calls atomic.Int32
	err   error
}

func (p *fakePoller) PollAll(ctx context.Context) (map[string][]execution.Outcome, error) {
	p.calls.Add(1)
	return map[string][]execution.Outcome{
		"acc": {{OrderID: "o1", Status: models.OrderComplete}},
	}, p.err
}

type fakeAlerter struct {
	universes []string
	accounts  []string
}

func (a *fakeAlerter) UniverseChanged(ctx context.Context, previous string, u *models.Universe) error {
	a.universes = append(a.universes, previous+"->"+u.Hash)
	return nil
}

func (a *fakeAlerter) OrdersNeedAttention(ctx context.Context, account string, outcomes []execution.Outcome) error {
	a.accounts = append(a.accounts, account)
	return nil
}

type snapshot struct {
	hash    string
	entries []models.UniverseEntry
}

type fakeRefresher struct {
	snapshots []snapshot
	n         int
	err       error
}

func (r *fakeRefresher) Refresh(ctx context.Context) (*models.Universe, error) {
	if r.err != nil {
		return nil, r.err
	}
	s := r.snapshots[r.n]
	r.n++
	return models.NewUniverse(s.entries, s.hash)
}

func entries(symbols ...string) []models.UniverseEntry {
	out := make([]models.UniverseEntry, len(symbols))
	for i, s := range symbols {
		out[i] = models.UniverseEntry{Symbol: s}
	}
	return out
}

func TestOrderPollJob(t *testing.T) {
	poller := &fakePoller{}
	alerter := &fakeAlerter{}
	job := NewOrderPollJob(context.Background(), OrderPollConfig{Poller: poller, Alerter: alerter, Log: zerolog.Nop()})

	require.NoError(t, job.Run())
	assert.Equal(t, int32(1), poller.calls.Load())
	assert.Equal(t, []string{"acc"}, alerter.accounts)

	poller.err = errors.New("account b: broker down")
	assert.ErrorContains(t, job.Run(), "broker down")
}

func TestOrderPollJob_SkipsOutsideMarketHours(t *testing.T) {
	poller := &fakePoller{}
	job := NewOrderPollJob(context.Background(), OrderPollConfig{Poller: poller, MarketHoursOnly: true, Log: zerolog.Nop()})

	job.now = func() time.Time { return time.Date(2026, 3, 7, 11, 0, 0, 0, utils.IndiaLocation) }
	require.NoError(t, job.Run())
	assert.Zero(t, poller.calls.Load())

	job.now = func() time.Time { return time.Date(2026, 3, 2, 11, 0, 0, 0, utils.IndiaLocation) }
	require.NoError(t, job.Run())
	assert.Equal(t, int32(1), poller.calls.Load())
}

func TestUniverseRefreshJob(t *testing.T) {
	r := &fakeRefresher{snapshots: []snapshot{
		{"aaaa", entries("INFY", "TCS")},
		{"aaaa", entries("INFY", "TCS")},
		{"bbbb", entries("INFY", "ITC")},
	}}
	alerter := &fakeAlerter{}
	job := NewUniverseRefreshJob(context.Background(), r, 0, zerolog.Nop()).WithAlerter(alerter)

	for i := 0; i < 3; i++ {
		require.NoError(t, job.Run())
	}
	assert.Equal(t, "bbbb", job.LastHash())
	assert.Equal(t, []string{"aaaa->bbbb"}, alerter.universes)

	r.err = errors.New("feed down")
	assert.Error(t, job.Run())
	assert.Equal(t, "bbbb", job.LastHash())
}

func TestUniverseRefreshJob_WeightOnlyChangeIsNotAlerted(t *testing.T) {
	r := &fakeRefresher{snapshots: []snapshot{
		{"aaaa", []models.UniverseEntry{{Symbol: "INFY", WeightHint: 60}, {Symbol: "TCS", WeightHint: 40}}},
		{"bbbb", []models.UniverseEntry{{Symbol: "TCS", WeightHint: 50}, {Symbol: "INFY", WeightHint: 50}}},
		{"cccc", []models.UniverseEntry{{Symbol: "TCS", WeightHint: 50}}},
	}}
	alerter := &fakeAlerter{}
	job := NewUniverseRefreshJob(context.Background(), r, 0, zerolog.Nop()).WithAlerter(alerter)

	require.NoError(t, job.Run())
	require.NoError(t, job.Run())
	assert.Equal(t, "bbbb", job.LastHash())
	assert.Empty(t, alerter.universes)

	require.NoError(t, job.Run())
	assert.Equal(t, []string{"bbbb->cccc"}, alerter.universes)
}

func TestScheduler(t *testing.T) {
	s := New(zerolog.Nop())
	poller := &fakePoller{}
	job := NewOrderPollJob(context.Background(), OrderPollConfig{Poller: poller, Log: zerolog.Nop()})

	assert.Error(t, s.AddJob("not a schedule", job))
	require.NoError(t, s.AddJob("@every 1s", job))

	require.NoError(t, s.RunNow(job))
	assert.Equal(t, int32(1), poller.calls.Load())

	s.Start()
	assert.Eventually(t, func() bool { return poller.calls.Load() >= 2 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()
}
