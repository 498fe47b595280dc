package portfolio

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	apperrors "zerodha-rebalancer/internal/errors"
	"zerodha-rebalancer/internal/execution"
)

// maxParallelAccounts bounds concurrent broker polling.
const maxParallelAccounts = 4

// Manager maps account keys to their services. Accounts are independent.
type Manager struct {
	services map[string]*Service
}

// NewManager creates a Manager over services.
func NewManager(services ...*Service) *Manager {
	m := &Manager{services: make(map[string]*Service, len(services))}
	for _, s := range services {
		m.services[s.Account()] = s
	}
	return m
}

// Get returns the service for account.
func (m *Manager) Get(account string) (*Service, error) {
	s, ok := m.services[account]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrAccountUnknown, account)
	}
	return s, nil
}

// Accounts returns the managed account keys, sorted.
func (m *Manager) Accounts() []string {
	out := make([]string, 0, len(m.services))
	for a := range m.services {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// PollAll polls every account in parallel. A failing account does not stop
// the others; the first error is returned alongside all results.
func (m *Manager) PollAll(ctx context.Context) (map[string][]execution.Outcome, error) {
	var (
		mu      sync.Mutex
		results = make(map[string][]execution.Outcome, len(m.services))
		g       errgroup.Group
	)
	g.SetLimit(maxParallelAccounts)

	for _, account := range m.Accounts() {
		svc := m.services[account]
		g.Go(func() error {
			outcomes, err := svc.PollOrders(ctx)
			mu.Lock()
			results[svc.Account()] = outcomes
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("account %s: %w", svc.Account(), err)
			}
			return nil
		})
	}

	err := g.Wait()
	return results, err
}

// RetryAll retries failed orders for every account in parallel.
func (m *Manager) RetryAll(ctx context.Context) (map[string][]execution.Outcome, error) {
	var (
		mu      sync.Mutex
		results = make(map[string][]execution.Outcome, len(m.services))
		g       errgroup.Group
	)
	g.SetLimit(maxParallelAccounts)

	for _, account := range m.Accounts() {
		svc := m.services[account]
		g.Go(func() error {
			outcomes, err := svc.RetryFailed(ctx)
			mu.Lock()
			results[svc.Account()] = outcomes
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("account %s: %w", svc.Account(), err)
			}
			return nil
		})
	}

	err := g.Wait()
	return results, err
}
