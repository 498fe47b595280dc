// Package universe fetches the target universe: the list of symbols (and
// optional weights) the portfolio should hold.
package universe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/rs/zerolog"

	apperrors "zerodha-rebalancer/internal/errors"
	"zerodha-rebalancer/internal/models"
)

// Source provides universe snapshots.
type Source interface {
	Fetch(ctx context.Context) (*models.Universe, error)
}

// csvRow is one line of the universe feed. Weight is optional.
type csvRow struct {
	Symbol string `csv:"Symbol"`
	Weight string `csv:"Weight"`
}

// maxFeedSize bounds the downloaded feed.
const maxFeedSize = 1 << 20

// HTTPSource downloads the universe as CSV over HTTP.
type HTTPSource struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPSource creates an HTTPSource for url.
func NewHTTPSource(url string, timeout time.Duration, logger zerolog.Logger) *HTTPSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "universe").Logger(),
	}
}

// Fetch downloads and parses the feed. The snapshot hash is derived from
// the raw body so any edit to the file yields a new version.
func (s *HTTPSource) Fetch(ctx context.Context) (*models.Universe, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrUniverseFetch, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrUniverseFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %s", apperrors.ErrUniverseFetch, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", apperrors.ErrUniverseFetch, err)
	}

	u, err := Parse(body)
	if err != nil {
		return nil, err
	}

	s.logger.Info().Int("symbols", len(u.Entries)).Str("hash", u.Hash).Msg("Universe fetched")
	return u, nil
}

// Parse decodes a universe CSV with a Symbol column and an optional
// Weight column.
func Parse(data []byte) (*models.Universe, error) {
	var rows []*csvRow
	if err := gocsv.Unmarshal(bytes.NewReader(data), &rows); err != nil {
		return nil, fmt.Errorf("%w: parsing csv: %v", apperrors.ErrUniverseFetch, err)
	}

	entries := make([]models.UniverseEntry, 0, len(rows))
	for i, r := range rows {
		sym := strings.TrimSpace(r.Symbol)
		if sym == "" {
			continue
		}
		entry := models.UniverseEntry{Symbol: sym}
		if w := strings.TrimSpace(r.Weight); w != "" {
			v, err := strconv.ParseFloat(strings.TrimSuffix(w, "%"), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d: invalid weight %q", apperrors.ErrUniverseFetch, i+2, w)
			}
			entry.WeightHint = v
		}
		entries = append(entries, entry)
	}

	return models.NewUniverse(entries, models.ContentHash(data))
}

// StaticSource serves a fixed universe, for config-defined lists and tests.
type StaticSource struct {
	universe *models.Universe
	err      error
}

// NewStaticSource builds an equal-weight static universe from symbols.
func NewStaticSource(symbols ...string) *StaticSource {
	u, err := models.UniverseFromSymbols(symbols...)
	return &StaticSource{universe: u, err: err}
}

// NewStaticSourceFrom wraps an existing snapshot.
func NewStaticSourceFrom(u *models.Universe) *StaticSource {
	return &StaticSource{universe: u}
}

// Fetch returns the fixed universe.
func (s *StaticSource) Fetch(ctx context.Context) (*models.Universe, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.universe, nil
}

// Cache memoises a Source for a TTL. A failed refresh keeps serving the last
// good snapshot when one exists.
type Cache struct {
	source Source
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu        sync.Mutex
	current   *models.Universe
	fetchedAt time.Time
}

// NewCache wraps source with a TTL cache.
func NewCache(source Source, ttl time.Duration, logger zerolog.Logger) *Cache {
	return &Cache{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With().Str("component", "universe_cache").Logger(),
	}
}

// Fetch returns the cached snapshot, refreshing it when stale.
func (c *Cache) Fetch(ctx context.Context) (*models.Universe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.current, nil
	}
	return c.refreshLocked(ctx)
}

// Refresh forces a fetch from the underlying source.
func (c *Cache) Refresh(ctx context.Context) (*models.Universe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *Cache) refreshLocked(ctx context.Context) (*models.Universe, error) {
	u, err := c.source.Fetch(ctx)
	if err != nil {
		if c.current != nil {
			c.logger.Warn().Err(err).Str("hash", c.current.Hash).Msg("Universe refresh failed, serving last snapshot")
			return c.current, nil
		}
		return nil, err
	}

	if c.current != nil && c.current.Hash != u.Hash {
		c.logger.Info().Str("old", c.current.Hash).Str("new", u.Hash).Msg("Universe changed")
	}
	c.current = u
	c.fetchedAt = c.now()
	return u, nil
}
