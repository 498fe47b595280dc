package universe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "zerodha-rebalancer/internal/errors"
	"zerodha-rebalancer/internal/models"
)

const feed = `Symbol,Weight,Momentum
infy,50,1.2
TCS,25,0.9
ITC,25%,0.4
`

func TestParse(t *testing.T) {
	u, err := Parse([]byte(feed))
	require.NoError(t, err)
	assert.Equal(t, []string{"INFY", "TCS", "ITC"}, u.Symbols())
	assert.Equal(t, 50.0, u.Entries[0].WeightHint)
	assert.Equal(t, 25.0, u.Entries[2].WeightHint)
	assert.Equal(t, models.ContentHash([]byte(feed)), u.Hash)
	assert.Len(t, u.Hash, 8)
}

func TestParse_SymbolOnly(t *testing.T) {
	u, err := Parse([]byte("Symbol\nA\n\nB\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, u.Symbols())
	assert.Zero(t, u.Entries[0].WeightHint)
}

func TestParse_Rejects(t *testing.T) {
	_, err := Parse([]byte("Symbol\n"))
	assert.ErrorIs(t, err, apperrors.ErrUniverseEmpty)

	_, err = Parse([]byte("Symbol,Weight\nA,abc\n"))
	assert.ErrorIs(t, err, apperrors.ErrUniverseFetch)

	_, err = Parse([]byte("Symbol\nA\na\n"))
	assert.Error(t, err)
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte(feed))
	}))
	defer srv.Close()

	u, err := NewHTTPSource(srv.URL, time.Second, zerolog.Nop()).Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, u.Entries, 3)
}

func TestHTTPSource_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewHTTPSource(srv.URL, time.Second, zerolog.Nop()).Fetch(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrUniverseFetch)
}

type countingSource struct {
	calls atomic.Int32
	fail  atomic.Bool
	u     *models.Universe
}

func (c *countingSource) Fetch(ctx context.Context) (*models.Universe, error) {
	c.calls.Add(1)
	if c.fail.Load() {
		return nil, errors.New("feed down")
	}
	return c.u, nil
}

func TestCache(t *testing.T) {
	u, err := models.UniverseFromSymbols("A", "B")
	require.NoError(t, err)
	src := &countingSource{u: u}

	cache := NewCache(src, time.Minute, zerolog.Nop())
	clock := time.Now()
	cache.now = func() time.Time { return clock }
	ctx := context.Background()

	_, err = cache.Fetch(ctx)
	require.NoError(t, err)
	_, err = cache.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())

	clock = clock.Add(2 * time.Minute)
	src.fail.Store(true)
	got, err := cache.Fetch(ctx)
	require.NoError(t, err, "stale snapshot is served when the feed is down")
	assert.Equal(t, u.Hash, got.Hash)
	assert.Equal(t, int32(2), src.calls.Load())

	empty := NewCache(src, time.Minute, zerolog.Nop())
	_, err = empty.Fetch(ctx)
	assert.Error(t, err)
}

func TestStaticSource(t *testing.T) {
	u, err := NewStaticSource("goldbees", "INFY").Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, u.Contains("GOLDBEES"))

	_, err = NewStaticSource().Fetch(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrUniverseEmpty)
}
