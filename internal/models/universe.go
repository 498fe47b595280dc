package models

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	apperrors "zerodha-rebalancer/internal/errors"
)

// UniverseEntry is one member of the target universe.
type UniverseEntry struct {
	Symbol     string  `json:"symbol"`
	WeightHint float64 `json:"weight_hint,omitempty"`
}

// Universe is an immutable snapshot of the target universe.
type Universe struct {
	Entries   []UniverseEntry `json:"entries"`
	Hash      string          `json:"hash"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// NewUniverse validates entries and builds a snapshot. Symbols are
// upper-cased and trimmed. When hash is empty it is derived from the entries.
func NewUniverse(entries []UniverseEntry, hash string) (*Universe, error) {
	if len(entries) == 0 {
		return nil, apperrors.ErrUniverseEmpty
	}

	seen := make(map[string]bool, len(entries))
	clean := make([]UniverseEntry, 0, len(entries))
	for _, e := range entries {
		sym := strings.ToUpper(strings.TrimSpace(e.Symbol))
		if sym == "" {
			return nil, fmt.Errorf("universe entry with empty symbol")
		}
		if seen[sym] {
			return nil, fmt.Errorf("duplicate symbol in universe: %s", sym)
		}
		if e.WeightHint < 0 {
			return nil, fmt.Errorf("negative weight hint for %s", sym)
		}
		seen[sym] = true
		clean = append(clean, UniverseEntry{Symbol: sym, WeightHint: e.WeightHint})
	}

	if hash == "" {
		hash = entriesHash(clean)
	}

	return &Universe{
		Entries:   clean,
		Hash:      hash,
		FetchedAt: time.Now(),
	}, nil
}

// UniverseFromSymbols builds an equal-weight universe.
func UniverseFromSymbols(symbols ...string) (*Universe, error) {
	entries := make([]UniverseEntry, len(symbols))
	for i, s := range symbols {
		entries[i] = UniverseEntry{Symbol: s}
	}
	return NewUniverse(entries, "")
}

// Symbols returns the symbols in universe order.
func (u *Universe) Symbols() []string {
	out := make([]string, len(u.Entries))
	for i, e := range u.Entries {
		out[i] = e.Symbol
	}
	return out
}

// SymbolSet returns the universe symbols as a set.
func (u *Universe) SymbolSet() map[string]bool {
	set := make(map[string]bool, len(u.Entries))
	for _, e := range u.Entries {
		set[e.Symbol] = true
	}
	return set
}

// Contains reports whether symbol is in the universe.
func (u *Universe) Contains(symbol string) bool {
	for _, e := range u.Entries {
		if e.Symbol == symbol {
			return true
		}
	}
	return false
}

// ContentHash returns the short content hash used to identify universe versions.
func ContentHash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])[:8]
}

func entriesHash(entries []UniverseEntry) string {
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = fmt.Sprintf("%s:%g", e.Symbol, e.WeightHint)
	}
	sort.Strings(lines)
	return ContentHash([]byte(strings.Join(lines, "\n")))
}
