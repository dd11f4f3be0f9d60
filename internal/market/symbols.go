package market

import (
	"sort"
	"strings"
	"sync"
)

// SymbolTracker maintains the tracked trading universe: the top symbols of
// one quote asset ranked by 24h quote volume, refreshed from periodic
// ticker sweeps.
type SymbolTracker struct {
	mu       sync.RWMutex
	active   []string
	inSet    map[string]bool
	quote    string
	maxCount int
	minQuote float64
	excluded map[string]bool
}

// NewSymbolTracker builds a tracker for symbols quoted in quoteAsset,
// keeping at most maxCount symbols with 24h quote volume >= minQuoteVolume.
func NewSymbolTracker(quoteAsset string, maxCount int, minQuoteVolume float64, excluded []string) *SymbolTracker {
	ex := make(map[string]bool, len(excluded))
	for _, s := range excluded {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			ex[s] = true
		}
	}
	if maxCount <= 0 {
		maxCount = 50
	}
	return &SymbolTracker{
		inSet:    make(map[string]bool),
		quote:    strings.ToUpper(quoteAsset),
		maxCount: maxCount,
		minQuote: minQuoteVolume,
		excluded: ex,
	}
}

// Update recomputes the universe from a full ticker sweep and returns the
// symbols that entered and left since the previous update.
func (t *SymbolTracker) Update(stats []TickerStat) (added, removed []string) {
	eligible := make([]TickerStat, 0, len(stats))
	for _, s := range stats {
		if !strings.HasSuffix(s.Symbol, t.quote) {
			continue
		}
		if t.excluded[s.Symbol] {
			continue
		}
		if s.QuoteVolume < t.minQuote {
			continue
		}
		eligible = append(eligible, s)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].QuoteVolume != eligible[j].QuoteVolume {
			return eligible[i].QuoteVolume > eligible[j].QuoteVolume
		}
		return eligible[i].Symbol < eligible[j].Symbol
	})
	if len(eligible) > t.maxCount {
		eligible = eligible[:t.maxCount]
	}

	next := make([]string, 0, len(eligible))
	nextSet := make(map[string]bool, len(eligible))
	for _, s := range eligible {
		next = append(next, s.Symbol)
		nextSet[s.Symbol] = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range next {
		if !t.inSet[s] {
			added = append(added, s)
		}
	}
	for _, s := range t.active {
		if !nextSet[s] {
			removed = append(removed, s)
		}
	}
	t.active = next
	t.inSet = nextSet
	return added, removed
}

// Active returns the current universe, ranked by quote volume descending.
func (t *SymbolTracker) Active() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.active))
	copy(out, t.active)
	return out
}

// Contains reports whether a symbol is currently tracked.
func (t *SymbolTracker) Contains(symbol string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inSet[symbol]
}

// Count returns the current universe size.
func (t *SymbolTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}
