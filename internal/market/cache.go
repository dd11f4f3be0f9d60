package market

import (
	"sync"
	"sync/atomic"
)

// CloseHandler is invoked after a closed bar is committed to a series.
// Handlers run outside the cache locks and must not block for long.
type CloseHandler func(symbol string, tf Timeframe, k Kline)

type seriesKey struct {
	symbol string
	tf     Timeframe
}

// series holds one (symbol, timeframe) kline window behind its own lock so
// heavy write traffic on one pair does not stall reads on another.
type series struct {
	mu     sync.RWMutex
	klines []Kline
	stale  bool
}

// Cache is the in-memory market store: one bounded kline series per
// (symbol, timeframe) plus the latest 24h ticker per symbol.
type Cache struct {
	mu      sync.RWMutex
	series  map[seriesKey]*series
	tickers map[string]Ticker

	limit   int
	onClose CloseHandler

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache builds a cache that trims every series to limit bars.
func NewCache(limit int) *Cache {
	if limit <= 0 {
		limit = 250
	}
	return &Cache{
		series:  make(map[seriesKey]*series),
		tickers: make(map[string]Ticker),
		limit:   limit,
	}
}

// OnClose registers the closed-bar handler. Must be called before ingestion
// starts; there is no unregister.
func (c *Cache) OnClose(h CloseHandler) {
	c.onClose = h
}

func (c *Cache) getOrCreate(key seriesKey) *series {
	c.mu.RLock()
	s, ok := c.series[key]
	c.mu.RUnlock()
	if ok {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.series[key]; ok {
		return s
	}
	s = &series{}
	c.series[key] = s
	return s
}

// SetSeries replaces the whole window for one (symbol, timeframe), keeping
// the newest bars when the input exceeds the cache limit. Used for REST
// backfill; it clears any stale flag left by a stream gap.
func (c *Cache) SetSeries(symbol string, tf Timeframe, klines []Kline) {
	s := c.getOrCreate(seriesKey{symbol, tf})
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(klines) > c.limit {
		klines = klines[len(klines)-c.limit:]
	}
	s.klines = make([]Kline, len(klines))
	copy(s.klines, klines)
	s.stale = false
}

// Apply merges one streamed bar into its series. A bar for the current open
// time replaces the last entry; a bar starting exactly at the previous close
// is appended. Anything older is dropped, anything newer leaves a gap and
// marks the series stale so the ingestor refetches it. Returns true when a
// closed bar was committed.
func (c *Cache) Apply(symbol string, tf Timeframe, k Kline) bool {
	s := c.getOrCreate(seriesKey{symbol, tf})

	s.mu.Lock()
	n := len(s.klines)
	switch {
	case n == 0:
		s.klines = append(s.klines, k)
	case k.OpenTime == s.klines[n-1].OpenTime:
		s.klines[n-1] = k
	case k.OpenTime == s.klines[n-1].CloseTime:
		s.klines = append(s.klines, k)
		if len(s.klines) > c.limit {
			s.klines = s.klines[len(s.klines)-c.limit:]
		}
	case k.OpenTime < s.klines[n-1].OpenTime:
		s.mu.Unlock()
		return false
	default:
		// missed at least one bar between last close and this open
		s.stale = true
		s.klines = append(s.klines, k)
		if len(s.klines) > c.limit {
			s.klines = s.klines[len(s.klines)-c.limit:]
		}
	}
	closed := k.Closed
	s.mu.Unlock()

	if closed && c.onClose != nil {
		c.onClose(symbol, tf, k)
	}
	return closed
}

// Snapshot copies up to limit most recent bars for one series. limit <= 0
// returns the full window. ok is false when the series does not exist.
func (c *Cache) Snapshot(symbol string, tf Timeframe, limit int) ([]Kline, bool) {
	c.mu.RLock()
	s, ok := c.series[seriesKey{symbol, tf}]
	c.mu.RUnlock()
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	c.hits.Add(1)
	klines := s.klines
	if limit > 0 && len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	out := make([]Kline, len(klines))
	copy(out, klines)
	return out, true
}

// Stale reports whether the series saw a stream gap since its last backfill.
func (c *Cache) Stale(symbol string, tf Timeframe) bool {
	c.mu.RLock()
	s, ok := c.series[seriesKey{symbol, tf}]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale
}

// Has reports whether a series exists for the pair.
func (c *Cache) Has(symbol string, tf Timeframe) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.series[seriesKey{symbol, tf}]
	return ok
}

// SetTicker stores the latest 24h statistics for a symbol.
func (c *Cache) SetTicker(symbol string, t Ticker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickers[symbol] = t
}

// TickerOf returns the latest 24h statistics for a symbol.
func (c *Cache) TickerOf(symbol string) (Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tickers[symbol]
	return t, ok
}

// Drop removes every series and the ticker for a symbol that left the
// tracked universe.
func (c *Cache) Drop(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.series {
		if key.symbol == symbol {
			delete(c.series, key)
		}
	}
	delete(c.tickers, symbol)
}

// Stats returns snapshot read hit and miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
