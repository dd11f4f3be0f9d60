package market

import (
	"sync"
	"testing"
)

func bar(open int64, tf Timeframe, close float64, closed bool) Kline {
	return Kline{
		OpenTime:  open,
		Open:      close - 1,
		High:      close + 1,
		Low:       close - 2,
		Close:     close,
		Volume:    10,
		CloseTime: open + tf.Millis(),
		Closed:    closed,
	}
}

// TestCacheApplyUpdateThenAppend tests the update-last-or-append merge rule
func TestCacheApplyUpdateThenAppend(t *testing.T) {
	c := NewCache(100)

	base := TF1m.AlignOpen(1704067200000)

	// first tick of an open bar
	c.Apply("BTCUSDT", TF1m, bar(base, TF1m, 100, false))
	// later tick of the same bar must replace, not append
	c.Apply("BTCUSDT", TF1m, bar(base, TF1m, 101, false))

	got, ok := c.Snapshot("BTCUSDT", TF1m, 0)
	if !ok {
		t.Fatal("expected series to exist")
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 bar after in-place update, got %d", len(got))
	}
	if got[0].Close != 101 {
		t.Errorf("expected updated close 101, got %f", got[0].Close)
	}

	// closed final tick still replaces in place
	c.Apply("BTCUSDT", TF1m, bar(base, TF1m, 102, true))
	// next bar opens exactly at previous close
	c.Apply("BTCUSDT", TF1m, bar(base+TF1m.Millis(), TF1m, 103, false))

	got, _ = c.Snapshot("BTCUSDT", TF1m, 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 bars after append, got %d", len(got))
	}
	if got[0].CloseTime != got[1].OpenTime {
		t.Errorf("series not contiguous: close %d vs next open %d", got[0].CloseTime, got[1].OpenTime)
	}
}

// TestCacheApplyGapMarksStale tests gap detection on missed bars
func TestCacheApplyGapMarksStale(t *testing.T) {
	c := NewCache(100)
	base := TF1m.AlignOpen(1704067200000)

	c.Apply("ETHUSDT", TF1m, bar(base, TF1m, 100, true))
	if c.Stale("ETHUSDT", TF1m) {
		t.Fatal("fresh series should not be stale")
	}

	// skip one full bar
	c.Apply("ETHUSDT", TF1m, bar(base+2*TF1m.Millis(), TF1m, 105, false))
	if !c.Stale("ETHUSDT", TF1m) {
		t.Error("series with a missed bar should be stale")
	}

	// backfill clears the flag
	c.SetSeries("ETHUSDT", TF1m, []Kline{
		bar(base, TF1m, 100, true),
		bar(base+TF1m.Millis(), TF1m, 102, true),
		bar(base+2*TF1m.Millis(), TF1m, 105, false),
	})
	if c.Stale("ETHUSDT", TF1m) {
		t.Error("backfilled series should not be stale")
	}
}

// TestCacheApplyDropsOutOfOrder tests that older bars are ignored
func TestCacheApplyDropsOutOfOrder(t *testing.T) {
	c := NewCache(100)
	base := TF1m.AlignOpen(1704067200000)

	c.Apply("BTCUSDT", TF1m, bar(base+TF1m.Millis(), TF1m, 101, false))
	c.Apply("BTCUSDT", TF1m, bar(base, TF1m, 99, true))

	got, _ := c.Snapshot("BTCUSDT", TF1m, 0)
	if len(got) != 1 {
		t.Fatalf("expected stale bar to be dropped, have %d bars", len(got))
	}
	if got[0].OpenTime != base+TF1m.Millis() {
		t.Errorf("wrong surviving bar: open %d", got[0].OpenTime)
	}
}

// TestCacheTrimsToLimit tests the bounded window
func TestCacheTrimsToLimit(t *testing.T) {
	c := NewCache(3)
	base := TF1m.AlignOpen(1704067200000)

	for i := int64(0); i < 6; i++ {
		c.Apply("BTCUSDT", TF1m, bar(base+i*TF1m.Millis(), TF1m, float64(100+i), true))
	}

	got, _ := c.Snapshot("BTCUSDT", TF1m, 0)
	if len(got) != 3 {
		t.Fatalf("expected window trimmed to 3, got %d", len(got))
	}
	if got[0].OpenTime != base+3*TF1m.Millis() {
		t.Errorf("expected oldest bars evicted, window starts at %d", got[0].OpenTime)
	}

	// SetSeries also respects the limit
	many := make([]Kline, 10)
	for i := range many {
		many[i] = bar(base+int64(i)*TF1m.Millis(), TF1m, float64(i), true)
	}
	c.SetSeries("ETHUSDT", TF1m, many)
	got, _ = c.Snapshot("ETHUSDT", TF1m, 0)
	if len(got) != 3 {
		t.Errorf("SetSeries should trim to limit, got %d bars", len(got))
	}
}

// TestCacheSnapshotLimit tests the read-side limit handling
func TestCacheSnapshotLimit(t *testing.T) {
	c := NewCache(100)
	base := TF1m.AlignOpen(1704067200000)
	for i := int64(0); i < 5; i++ {
		c.Apply("BTCUSDT", TF1m, bar(base+i*TF1m.Millis(), TF1m, float64(100+i), true))
	}

	got, _ := c.Snapshot("BTCUSDT", TF1m, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 most recent bars, got %d", len(got))
	}
	if got[1].Close != 104 {
		t.Errorf("expected newest close 104, got %f", got[1].Close)
	}

	// limit larger than the window returns everything
	got, _ = c.Snapshot("BTCUSDT", TF1m, 50)
	if len(got) != 5 {
		t.Errorf("oversized limit should return full window, got %d", len(got))
	}

	// zero or negative means the full window at this layer
	got, _ = c.Snapshot("BTCUSDT", TF1m, 0)
	if len(got) != 5 {
		t.Errorf("limit 0 should return full window, got %d", len(got))
	}

	if _, ok := c.Snapshot("NOPEUSDT", TF1m, 10); ok {
		t.Error("unknown symbol should miss")
	}

	hits, misses := c.Stats()
	if hits == 0 || misses == 0 {
		t.Errorf("expected both hits and misses recorded, got %d/%d", hits, misses)
	}
}

// TestCacheSnapshotIsCopy tests that callers cannot mutate the cached series
func TestCacheSnapshotIsCopy(t *testing.T) {
	c := NewCache(100)
	base := TF1m.AlignOpen(1704067200000)
	c.Apply("BTCUSDT", TF1m, bar(base, TF1m, 100, true))

	got, _ := c.Snapshot("BTCUSDT", TF1m, 0)
	got[0].Close = 999

	again, _ := c.Snapshot("BTCUSDT", TF1m, 0)
	if again[0].Close != 100 {
		t.Errorf("snapshot mutation leaked into cache: close %f", again[0].Close)
	}
}

// TestCacheOnClose tests the closed-bar callback
func TestCacheOnClose(t *testing.T) {
	c := NewCache(100)
	base := TF1m.AlignOpen(1704067200000)

	var mu sync.Mutex
	var fired []int64
	c.OnClose(func(symbol string, tf Timeframe, k Kline) {
		// the handler may touch the cache without deadlocking
		c.Snapshot(symbol, tf, 1)
		mu.Lock()
		fired = append(fired, k.OpenTime)
		mu.Unlock()
	})

	c.Apply("BTCUSDT", TF1m, bar(base, TF1m, 100, false))
	c.Apply("BTCUSDT", TF1m, bar(base, TF1m, 101, true))
	c.Apply("BTCUSDT", TF1m, bar(base+TF1m.Millis(), TF1m, 102, false))

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 {
		t.Fatalf("expected exactly 1 close event, got %d", len(fired))
	}
	if fired[0] != base {
		t.Errorf("close event for wrong bar: %d", fired[0])
	}
}

// TestCacheTickers tests ticker storage and symbol drop
func TestCacheTickers(t *testing.T) {
	c := NewCache(100)
	c.SetTicker("BTCUSDT", Ticker{LastPrice: 43000, PriceChangePercent: 2.1, QuoteVolume: 9e8})

	tk, ok := c.TickerOf("BTCUSDT")
	if !ok || tk.LastPrice != 43000 {
		t.Fatalf("TickerOf returned %v %v", tk, ok)
	}

	base := TF1m.AlignOpen(1704067200000)
	c.Apply("BTCUSDT", TF1m, bar(base, TF1m, 100, true))
	c.Apply("BTCUSDT", TF5m, bar(TF5m.AlignOpen(base), TF5m, 100, true))

	c.Drop("BTCUSDT")
	if _, ok := c.TickerOf("BTCUSDT"); ok {
		t.Error("ticker should be gone after Drop")
	}
	if c.Has("BTCUSDT", TF1m) || c.Has("BTCUSDT", TF5m) {
		t.Error("series should be gone after Drop")
	}
}
