package market

import (
	"fmt"
	"testing"
)

// TestSymbolTrackerSelection tests quote filtering, volume floor and ranking
func TestSymbolTrackerSelection(t *testing.T) {
	tr := NewSymbolTracker("USDT", 3, 1_000_000, []string{"SCAMUSDT"})

	stats := []TickerStat{
		{Symbol: "BTCUSDT", QuoteVolume: 9_000_000},
		{Symbol: "ETHUSDT", QuoteVolume: 7_000_000},
		{Symbol: "SOLUSDT", QuoteVolume: 5_000_000},
		{Symbol: "DOGEUSDT", QuoteVolume: 3_000_000}, // ranked below top 3
		{Symbol: "SCAMUSDT", QuoteVolume: 8_000_000}, // excluded
		{Symbol: "BTCEUR", QuoteVolume: 9_999_999},   // wrong quote asset
		{Symbol: "DUSTUSDT", QuoteVolume: 10},        // below volume floor
	}

	added, removed := tr.Update(stats)
	if len(removed) != 0 {
		t.Errorf("first update should remove nothing, removed %v", removed)
	}
	if len(added) != 3 {
		t.Fatalf("expected 3 added, got %v", added)
	}

	active := tr.Active()
	want := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	for i, s := range want {
		if active[i] != s {
			t.Errorf("active[%d] = %s, want %s", i, active[i], s)
		}
	}
	if tr.Contains("SCAMUSDT") {
		t.Error("excluded symbol must never be tracked")
	}
	if tr.Contains("DOGEUSDT") {
		t.Error("symbol outside top N must not be tracked")
	}
}

// TestSymbolTrackerDiff tests added/removed reporting across updates
func TestSymbolTrackerDiff(t *testing.T) {
	tr := NewSymbolTracker("USDT", 2, 0, nil)

	tr.Update([]TickerStat{
		{Symbol: "BTCUSDT", QuoteVolume: 100},
		{Symbol: "ETHUSDT", QuoteVolume: 90},
	})

	// SOL overtakes ETH
	added, removed := tr.Update([]TickerStat{
		{Symbol: "BTCUSDT", QuoteVolume: 100},
		{Symbol: "ETHUSDT", QuoteVolume: 50},
		{Symbol: "SOLUSDT", QuoteVolume: 80},
	})

	if len(added) != 1 || added[0] != "SOLUSDT" {
		t.Errorf("expected SOLUSDT added, got %v", added)
	}
	if len(removed) != 1 || removed[0] != "ETHUSDT" {
		t.Errorf("expected ETHUSDT removed, got %v", removed)
	}
	if tr.Count() != 2 {
		t.Errorf("expected universe of 2, got %d", tr.Count())
	}
}

// TestSymbolTrackerTieBreak tests deterministic ordering on equal volume
func TestSymbolTrackerTieBreak(t *testing.T) {
	tr := NewSymbolTracker("USDT", 2, 0, nil)
	tr.Update([]TickerStat{
		{Symbol: "BBBUSDT", QuoteVolume: 100},
		{Symbol: "AAAUSDT", QuoteVolume: 100},
		{Symbol: "CCCUSDT", QuoteVolume: 100},
	})

	active := tr.Active()
	if active[0] != "AAAUSDT" || active[1] != "BBBUSDT" {
		t.Errorf("equal volumes should rank alphabetically, got %v", active)
	}
}

// TestSymbolTrackerCapacity tests the max universe size under load
func TestSymbolTrackerCapacity(t *testing.T) {
	tr := NewSymbolTracker("USDT", 50, 0, nil)
	stats := make([]TickerStat, 200)
	for i := range stats {
		stats[i] = TickerStat{
			Symbol:      fmt.Sprintf("SYM%03dUSDT", i),
			QuoteVolume: float64(i),
		}
	}
	tr.Update(stats)
	if tr.Count() != 50 {
		t.Errorf("expected capped universe of 50, got %d", tr.Count())
	}
	// highest volume symbol must be first
	if tr.Active()[0] != "SYM199USDT" {
		t.Errorf("expected SYM199USDT first, got %s", tr.Active()[0])
	}
}
