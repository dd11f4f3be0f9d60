package cache

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"signal-screener/internal/database"
)

// TestDisabledCacheDegradesToMiss tests that a cache built without Redis
// reports misses and swallows writes instead of panicking.
func TestDisabledCacheDegradesToMiss(t *testing.T) {
	sc := NewSignalCache(Config{Enabled: false}, zerolog.Nop())
	if sc.Enabled() {
		t.Fatal("cache should be disabled")
	}

	ctx := context.Background()
	if _, ok := sc.LastSignal(ctx, "trader-1", "BTCUSDT"); ok {
		t.Error("disabled cache should always miss")
	}

	sc.StoreLastSignal(ctx, &database.Signal{TraderID: "trader-1", Symbol: "BTCUSDT"})
	sc.DropTrader(ctx, "trader-1", []string{"BTCUSDT"})
	sc.Close()
}

// TestPresenceRequiresClientAndID tests that presence opts out cleanly when
// Redis or the machine id is missing.
func TestPresenceRequiresClientAndID(t *testing.T) {
	sc := NewSignalCache(Config{Enabled: false}, zerolog.Nop())

	if p := NewPresence(sc, MachineInfo{MachineID: "m-1"}, zerolog.Nop()); p != nil {
		t.Error("presence should be nil without a redis client")
	}
	if p := NewPresence(nil, MachineInfo{MachineID: "m-1"}, zerolog.Nop()); p != nil {
		t.Error("presence should be nil without a cache")
	}

	// nil receiver methods must be safe, boot calls them unconditionally
	var p *Presence
	p.Start(context.Background())
	p.Stop()
}
