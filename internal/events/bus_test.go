package events

import (
	"sync"
	"testing"
	"time"

	"signal-screener/internal/market"
)

// TestCandleClosedOrdering tests that one subscriber sees bars in publish order
func TestCandleClosedOrdering(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var got []int64
	err := bus.SubscribeCandleClosed(func(ev CandleClosed) {
		mu.Lock()
		got = append(got, ev.OpenTime)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for i := int64(0); i < 20; i++ {
		bus.PublishCandleClosed(CandleClosed{
			Symbol:    "BTCUSDT",
			Timeframe: market.TF1m,
			OpenTime:  i,
		})
	}
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 20 {
		t.Fatalf("expected 20 events, got %d", len(got))
	}
	for i := int64(0); i < 20; i++ {
		if got[i] != i {
			t.Fatalf("events out of order at %d: %v", i, got)
		}
	}
}

// TestSignalCreatedFanOut tests multiple subscribers on one topic
func TestSignalCreatedFanOut(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	seen := make(map[string]int)
	for _, name := range []string{"a", "b"} {
		name := name
		if err := bus.SubscribeSignalCreated(func(ev SignalCreated) {
			mu.Lock()
			seen[name]++
			mu.Unlock()
		}); err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
	}

	bus.PublishSignalCreated(SignalCreated{SignalID: "s1", TraderID: "t1", At: time.Now()})
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	if seen["a"] != 1 || seen["b"] != 1 {
		t.Errorf("expected both subscribers to fire once, got %v", seen)
	}
}
