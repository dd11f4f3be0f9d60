package binance

import (
	"sync"

	"signal-screener/internal/market"
)

// subscriptionSet refcounts the timeframes traders currently need so the
// stream fan-out follows demand instead of subscribing everything.
type subscriptionSet struct {
	mu  sync.Mutex
	tfs map[market.Timeframe]int
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{tfs: make(map[market.Timeframe]int)}
}

// acquire bumps the refcount and reports whether this was the first holder.
func (s *subscriptionSet) acquire(tf market.Timeframe) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tfs[tf]++
	return s.tfs[tf] == 1
}

// release drops the refcount and reports whether the timeframe is now
// unused.
func (s *subscriptionSet) release(tf market.Timeframe) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.tfs[tf]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(s.tfs, tf)
		return true
	}
	s.tfs[tf] = n - 1
	return false
}

// active returns every timeframe with at least one holder.
func (s *subscriptionSet) active() []market.Timeframe {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]market.Timeframe, 0, len(s.tfs))
	for tf := range s.tfs {
		out = append(out, tf)
	}
	return out
}
