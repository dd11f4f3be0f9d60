// Package events carries the engine's internal pub/sub topics. Publishers
// never block on slow consumers; candle handlers run serially per
// subscriber so bar order is preserved, display-side handlers run loose.
package events

import (
	"time"

	evbus "github.com/asaskevich/EventBus"

	"signal-screener/internal/market"
)

const (
	topicCandleClosed  = "candle.closed"
	topicSignalCreated = "signal.created"
	topicTraderState   = "trader.state"
)

// CandleClosed is published once per committed closed bar.
type CandleClosed struct {
	Symbol    string
	Timeframe market.Timeframe
	OpenTime  int64
	CloseTime int64
	Close     float64
}

// SignalCreated is published after a signal row is persisted, for both new
// rows and dedup count bumps.
type SignalCreated struct {
	SignalID  string
	TraderID  string
	Symbol    string
	Timeframe market.Timeframe
	Price     float64
	Count     int
	Fresh     bool // false when dedup bumped an existing row
	At        time.Time
}

// TraderStateChanged is published on every state machine transition.
type TraderStateChanged struct {
	TraderID string
	From     string
	To       string
	At       time.Time
}

// Bus wraps the process-local event bus with typed topics.
type Bus struct {
	inner evbus.Bus
}

// NewBus builds an empty bus.
func NewBus() *Bus {
	return &Bus{inner: evbus.New()}
}

// PublishCandleClosed fans a closed bar out to subscribers.
func (b *Bus) PublishCandleClosed(ev CandleClosed) {
	b.inner.Publish(topicCandleClosed, ev)
}

// SubscribeCandleClosed registers a handler that receives closed bars in
// publish order.
func (b *Bus) SubscribeCandleClosed(fn func(CandleClosed)) error {
	return b.inner.SubscribeAsync(topicCandleClosed, fn, true)
}

// PublishSignalCreated announces a persisted signal.
func (b *Bus) PublishSignalCreated(ev SignalCreated) {
	b.inner.Publish(topicSignalCreated, ev)
}

// SubscribeSignalCreated registers a handler for persisted signals.
func (b *Bus) SubscribeSignalCreated(fn func(SignalCreated)) error {
	return b.inner.SubscribeAsync(topicSignalCreated, fn, false)
}

// PublishTraderState announces a lifecycle transition.
func (b *Bus) PublishTraderState(ev TraderStateChanged) {
	b.inner.Publish(topicTraderState, ev)
}

// SubscribeTraderState registers a handler for lifecycle transitions.
func (b *Bus) SubscribeTraderState(fn func(TraderStateChanged)) error {
	return b.inner.SubscribeAsync(topicTraderState, fn, false)
}

// Wait blocks until all in-flight async handlers return. Used on shutdown
// and in tests.
func (b *Bus) Wait() {
	b.inner.WaitAsync()
}
