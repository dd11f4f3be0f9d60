package market

import (
	"fmt"
	"time"
)

// Timeframe identifies a canonical candlestick duration ("1m", "15m", ...).
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF2h  Timeframe = "2h"
	TF4h  Timeframe = "4h"
	TF6h  Timeframe = "6h"
	TF8h  Timeframe = "8h"
	TF12h Timeframe = "12h"
	TF1d  Timeframe = "1d"
	TF3d  Timeframe = "3d"
	TF1w  Timeframe = "1w"
)

var timeframeMillis = map[Timeframe]int64{
	TF1m:  60_000,
	TF3m:  180_000,
	TF5m:  300_000,
	TF15m: 900_000,
	TF30m: 1_800_000,
	TF1h:  3_600_000,
	TF2h:  7_200_000,
	TF4h:  14_400_000,
	TF6h:  21_600_000,
	TF8h:  28_800_000,
	TF12h: 43_200_000,
	TF1d:  86_400_000,
	TF3d:  259_200_000,
	TF1w:  604_800_000,
}

// ordered list used for deterministic iteration and API output
var allTimeframes = []Timeframe{
	TF1m, TF3m, TF5m, TF15m, TF30m, TF1h, TF2h, TF4h, TF6h, TF8h, TF12h, TF1d, TF3d, TF1w,
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeMillis[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Valid reports whether the timeframe is a known one.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeMillis[tf]
	return ok
}

// Millis returns the bar duration in milliseconds, 0 for unknown timeframes.
func (tf Timeframe) Millis() int64 {
	return timeframeMillis[tf]
}

// Duration returns the bar duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Millis()) * time.Millisecond
}

func (tf Timeframe) String() string { return string(tf) }

// AlignOpen floors a millisecond timestamp to the open time of the bar
// containing it.
func (tf Timeframe) AlignOpen(ts int64) int64 {
	ms := tf.Millis()
	if ms == 0 {
		return ts
	}
	return ts - ts%ms
}

// KnownTimeframes returns all timeframes in ascending duration order.
func KnownTimeframes() []Timeframe {
	out := make([]Timeframe, len(allTimeframes))
	copy(out, allTimeframes)
	return out
}
