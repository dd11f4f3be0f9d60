// Package indicators is the fixed function library exposed to filter
// snippets. Every function is pure and side-effect free: it reads a kline
// slice ordered oldest first and reports its result with a comma-ok no-value
// flag instead of panicking or returning NaN on short or degenerate input.
package indicators

import (
	"math"

	"signal-screener/internal/market"
)

// MinBars is the minimum series length the scheduler guarantees before a
// filter runs. Filters may assume at least this many bars on the primary
// timeframe; longer-period indicators still report no-value individually.
const MinBars = 50

// ============================================================================
// PRICE / VOLUME SELECTORS
// ============================================================================

// LatestClose returns the close of the most recent bar.
func LatestClose(klines []market.Kline) (float64, bool) {
	if len(klines) == 0 {
		return 0, false
	}
	return klines[len(klines)-1].Close, true
}

// LatestHigh returns the high of the most recent bar.
func LatestHigh(klines []market.Kline) (float64, bool) {
	if len(klines) == 0 {
		return 0, false
	}
	return klines[len(klines)-1].High, true
}

// LatestLow returns the low of the most recent bar.
func LatestLow(klines []market.Kline) (float64, bool) {
	if len(klines) == 0 {
		return 0, false
	}
	return klines[len(klines)-1].Low, true
}

// LatestVolume returns the base-asset volume of the most recent bar.
func LatestVolume(klines []market.Kline) (float64, bool) {
	if len(klines) == 0 {
		return 0, false
	}
	return klines[len(klines)-1].Volume, true
}

func closes(klines []market.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA returns the simple moving average of the last period closes.
func SMA(klines []market.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}
	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Close
	}
	return sum / float64(period), true
}

// SMASeries returns one SMA value per bar starting at the first bar with a
// full window, so the result has len(klines)-period+1 entries.
func SMASeries(klines []market.Kline, period int) ([]float64, bool) {
	if period <= 0 || len(klines) < period {
		return nil, false
	}
	prices := closes(klines)
	out := make([]float64, 0, len(prices)-period+1)
	sum := 0.0
	for i, p := range prices {
		sum += p
		if i >= period {
			sum -= prices[i-period]
		}
		if i >= period-1 {
			out = append(out, sum/float64(period))
		}
	}
	return out, true
}

func emaSeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	// seed with the SMA of the first window
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)

	k := 2.0 / float64(period+1)
	out := make([]float64, 0, len(values)-period+1)
	out = append(out, seed)
	ema := seed
	for _, v := range values[period:] {
		ema = v*k + ema*(1-k)
		out = append(out, ema)
	}
	return out
}

// EMA returns the exponential moving average of the closes, seeded with the
// SMA of the first window.
func EMA(klines []market.Kline, period int) (float64, bool) {
	s := emaSeries(closes(klines), period)
	if s == nil {
		return 0, false
	}
	return s[len(s)-1], true
}

// EMASeries returns the EMA value series, len(klines)-period+1 entries.
func EMASeries(klines []market.Kline, period int) ([]float64, bool) {
	s := emaSeries(closes(klines), period)
	if s == nil {
		return nil, false
	}
	return s, true
}

// ============================================================================
// MOMENTUM
// ============================================================================

// rsiSeries computes Wilder-smoothed RSI values, one per bar starting at
// index period. ok is false on short input or when a window is completely
// flat, where 0/0 leaves RSI undefined.
func rsiSeries(prices []float64, period int) ([]float64, bool) {
	if period <= 0 || len(prices) < period+1 {
		return nil, false
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss += -change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	out := make([]float64, 0, len(prices)-period)
	emit := func() bool {
		switch {
		case avgLoss > 0:
			rs := avgGain / avgLoss
			out = append(out, 100-100/(1+rs))
		case avgGain > 0:
			out = append(out, 100)
		default:
			return false
		}
		return true
	}
	if !emit() {
		return nil, false
	}

	for i := period + 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		if !emit() {
			return nil, false
		}
	}
	return out, true
}

// RSI returns the latest Wilder RSI. Needs period+1 bars.
func RSI(klines []market.Kline, period int) (float64, bool) {
	s, ok := rsiSeries(closes(klines), period)
	if !ok {
		return 0, false
	}
	return s[len(s)-1], true
}

// RSISeries returns Wilder RSI values, one per bar from index period on.
func RSISeries(klines []market.Kline, period int) ([]float64, bool) {
	return rsiSeries(closes(klines), period)
}

// macdSeries aligns all three lines to the signal line. Needs
// slow+signal-1 bars.
func macdSeries(prices []float64, fast, slow, signal int) (macdLine, signalLine, histogram []float64, ok bool) {
	if fast <= 0 || slow <= fast || signal <= 0 {
		return nil, nil, nil, false
	}
	if len(prices) < slow+signal-1 {
		return nil, nil, nil, false
	}

	fastEMA := emaSeries(prices, fast) // values from bar fast-1
	slowEMA := emaSeries(prices, slow) // values from bar slow-1

	// macd values exist from bar slow-1
	macd := make([]float64, len(slowEMA))
	offset := len(fastEMA) - len(slowEMA)
	for i := range slowEMA {
		macd[i] = fastEMA[i+offset] - slowEMA[i]
	}

	sig := emaSeries(macd, signal)
	if sig == nil {
		return nil, nil, nil, false
	}
	macd = macd[len(macd)-len(sig):]

	hist := make([]float64, len(sig))
	for i := range sig {
		hist[i] = macd[i] - sig[i]
	}
	return macd, sig, hist, true
}

// MACD returns the latest MACD line, signal line and histogram values for
// the (fast, slow, signal) periods. Needs slow+signal-1 bars.
func MACD(klines []market.Kline, fast, slow, signal int) (macd, sig, hist float64, ok bool) {
	m, s, h, ok := macdSeries(closes(klines), fast, slow, signal)
	if !ok {
		return 0, 0, 0, false
	}
	return m[len(m)-1], s[len(s)-1], h[len(h)-1], true
}

// MACDSeries returns the three MACD lines aligned to the signal line.
func MACDSeries(klines []market.Kline, fast, slow, signal int) (macdLine, signalLine, histogram []float64, ok bool) {
	return macdSeries(closes(klines), fast, slow, signal)
}

// Stochastic returns the latest %K and %D of the stochastic oscillator.
// %D is the SMA of the last dPeriod %K values, so kPeriod+dPeriod-1 bars
// are required. A window whose high equals its low leaves %K undefined and
// yields no-value.
func Stochastic(klines []market.Kline, kPeriod, dPeriod int) (k, d float64, ok bool) {
	if kPeriod <= 0 || dPeriod <= 0 || len(klines) < kPeriod+dPeriod-1 {
		return 0, 0, false
	}

	kValues := make([]float64, 0, dPeriod)
	for j := len(klines) - dPeriod; j < len(klines); j++ {
		hh := klines[j].High
		ll := klines[j].Low
		for i := j - kPeriod + 1; i <= j; i++ {
			if klines[i].High > hh {
				hh = klines[i].High
			}
			if klines[i].Low < ll {
				ll = klines[i].Low
			}
		}
		if hh == ll {
			return 0, 0, false
		}
		kValues = append(kValues, (klines[j].Close-ll)/(hh-ll)*100)
	}

	sum := 0.0
	for _, v := range kValues {
		sum += v
	}
	return kValues[len(kValues)-1], sum / float64(dPeriod), true
}

// ============================================================================
// VOLATILITY
// ============================================================================

// BollingerBands returns the latest (upper, middle, lower) band for the
// period and standard deviation multiplier. A flat window yields a
// zero-width band, never NaN.
func BollingerBands(klines []market.Kline, period int, stdDevMultiplier float64) (upper, middle, lower float64, ok bool) {
	middle, ok = SMA(klines, period)
	if !ok {
		return 0, 0, 0, false
	}
	variance := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		diff := klines[i].Close - middle
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))
	return middle + stdDev*stdDevMultiplier, middle, middle - stdDev*stdDevMultiplier, true
}

func trueRange(cur, prev market.Kline) float64 {
	return math.Max(cur.High-cur.Low,
		math.Max(math.Abs(cur.High-prev.Close), math.Abs(cur.Low-prev.Close)))
}

// atrSeries returns Wilder-smoothed ATR values, one per bar starting at
// index period. Needs period+1 bars.
func atrSeries(klines []market.Kline, period int) []float64 {
	if period <= 0 || len(klines) < period+1 {
		return nil
	}
	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += trueRange(klines[i], klines[i-1])
	}
	atr /= float64(period)

	out := make([]float64, 0, len(klines)-period)
	out = append(out, atr)
	for i := period + 1; i < len(klines); i++ {
		atr = (atr*float64(period-1) + trueRange(klines[i], klines[i-1])) / float64(period)
		out = append(out, atr)
	}
	return out
}

// ATR returns the latest Wilder average true range. Needs period+1 bars.
func ATR(klines []market.Kline, period int) (float64, bool) {
	s := atrSeries(klines, period)
	if s == nil {
		return 0, false
	}
	return s[len(s)-1], true
}

// SuperTrend returns the latest SuperTrend line value and trend direction,
// +1 while price holds above the lower band and -1 below the upper band.
func SuperTrend(klines []market.Kline, period int, multiplier float64) (value float64, direction int, ok bool) {
	atrs := atrSeries(klines, period)
	if atrs == nil {
		return 0, 0, false
	}

	var upper, lower, st float64
	dir := 1
	for i := period; i < len(klines); i++ {
		mid := (klines[i].High + klines[i].Low) / 2
		atr := atrs[i-period]
		basicUpper := mid + multiplier*atr
		basicLower := mid - multiplier*atr

		if i == period {
			upper, lower = basicUpper, basicLower
			if klines[i].Close <= mid {
				dir = -1
			}
		} else {
			if basicUpper < upper || klines[i-1].Close > upper {
				upper = basicUpper
			}
			if basicLower > lower || klines[i-1].Close < lower {
				lower = basicLower
			}
			if dir == 1 && klines[i].Close < lower {
				dir = -1
			} else if dir == -1 && klines[i].Close > upper {
				dir = 1
			}
		}

		if dir == 1 {
			st = lower
		} else {
			st = upper
		}
	}
	return st, dir, true
}

// ============================================================================
// VOLUME
// ============================================================================

// OBV returns the cumulative on-balance volume over the slice, anchored at
// zero on the first bar. Needs at least two bars.
func OBV(klines []market.Kline) (float64, bool) {
	if len(klines) < 2 {
		return 0, false
	}
	obv := 0.0
	for i := 1; i < len(klines); i++ {
		switch {
		case klines[i].Close > klines[i-1].Close:
			obv += klines[i].Volume
		case klines[i].Close < klines[i-1].Close:
			obv -= klines[i].Volume
		}
	}
	return obv, true
}

// VWAP returns the volume-weighted average price anchored at the start of
// the slice, using (high+low+close)/3 as the typical price. A slice with
// zero total volume yields no-value.
func VWAP(klines []market.Kline) (float64, bool) {
	if len(klines) == 0 {
		return 0, false
	}
	pv, vol := 0.0, 0.0
	for _, k := range klines {
		typical := (k.High + k.Low + k.Close) / 3
		pv += typical * k.Volume
		vol += k.Volume
	}
	if vol == 0 {
		return 0, false
	}
	return pv / vol, true
}

// AverageVolume returns the mean base-asset volume of the last period bars.
func AverageVolume(klines []market.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}
	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Volume
	}
	return sum / float64(period), true
}

// ============================================================================
// RANGE
// ============================================================================

// HighestHigh returns the maximum high of the last period bars.
func HighestHigh(klines []market.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}
	hh := klines[len(klines)-period].High
	for i := len(klines) - period; i < len(klines); i++ {
		if klines[i].High > hh {
			hh = klines[i].High
		}
	}
	return hh, true
}

// LowestLow returns the minimum low of the last period bars.
func LowestLow(klines []market.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}
	ll := klines[len(klines)-period].Low
	for i := len(klines) - period; i < len(klines); i++ {
		if klines[i].Low < ll {
			ll = klines[i].Low
		}
	}
	return ll, true
}

// ============================================================================
// UTILITIES
// ============================================================================

// PercentChange returns the percentage move from one value to another.
// A zero base yields no-value.
func PercentChange(from, to float64) (float64, bool) {
	if from == 0 {
		return 0, false
	}
	return (to - from) / from * 100, true
}
