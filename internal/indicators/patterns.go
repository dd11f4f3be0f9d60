package indicators

import "signal-screener/internal/market"

// ============================================================================
// CANDLESTICK PATTERNS
// ============================================================================

// Engulfing inspects the last two bars and reports "bullish" when a green
// body fully engulfs the preceding red body, "bearish" for the mirror case,
// and "" otherwise or when fewer than two bars are available.
func Engulfing(klines []market.Kline) string {
	if len(klines) < 2 {
		return ""
	}
	c1 := klines[len(klines)-2]
	c2 := klines[len(klines)-1]

	// bullish: red then green, second body engulfs the first
	if c1.Close < c1.Open && c2.Close > c2.Open &&
		c2.Open <= c1.Close && c2.Close >= c1.Open {
		return "bullish"
	}

	// bearish: green then red, second body engulfs the first
	if c1.Close > c1.Open && c2.Close < c2.Open &&
		c2.Open >= c1.Close && c2.Close <= c1.Open {
		return "bearish"
	}

	return ""
}
