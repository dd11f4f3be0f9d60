package trader

import "signal-screener/internal/database"

// BuiltinTraders returns the system-owned trader definitions seeded at
// boot. Seeding never overwrites existing rows, so operators can disable
// or retune them and the change sticks across restarts.
func BuiltinTraders() []*database.Trader {
	return []*database.Trader{
		{
			ID:      "builtin-rsi-oversold",
			Name:    "RSI Oversold",
			Enabled: true,
			FilterSource: `rsi, ok := indicators.RSI(data.Klines["5m"], 14)
if !ok {
	return false
}
return rsi < 30`,
			FilterTimeframes:  []string{"5m"},
			Schedule:          "5m",
			DedupeBars:        50,
			Tier:              "elite",
			MatchedConditions: []string{"RSI(14) below 30"},
		},
		{
			ID:      "builtin-volume-spike",
			Name:    "Volume Spike",
			Enabled: false,
			FilterSource: `avg, ok := indicators.AverageVolume(data.Klines["15m"], 20)
if !ok || avg == 0 {
	return false
}
vol, ok := indicators.LatestVolume(data.Klines["15m"])
if !ok {
	return false
}
return vol > avg*3`,
			FilterTimeframes:  []string{"15m"},
			Schedule:          "15m",
			DedupeBars:        20,
			Tier:              "elite",
			MatchedConditions: []string{"volume above 3x 20-bar average"},
		},
		{
			ID:      "builtin-macd-momentum",
			Name:    "MACD Momentum",
			Enabled: false,
			FilterSource: `_, _, hist, ok := indicators.MACD(data.Klines["1h"], 12, 26, 9)
if !ok {
	return false
}
_, _, hist4h, ok4h := indicators.MACD(data.Klines["4h"], 12, 26, 9)
if !ok4h {
	return false
}
return hist > 0 && hist4h > 0 && data.Ticker.PriceChangePercent > 0`,
			FilterTimeframes:  []string{"1h", "4h"},
			Schedule:          "1h",
			DedupeBars:        12,
			Tier:              "elite",
			MatchedConditions: []string{"MACD histogram positive on 1h and 4h", "24h change positive"},
		},
	}
}
