package sandbox

import (
	"reflect"

	"github.com/traefik/yaegi/interp"

	"signal-screener/internal/indicators"
	"signal-screener/internal/market"
)

// importable paths inside filter snippets; nothing else resolves
const (
	indicatorsImport = "signal-screener/internal/indicators"
	marketImport     = "signal-screener/internal/market"
)

// exports is the complete symbol surface visible to filter code. The
// interpreter carries no stdlib wrappers, so snippets have no I/O, time or
// unsafe primitives to reach for.
func exports() interp.Exports {
	return interp.Exports{
		indicatorsImport + "/indicators": {
			"MinBars": reflect.ValueOf(indicators.MinBars),

			"LatestClose":  reflect.ValueOf(indicators.LatestClose),
			"LatestHigh":   reflect.ValueOf(indicators.LatestHigh),
			"LatestLow":    reflect.ValueOf(indicators.LatestLow),
			"LatestVolume": reflect.ValueOf(indicators.LatestVolume),

			"SMA":       reflect.ValueOf(indicators.SMA),
			"SMASeries": reflect.ValueOf(indicators.SMASeries),
			"EMA":       reflect.ValueOf(indicators.EMA),
			"EMASeries": reflect.ValueOf(indicators.EMASeries),

			"RSI":        reflect.ValueOf(indicators.RSI),
			"RSISeries":  reflect.ValueOf(indicators.RSISeries),
			"MACD":       reflect.ValueOf(indicators.MACD),
			"MACDSeries": reflect.ValueOf(indicators.MACDSeries),
			"Stochastic": reflect.ValueOf(indicators.Stochastic),

			"BollingerBands": reflect.ValueOf(indicators.BollingerBands),
			"ATR":            reflect.ValueOf(indicators.ATR),
			"SuperTrend":     reflect.ValueOf(indicators.SuperTrend),

			"OBV":           reflect.ValueOf(indicators.OBV),
			"VWAP":          reflect.ValueOf(indicators.VWAP),
			"AverageVolume": reflect.ValueOf(indicators.AverageVolume),

			"HighestHigh": reflect.ValueOf(indicators.HighestHigh),
			"LowestLow":   reflect.ValueOf(indicators.LowestLow),

			"PercentChange": reflect.ValueOf(indicators.PercentChange),
			"Engulfing":     reflect.ValueOf(indicators.Engulfing),
		},
		marketImport + "/market": {
			"Data":      reflect.ValueOf((*market.Data)(nil)),
			"Kline":     reflect.ValueOf((*market.Kline)(nil)),
			"Ticker":    reflect.ValueOf((*market.Ticker)(nil)),
			"Timeframe": reflect.ValueOf((*market.Timeframe)(nil)),

			"TF1m":  reflect.ValueOf(market.TF1m),
			"TF3m":  reflect.ValueOf(market.TF3m),
			"TF5m":  reflect.ValueOf(market.TF5m),
			"TF15m": reflect.ValueOf(market.TF15m),
			"TF30m": reflect.ValueOf(market.TF30m),
			"TF1h":  reflect.ValueOf(market.TF1h),
			"TF2h":  reflect.ValueOf(market.TF2h),
			"TF4h":  reflect.ValueOf(market.TF4h),
			"TF6h":  reflect.ValueOf(market.TF6h),
			"TF8h":  reflect.ValueOf(market.TF8h),
			"TF12h": reflect.ValueOf(market.TF12h),
			"TF1d":  reflect.ValueOf(market.TF1d),
			"TF3d":  reflect.ValueOf(market.TF3d),
			"TF1w":  reflect.ValueOf(market.TF1w),
		},
	}
}
