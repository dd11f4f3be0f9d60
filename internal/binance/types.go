package binance

import (
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"

	"signal-screener/internal/market"
)

// ticker24hr mirrors the /api/v3/ticker/24hr response row.
type ticker24hr struct {
	Symbol             string  `json:"symbol"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	LastPrice          float64 `json:"lastPrice,string"`
	Volume             float64 `json:"volume,string"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
	CloseTime          int64   `json:"closeTime"`
}

func (t ticker24hr) stat() market.TickerStat {
	return market.TickerStat{
		Symbol:             t.Symbol,
		LastPrice:          t.LastPrice,
		PriceChangePercent: t.PriceChangePercent,
		QuoteVolume:        t.QuoteVolume,
	}
}

func parseField(v interface{}) float64 {
	switch val := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	case float64:
		return val
	}
	return 0
}

// parseKlineRow converts one /api/v3/klines array row. The exchange reports
// closeTime as openTime+duration-1ms; we normalise it to the next bar's
// open time so consecutive closed bars line up exactly.
func parseKlineRow(raw []interface{}, tf market.Timeframe) (market.Kline, error) {
	if len(raw) < 11 {
		return market.Kline{}, fmt.Errorf("kline row has %d fields, want 11", len(raw))
	}
	openTime, ok := raw[0].(float64)
	if !ok {
		return market.Kline{}, fmt.Errorf("kline open time is not numeric")
	}
	trades, _ := raw[8].(float64)

	return market.Kline{
		OpenTime:                 int64(openTime),
		Open:                     parseField(raw[1]),
		High:                     parseField(raw[2]),
		Low:                      parseField(raw[3]),
		Close:                    parseField(raw[4]),
		Volume:                   parseField(raw[5]),
		CloseTime:                int64(openTime) + tf.Millis(),
		QuoteAssetVolume:         parseField(raw[7]),
		NumberOfTrades:           int64(trades),
		TakerBuyBaseAssetVolume:  parseField(raw[9]),
		TakerBuyQuoteAssetVolume: parseField(raw[10]),
		Closed:                   true,
	}, nil
}

// parseStreamKline extracts a kline update from a websocket event. ok is
// false for non-kline frames such as subscribe acknowledgements.
func parseStreamKline(msg []byte) (symbol string, tf market.Timeframe, k market.Kline, ok bool) {
	if gjson.GetBytes(msg, "e").String() != "kline" {
		return "", "", market.Kline{}, false
	}
	kd := gjson.GetBytes(msg, "k")
	if !kd.Exists() {
		return "", "", market.Kline{}, false
	}

	tf, err := market.ParseTimeframe(kd.Get("i").String())
	if err != nil {
		return "", "", market.Kline{}, false
	}
	symbol = kd.Get("s").String()
	if symbol == "" {
		symbol = gjson.GetBytes(msg, "s").String()
	}
	if symbol == "" {
		return "", "", market.Kline{}, false
	}

	openTime := kd.Get("t").Int()
	k = market.Kline{
		OpenTime:                 openTime,
		Open:                     kd.Get("o").Float(),
		High:                     kd.Get("h").Float(),
		Low:                      kd.Get("l").Float(),
		Close:                    kd.Get("c").Float(),
		Volume:                   kd.Get("v").Float(),
		CloseTime:                openTime + tf.Millis(),
		QuoteAssetVolume:         kd.Get("q").Float(),
		NumberOfTrades:           kd.Get("n").Int(),
		TakerBuyBaseAssetVolume:  kd.Get("V").Float(),
		TakerBuyQuoteAssetVolume: kd.Get("Q").Float(),
		Closed:                   kd.Get("x").Bool(),
	}
	return symbol, tf, k, true
}
