package market

// Kline is a single OHLCV bar. OpenTime and CloseTime are unix milliseconds
// and adjacent closed bars of one series satisfy
// klines[i+1].OpenTime == klines[i].CloseTime.
type Kline struct {
	OpenTime                 int64   `json:"openTime"`
	Open                     float64 `json:"open"`
	High                     float64 `json:"high"`
	Low                      float64 `json:"low"`
	Close                    float64 `json:"close"`
	Volume                   float64 `json:"volume"`
	CloseTime                int64   `json:"closeTime"`
	QuoteAssetVolume         float64 `json:"quoteAssetVolume"`
	NumberOfTrades           int64   `json:"numberOfTrades"`
	TakerBuyBaseAssetVolume  float64 `json:"takerBuyBaseAssetVolume"`
	TakerBuyQuoteAssetVolume float64 `json:"takerBuyQuoteAssetVolume"`
	Closed                   bool    `json:"closed"`
}

// Ticker is the rolling 24h statistics snapshot attached to filter input.
type Ticker struct {
	LastPrice          float64 `json:"lastPrice"`
	PriceChangePercent float64 `json:"priceChangePercent"`
	QuoteVolume        float64 `json:"quoteVolume"`
}

// TickerStat is the per-symbol 24h statistics row used for universe
// selection. It carries the symbol so a batch of stats can be ranked.
type TickerStat struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"lastPrice"`
	PriceChangePercent float64 `json:"priceChangePercent"`
	QuoteVolume        float64 `json:"quoteVolume"`
}

// Ticker converts the stat row to the filter-facing ticker shape.
func (s TickerStat) Ticker() Ticker {
	return Ticker{
		LastPrice:          s.LastPrice,
		PriceChangePercent: s.PriceChangePercent,
		QuoteVolume:        s.QuoteVolume,
	}
}

// Data is the per-symbol snapshot handed to a filter run. Klines maps a
// timeframe string ("5m", "1h") to its series ordered oldest first; every
// timeframe the trader subscribes to is present.
type Data struct {
	Symbol    string             `json:"symbol"`
	Ticker    Ticker             `json:"ticker"`
	Klines    map[string][]Kline `json:"klines"`
	Timestamp int64              `json:"timestamp"`
}

// Series returns the series for tf, nil when the snapshot does not carry it.
func (d Data) Series(tf Timeframe) []Kline {
	return d.Klines[tf.String()]
}

// LastClose returns the close of the newest bar on tf, 0 when the series is
// absent or empty.
func (d Data) LastClose(tf Timeframe) float64 {
	s := d.Klines[tf.String()]
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1].Close
}
