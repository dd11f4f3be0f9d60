// Command filter-check validates and dry-runs filter snippets without a
// running engine. Point it at a snippet file to get compile errors, or add
// -run to evaluate it against generated or recorded market data.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"signal-screener/internal/market"
	"signal-screener/internal/sandbox"
)

func main() {
	var (
		run      = flag.Bool("run", false, "execute the filter after validation")
		symbol   = flag.String("symbol", "BTCUSDT", "symbol stamped on generated data")
		dataFile = flag.String("data", "", "JSON file with recorded market data (overrides generation)")
		interval = flag.String("interval", "5m", "timeframe of the generated series")
		bars     = flag.Int("bars", 250, "number of generated bars")
		timeout  = flag.Duration("timeout", sandbox.DefaultTimeout, "execution timeout")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: filter-check [flags] <snippet.go>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	source, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot read snippet: %v\n", err)
		os.Exit(1)
	}

	exec := sandbox.NewExecutor(zerolog.Nop())

	if err := exec.Validate(string(source)); err != nil {
		fmt.Printf("INVALID: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("valid")

	if !*run {
		return
	}

	tf, err := market.ParseTimeframe(*interval)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad interval: %v\n", err)
		os.Exit(1)
	}

	data, err := loadData(*dataFile, strings.ToUpper(*symbol), tf, *bars)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot load market data: %v\n", err)
		os.Exit(1)
	}

	prog, err := exec.Compile(string(source))
	if err != nil {
		fmt.Printf("COMPILE FAILED: %v\n", err)
		os.Exit(1)
	}

	start := time.Now()
	matched, err := exec.Execute(context.Background(), prog, data, *timeout)
	elapsed := time.Since(start).Round(time.Microsecond)
	if err != nil {
		fmt.Printf("EXECUTION FAILED after %s: %v\n", elapsed, err)
		os.Exit(1)
	}

	if matched {
		fmt.Printf("MATCH    %s  last close %.4f  (%s)\n", data.Symbol, data.LastClose(tf), elapsed)
	} else {
		fmt.Printf("NO MATCH %s  last close %.4f  (%s)\n", data.Symbol, data.LastClose(tf), elapsed)
	}
}

// loadData reads a recorded snapshot when path is set, otherwise generates a
// deterministic series so filter logic can be exercised offline.
func loadData(path, symbol string, tf market.Timeframe, bars int) (market.Data, error) {
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return market.Data{}, err
		}
		var data market.Data
		if err := json.Unmarshal(raw, &data); err != nil {
			return market.Data{}, err
		}
		if data.Symbol == "" {
			data.Symbol = symbol
		}
		if data.Klines == nil {
			data.Klines = map[string][]market.Kline{}
		}
		if data.Timestamp == 0 {
			data.Timestamp = time.Now().UnixMilli()
		}
		return data, nil
	}
	return synthData(symbol, tf, bars), nil
}

// synthData builds a gentle uptrend with a sine wobble, enough structure for
// moving averages, RSI and crossover checks to produce sensible values.
func synthData(symbol string, tf market.Timeframe, bars int) market.Data {
	if bars < 2 {
		bars = 2
	}
	step := tf.Millis()
	end := tf.AlignOpen(time.Now().UnixMilli())
	first := end - int64(bars)*step

	klines := make([]market.Kline, 0, bars)
	price := 100.0
	for i := 0; i < bars; i++ {
		drift := 0.05
		wobble := 1.5 * math.Sin(float64(i)/9)
		open := price
		close := 100 + float64(i)*drift + wobble
		high := math.Max(open, close) + 0.4
		low := math.Min(open, close) - 0.4
		volume := 1000 + 250*math.Abs(math.Sin(float64(i)/5))

		openTime := first + int64(i)*step
		klines = append(klines, market.Kline{
			OpenTime:         openTime,
			Open:             open,
			High:             high,
			Low:              low,
			Close:            close,
			Volume:           volume,
			CloseTime:        openTime + step,
			QuoteAssetVolume: volume * close,
			NumberOfTrades:   int64(50 + i%40),
			Closed:           true,
		})
		price = close
	}

	last := klines[len(klines)-1]
	return market.Data{
		Symbol: symbol,
		Ticker: market.Ticker{
			LastPrice:          last.Close,
			PriceChangePercent: (last.Close - klines[0].Close) / klines[0].Close * 100,
			QuoteVolume:        last.QuoteAssetVolume * 288,
		},
		Klines:    map[string][]market.Kline{tf.String(): klines},
		Timestamp: last.CloseTime,
	}
}
