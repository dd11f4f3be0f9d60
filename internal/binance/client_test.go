package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"signal-screener/internal/errs"
	"signal-screener/internal/market"
)

func newTestClient(baseURL string) *Client {
	return NewClient(baseURL, 100, zerolog.Nop())
}

// klineRowJSON builds one /api/v3/klines row the way the exchange encodes
// it, including the off-by-one close time.
func klineRowJSON(openTime int64, tf market.Timeframe, close float64) string {
	return fmt.Sprintf(`[%d,"10.0","12.0","9.0","%g","100.0",%d,"1000.0",42,"60.0","600.0","0"]`,
		openTime, close, openTime+tf.Millis()-1)
}

// TestParseKlineRow tests that REST rows are decoded and the close time is
// normalised to the next bar's open time.
func TestParseKlineRow(t *testing.T) {
	openTime := int64(1700000000000)
	raw := []interface{}{
		float64(openTime), "10.0", "12.0", "9.0", "11.0", "100.0",
		float64(openTime + market.TF1h.Millis() - 1), "1000.0", float64(42), "60.0", "600.0", "0",
	}

	k, err := parseKlineRow(raw, market.TF1h)
	if err != nil {
		t.Fatalf("parseKlineRow failed: %v", err)
	}
	if k.OpenTime != openTime {
		t.Errorf("OpenTime = %d, want %d", k.OpenTime, openTime)
	}
	if k.CloseTime != openTime+market.TF1h.Millis() {
		t.Errorf("CloseTime = %d, want normalised %d", k.CloseTime, openTime+market.TF1h.Millis())
	}
	if k.Open != 10.0 || k.High != 12.0 || k.Low != 9.0 || k.Close != 11.0 {
		t.Errorf("OHLC = %v/%v/%v/%v, want 10/12/9/11", k.Open, k.High, k.Low, k.Close)
	}
	if k.Volume != 100.0 || k.QuoteAssetVolume != 1000.0 {
		t.Errorf("volumes = %v/%v, want 100/1000", k.Volume, k.QuoteAssetVolume)
	}
	if k.NumberOfTrades != 42 {
		t.Errorf("NumberOfTrades = %d, want 42", k.NumberOfTrades)
	}
	if !k.Closed {
		t.Error("REST rows should parse as closed")
	}
}

// TestParseKlineRowShort tests that truncated rows are rejected.
func TestParseKlineRowShort(t *testing.T) {
	if _, err := parseKlineRow([]interface{}{float64(1), "2"}, market.TF1h); err == nil {
		t.Error("expected error for short row")
	}
}

// TestParseStreamKline tests websocket frame parsing, including frames
// that must be ignored.
func TestParseStreamKline(t *testing.T) {
	openTime := int64(1700000000000)
	frame := fmt.Sprintf(`{"e":"kline","E":%d,"s":"BTCUSDT","k":{"t":%d,"T":%d,"s":"BTCUSDT","i":"1m","o":"100.0","c":"101.0","h":"102.0","l":"99.0","v":"50.0","n":7,"x":true,"q":"5000.0","V":"25.0","Q":"2500.0"}}`,
		openTime+1000, openTime, openTime+market.TF1m.Millis()-1)

	symbol, tf, k, ok := parseStreamKline([]byte(frame))
	if !ok {
		t.Fatal("kline frame not recognised")
	}
	if symbol != "BTCUSDT" {
		t.Errorf("symbol = %q, want BTCUSDT", symbol)
	}
	if tf != market.TF1m {
		t.Errorf("timeframe = %q, want 1m", tf)
	}
	if k.CloseTime != openTime+market.TF1m.Millis() {
		t.Errorf("CloseTime = %d, want normalised %d", k.CloseTime, openTime+market.TF1m.Millis())
	}
	if !k.Closed {
		t.Error("x=true should mark the bar closed")
	}
	if k.Close != 101.0 || k.Volume != 50.0 || k.NumberOfTrades != 7 {
		t.Errorf("parsed fields = close %v vol %v trades %d", k.Close, k.Volume, k.NumberOfTrades)
	}

	ignored := []string{
		`{"result":null,"id":1}`,
		`{"e":"aggTrade","s":"BTCUSDT"}`,
		`{"e":"kline","k":{"t":1,"i":"7z","s":"BTCUSDT"}}`,
		`{"e":"kline"}`,
	}
	for _, msg := range ignored {
		if _, _, _, ok := parseStreamKline([]byte(msg)); ok {
			t.Errorf("frame should be ignored: %s", msg)
		}
	}
}

// TestGetKlines tests the REST backfill path against a stub server: bars
// come back oldest first, contiguous, with only the still-open bar marked
// unclosed.
func TestGetKlines(t *testing.T) {
	tf := market.TF1m
	// two finished bars and the bar that is open right now
	now := time.Now().UnixMilli()
	open2 := tf.AlignOpen(now)
	open1 := open2 - tf.Millis()
	open0 := open1 - tf.Millis()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol param = %q", got)
		}
		if got := r.URL.Query().Get("interval"); got != "1m" {
			t.Errorf("interval param = %q", got)
		}
		fmt.Fprintf(w, "[%s,%s,%s]",
			klineRowJSON(open0, tf, 10),
			klineRowJSON(open1, tf, 11),
			klineRowJSON(open2, tf, 12))
	}))
	defer srv.Close()

	klines, err := newTestClient(srv.URL).GetKlines(context.Background(), "BTCUSDT", tf, 3)
	if err != nil {
		t.Fatalf("GetKlines failed: %v", err)
	}
	if len(klines) != 3 {
		t.Fatalf("got %d klines, want 3", len(klines))
	}
	for i := 0; i < len(klines)-1; i++ {
		if klines[i].CloseTime != klines[i+1].OpenTime {
			t.Errorf("bars %d and %d not contiguous: close %d, next open %d",
				i, i+1, klines[i].CloseTime, klines[i+1].OpenTime)
		}
	}
	if !klines[0].Closed || !klines[1].Closed {
		t.Error("finished bars should stay closed")
	}
	if klines[2].Closed {
		t.Error("the current bar should be marked open")
	}
}

// TestGetKlinesRejectsBadTimeframe tests that validation fails before any
// request is made.
func TestGetKlinesRejectsBadTimeframe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an invalid timeframe")
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetKlines(context.Background(), "BTCUSDT", market.Timeframe("7z"), 10)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("kind = %v, want validation", errs.KindOf(err))
	}
}

// TestGetRetriesServerErrors tests that 5xx responses are retried and a
// later success wins.
func TestGetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "[%s]", klineRowJSON(1700000000000, market.TF1h, 10))
	}))
	defer srv.Close()

	klines, err := newTestClient(srv.URL).GetKlines(context.Background(), "BTCUSDT", market.TF1h, 1)
	if err != nil {
		t.Fatalf("GetKlines failed after retry: %v", err)
	}
	if len(klines) != 1 {
		t.Fatalf("got %d klines, want 1", len(klines))
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server saw %d calls, want 2", got)
	}
}

// TestGetDoesNotRetryClientErrors tests that a 4xx response fails fast.
func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetKlines(context.Background(), "NOPEUSDT", market.TF1h, 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errs.IsKind(err, errs.KindUpstream) {
		t.Errorf("kind = %v, want upstream", errs.KindOf(err))
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d calls, want 1", got)
	}
}

// TestGetTickers tests 24h statistics parsing.
func TestGetTickers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"symbol":"BTCUSDT","priceChangePercent":"2.5","lastPrice":"50000.0","volume":"100.0","quoteVolume":"5000000.0","closeTime":1700000000000},
			{"symbol":"ETHUSDT","priceChangePercent":"-1.2","lastPrice":"3000.0","volume":"500.0","quoteVolume":"1500000.0","closeTime":1700000000000}
		]`)
	}))
	defer srv.Close()

	stats, err := newTestClient(srv.URL).GetTickers(context.Background())
	if err != nil {
		t.Fatalf("GetTickers failed: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("got %d stats, want 2", len(stats))
	}
	if stats[0].Symbol != "BTCUSDT" || stats[0].LastPrice != 50000.0 {
		t.Errorf("stats[0] = %+v", stats[0])
	}
	if stats[1].PriceChangePercent != -1.2 || stats[1].QuoteVolume != 1500000.0 {
		t.Errorf("stats[1] = %+v", stats[1])
	}
}

// TestSubscriptionSetRefcounts tests that acquire and release only report
// edge transitions.
func TestSubscriptionSetRefcounts(t *testing.T) {
	subs := newSubscriptionSet()

	if !subs.acquire(market.TF1h) {
		t.Error("first acquire should report the 0 to 1 transition")
	}
	if subs.acquire(market.TF1h) {
		t.Error("second acquire should not")
	}
	if got := len(subs.active()); got != 1 {
		t.Errorf("active timeframes = %d, want 1", got)
	}

	if subs.release(market.TF1h) {
		t.Error("first release still has a holder")
	}
	if !subs.release(market.TF1h) {
		t.Error("second release should report the timeframe unused")
	}
	if subs.release(market.TF1h) {
		t.Error("releasing an unheld timeframe should be a no-op")
	}
	if got := len(subs.active()); got != 0 {
		t.Errorf("active timeframes = %d, want 0", got)
	}
}
