// Package binance talks to the exchange: REST for backfill and universe
// selection, websocket streams for live klines, and the ingestor that feeds
// both into the market cache.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"

	"signal-screener/internal/errs"
	"signal-screener/internal/market"
)

const (
	DefaultBaseURL = "https://api.binance.com"

	restAttempts  = 3
	retryBaseWait = 500 * time.Millisecond
)

// Client is a rate-limited REST client for the exchange market data
// endpoints. All methods are safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    ratelimit.Limiter
	log        zerolog.Logger
}

// NewClient builds a client capped at rps requests per second.
func NewClient(baseURL string, rps int, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    ratelimit.New(rps),
		log:        log.With().Str("component", "binance").Logger(),
	}
}

// get performs one rate-limited GET with retries on transport errors and
// retryable statuses.
func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= restAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, errs.Wrap(errs.KindUpstream, "request canceled", ctx.Err())
			case <-time.After(retryBaseWait * time.Duration(attempt-1)):
			}
		}
		c.limiter.Take()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, errs.Wrap(errs.KindUpstream, "building request", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.log.Warn().Err(err).Int("attempt", attempt).Str("url", endpoint).Msg("exchange request failed")
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
			c.log.Warn().Int("status", resp.StatusCode).Int("attempt", attempt).Msg("exchange returned retryable status")
			continue
		default:
			return nil, errs.Ef(errs.KindUpstream, "exchange error %d: %s", resp.StatusCode, string(body))
		}
	}
	return nil, errs.Wrap(errs.KindUpstream, fmt.Sprintf("exchange unreachable after %d attempts", restAttempts), lastErr)
}

// GetKlines fetches up to limit most recent bars for one symbol and
// timeframe, oldest first, close times normalised to bar boundaries.
func (c *Client) GetKlines(ctx context.Context, symbol string, tf market.Timeframe, limit int) ([]market.Kline, error) {
	if !tf.Valid() {
		return nil, errs.Ef(errs.KindValidation, "unknown timeframe %q", tf)
	}
	if limit <= 0 {
		limit = 500
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", tf.String())
	params.Set("limit", strconv.Itoa(limit))
	endpoint := fmt.Sprintf("%s/api/v3/klines?%s", c.baseURL, params.Encode())

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errs.Wrap(errs.KindUpstream, "parsing klines", err)
	}

	klines := make([]market.Kline, 0, len(rows))
	for _, row := range rows {
		k, err := parseKlineRow(row, tf)
		if err != nil {
			return nil, errs.Wrap(errs.KindUpstream, "parsing klines", err)
		}
		klines = append(klines, k)
	}

	// the newest row is the still-open bar
	if n := len(klines); n > 0 {
		last := &klines[n-1]
		if time.Now().UnixMilli() < last.CloseTime {
			last.Closed = false
		}
	}
	return klines, nil
}

// GetTickers fetches 24h statistics for every symbol on the exchange.
func (c *Client) GetTickers(ctx context.Context) ([]market.TickerStat, error) {
	endpoint := fmt.Sprintf("%s/api/v3/ticker/24hr", c.baseURL)

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var rows []ticker24hr
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errs.Wrap(errs.KindUpstream, "parsing tickers", err)
	}

	stats := make([]market.TickerStat, len(rows))
	for i, row := range rows {
		stats[i] = row.stat()
	}
	return stats, nil
}

// GetTicker fetches 24h statistics for one symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (market.TickerStat, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	endpoint := fmt.Sprintf("%s/api/v3/ticker/24hr?%s", c.baseURL, params.Encode())

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return market.TickerStat{}, err
	}

	var row ticker24hr
	if err := json.Unmarshal(body, &row); err != nil {
		return market.TickerStat{}, errs.Wrap(errs.KindUpstream, "parsing ticker", err)
	}
	return row.stat(), nil
}
