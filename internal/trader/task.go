package trader

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"signal-screener/internal/auth"
	"signal-screener/internal/database"
	"signal-screener/internal/errs"
	"signal-screener/internal/events"
	"signal-screener/internal/indicators"
	"signal-screener/internal/market"
	"signal-screener/internal/metrics"
	"signal-screener/internal/tier"
)

type outcome int

const (
	outcomeNoMatch outcome = iota
	outcomeMatched
	outcomeSkipped
	outcomeError
)

// runEvaluation is the scheduled-task entry point. It evaluates one symbol
// against one trader, records task metrics and escalates repeated failures.
func (m *Manager) runEvaluation(ctx context.Context, t *Trader, symbol string, openTime int64) (outcome, error) {
	if t.State() != StateRunning {
		metrics.TasksTotal.WithLabelValues(metrics.ResultSkipped).Inc()
		return outcomeSkipped, nil
	}

	start := time.Now()
	res, _, err := m.evaluateSymbol(ctx, t, symbol, openTime)
	metrics.TaskDuration.Observe(time.Since(start).Seconds())

	switch res {
	case outcomeMatched:
		metrics.TasksTotal.WithLabelValues(metrics.ResultMatched).Inc()
		t.resetFailures()
	case outcomeNoMatch:
		metrics.TasksTotal.WithLabelValues(metrics.ResultNoMatch).Inc()
		t.resetFailures()
	case outcomeSkipped:
		metrics.TasksTotal.WithLabelValues(metrics.ResultSkipped).Inc()
	case outcomeError:
		metrics.TasksTotal.WithLabelValues(metrics.ResultError).Inc()
		m.log.Warn().Err(err).Str("trader_id", t.ID).Str("symbol", symbol).Msg("evaluation failed")
		if t.recordFailure() >= maxConsecutiveFailures {
			m.escalate(ctx, t, err)
		}
	}
	return res, err
}

// evaluateSymbol builds the market view, runs the filter and persists a
// signal on match. openTime zero means "latest closed bar".
func (m *Manager) evaluateSymbol(ctx context.Context, t *Trader, symbol string, openTime int64) (outcome, *database.Signal, error) {
	prog := t.programRef()
	if prog == nil {
		return outcomeError, nil, errs.E(errs.KindExecution, "trader has no compiled program")
	}

	data, ok := m.buildData(ctx, t, symbol)
	if !ok {
		return outcomeSkipped, nil, nil
	}
	if openTime == 0 {
		openTime = lastClosedOpenTime(data.Series(t.Schedule))
		if openTime == 0 {
			return outcomeSkipped, nil, nil
		}
	}

	matched, err := m.compiler.Execute(ctx, prog, data, m.cfg.ExecutionTimeout)
	if err != nil {
		return outcomeError, nil, err
	}
	if !matched {
		return outcomeNoMatch, nil, nil
	}

	sig, _, err := m.persistSignal(ctx, t, symbol, data, openTime)
	if err != nil {
		return outcomeError, nil, err
	}
	return outcomeMatched, sig, nil
}

// buildData assembles the snapshot handed to the filter: one series per
// subscribed timeframe keyed by its string form, plus the 24h ticker.
// Symbols with short series are skipped rather than evaluated on partial
// data.
func (m *Manager) buildData(ctx context.Context, t *Trader, symbol string) (market.Data, bool) {
	data := market.Data{
		Symbol:    symbol,
		Klines:    make(map[string][]market.Kline, len(t.FilterTimeframes)),
		Timestamp: time.Now().UnixMilli(),
	}
	for _, tf := range t.timeframes() {
		klines, ok := m.source.Snapshot(symbol, tf, m.cfg.KlineLimit)
		if !ok || len(klines) < indicators.MinBars {
			if err := m.source.EnsureSeries(ctx, symbol, tf); err != nil {
				m.log.Debug().Err(err).Str("symbol", symbol).Str("timeframe", tf.String()).Msg("series backfill failed, skipping symbol")
				return market.Data{}, false
			}
			klines, ok = m.source.Snapshot(symbol, tf, m.cfg.KlineLimit)
			if !ok || len(klines) < indicators.MinBars {
				return market.Data{}, false
			}
		}
		data.Klines[tf.String()] = klines
	}
	if tkr, ok := m.source.TickerOf(symbol); ok {
		data.Ticker = tkr
	}
	return data, true
}

// persistSignal applies bar-distance dedup and writes the signal. The redis
// fast path bumps the known row by primary key; on any cache miss or
// mismatch the store's transactional upsert is authoritative.
func (m *Manager) persistSignal(ctx context.Context, t *Trader, symbol string, data market.Data, openTime int64) (*database.Signal, bool, error) {
	price, volume := barAt(data.Series(t.Schedule), openTime)
	candidate := &database.Signal{
		TraderID:          t.ID,
		Symbol:            symbol,
		Timestamp:         time.Now().UTC(),
		KlineTimestamp:    openTime,
		PriceAtSignal:     price,
		VolumeAtSignal:    volume,
		MatchedConditions: t.MatchedConditions,
		Count:             1,
	}
	barMillis := t.Schedule.Millis()

	if t.DedupeBars > 0 && m.signals != nil {
		if last, ok := m.signals.LastSignal(ctx, t.ID, symbol); ok && barMillis > 0 && openTime >= last.KlineTimestamp {
			distance := (openTime - last.KlineTimestamp) / barMillis
			if distance <= int64(t.DedupeBars) {
				row, err := m.store.IncrementSignalCount(ctx, last.ID)
				if err == nil {
					m.signals.StoreLastSignal(ctx, row)
					m.afterSignal(t, row, false)
					return row, false, nil
				}
				// cached row vanished or the bump failed, fall through
			}
		}
	}

	row, fresh, err := m.store.UpsertSignal(ctx, candidate, t.DedupeBars, barMillis)
	if err != nil {
		return nil, false, err
	}
	if m.signals != nil {
		m.signals.StoreLastSignal(ctx, row)
	}
	m.afterSignal(t, row, fresh)
	return row, fresh, nil
}

func (m *Manager) afterSignal(t *Trader, row *database.Signal, fresh bool) {
	now := time.Now().UTC()
	t.recordSignal(now)
	metrics.SignalsTotal.WithLabelValues(t.ID).Inc()
	m.bus.PublishSignalCreated(events.SignalCreated{
		SignalID:  strconv.FormatInt(row.ID, 10),
		TraderID:  row.TraderID,
		Symbol:    row.Symbol,
		Timeframe: t.Schedule,
		Price:     row.PriceAtSignal,
		Count:     row.Count,
		Fresh:     fresh,
		At:        now,
	})
}

// escalate moves a trader to errored and tears down its work. Recovery is
// an explicit reload.
func (m *Manager) escalate(ctx context.Context, t *Trader, cause error) {
	if err := t.sm.Event(ctx, eventFail); err != nil {
		return
	}
	m.log.Error().Err(cause).Str("trader_id", t.ID).Msg("trader errored after consecutive failures")
	m.sched.cancelTrader(t.ID)
	for _, tf := range t.timeframes() {
		m.source.UnsubscribeTimeframe(tf)
	}
}

// barAt picks price and volume from the bar that triggered the signal,
// falling back to the newest bar when the series has already rolled.
func barAt(klines []market.Kline, openTime int64) (price, volume float64) {
	for i := len(klines) - 1; i >= 0; i-- {
		if klines[i].OpenTime == openTime {
			return klines[i].Close, klines[i].Volume
		}
	}
	if n := len(klines); n > 0 {
		return klines[n-1].Close, klines[n-1].Volume
	}
	return 0, 0
}

func lastClosedOpenTime(klines []market.Kline) int64 {
	for i := len(klines) - 1; i >= 0; i-- {
		if klines[i].Closed {
			return klines[i].OpenTime
		}
	}
	return 0
}

// BatchResult summarizes one on-demand execution sweep.
type BatchResult struct {
	TraderID        string             `json:"traderId"`
	StartedAt       time.Time          `json:"startedAt"`
	SymbolsChecked  int                `json:"symbolsChecked"`
	SymbolsMatched  int                `json:"symbolsMatched"`
	Signals         []*database.Signal `json:"signals"`
	Error           string             `json:"error,omitempty"`
	ExecutionTimeMs int64              `json:"executionTimeMs"`
	CacheHits       int64              `json:"cacheHits"`
	CacheMisses     int64              `json:"cacheMisses"`
}

// ExecuteImmediate sweeps the whole active universe for one trader right
// now, outside the candle schedule. The trader does not need to be running;
// signals persist and dedup exactly as scheduled ones do.
func (m *Manager) ExecuteImmediate(ctx context.Context, id string, by auth.Identity) (*BatchResult, error) {
	t, err := m.trader(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.authorize(t, by); err != nil {
		return nil, err
	}
	if !t.BuiltIn() {
		userTier, err := m.store.GetUserTier(ctx, t.UserID)
		if err != nil {
			return nil, err
		}
		t.Tier = userTier
		if !tier.QuotaFor(userTier).CanStart {
			return nil, errs.Ef(errs.KindQuota, "tier %s cannot execute traders", userTier)
		}
	}
	if t.programRef() == nil {
		prog, err := m.compiler.Compile(t.FilterSource)
		if err != nil {
			metrics.CompileErrors.Inc()
			return nil, err
		}
		t.setProgram(prog)
	}

	symbols := m.source.ActiveSymbols()
	hits0, misses0 := m.source.CacheStats()
	started := time.Now()
	res := &BatchResult{TraderID: t.ID, StartedAt: started.UTC(), Signals: []*database.Signal{}}

	var mu sync.Mutex
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(int(t.analysisLimit(m.cfg.MaxConcurrentAnalysis)))
	for _, symbol := range symbols {
		symbol := symbol
		grp.Go(func() error {
			out, sig, err := m.evaluateSymbol(gctx, t, symbol, 0)
			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeMatched:
				res.SymbolsChecked++
				res.SymbolsMatched++
				res.Signals = append(res.Signals, sig)
			case outcomeNoMatch:
				res.SymbolsChecked++
			case outcomeError:
				res.SymbolsChecked++
				if res.Error == "" && err != nil {
					res.Error = err.Error()
				}
			}
			// per-symbol failures never cancel the sweep
			return nil
		})
	}
	_ = grp.Wait()

	res.ExecutionTimeMs = time.Since(started).Milliseconds()
	hits1, misses1 := m.source.CacheStats()
	// cache counters are engine-global, so deltas are approximate when other
	// traders run concurrently
	res.CacheHits = hits1 - hits0
	res.CacheMisses = misses1 - misses0

	hist := &database.ExecutionHistory{
		TraderID:        t.ID,
		StartedAt:       started.UTC(),
		CompletedAt:     time.Now().UTC(),
		SymbolsChecked:  res.SymbolsChecked,
		SymbolsMatched:  res.SymbolsMatched,
		ExecutionTimeMs: res.ExecutionTimeMs,
	}
	if res.Error != "" {
		hist.Error = &res.Error
	}
	if err := m.store.InsertExecutionHistory(ctx, hist); err != nil {
		m.log.Warn().Err(err).Str("trader_id", t.ID).Msg("writing execution history failed")
	}
	return res, nil
}
