package binance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"signal-screener/internal/errs"
	"signal-screener/internal/events"
	"signal-screener/internal/market"
	"signal-screener/internal/metrics"
)

// number of parallel REST backfills when a timeframe comes online
const backfillParallelism = 4

// IngestorConfig carries the market data plane settings.
type IngestorConfig struct {
	BaseURL           string
	StreamURL         string
	RequestsPerSecond int
	QuoteAsset        string
	MaxSymbols        int
	MinQuoteVolume    float64
	ExcludedSymbols   []string
	KlineLimit        int
	RefreshInterval   time.Duration
	ReconcileInterval time.Duration
}

// Ingestor owns the market data plane: it selects the symbol universe,
// backfills kline series over REST, keeps them live over websocket streams
// and publishes closed bars on the event bus. It is the single writer of
// the market cache.
type Ingestor struct {
	client  *Client
	streams *StreamManager
	cache   *market.Cache
	tracker *market.SymbolTracker
	subs    *subscriptionSet
	bus     *events.Bus
	log     zerolog.Logger

	klineLimit        int
	refreshInterval   time.Duration
	reconcileInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewIngestor wires the client, cache, tracker and stream manager together.
func NewIngestor(cfg IngestorConfig, bus *events.Bus, log zerolog.Logger) *Ingestor {
	if cfg.KlineLimit <= 0 {
		cfg.KlineLimit = 250
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 10 * time.Minute
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = time.Minute
	}

	g := &Ingestor{
		client:            NewClient(cfg.BaseURL, cfg.RequestsPerSecond, log),
		cache:             market.NewCache(cfg.KlineLimit),
		tracker:           market.NewSymbolTracker(cfg.QuoteAsset, cfg.MaxSymbols, cfg.MinQuoteVolume, cfg.ExcludedSymbols),
		subs:              newSubscriptionSet(),
		bus:               bus,
		log:               log.With().Str("component", "ingestor").Logger(),
		klineLimit:        cfg.KlineLimit,
		refreshInterval:   cfg.RefreshInterval,
		reconcileInterval: cfg.ReconcileInterval,
	}
	g.streams = NewStreamManager(cfg.StreamURL, g.handleKline, log)
	g.cache.OnClose(g.publishClose)
	return g
}

func (g *Ingestor) handleKline(symbol string, tf market.Timeframe, k market.Kline) {
	g.cache.Apply(symbol, tf, k)
}

func (g *Ingestor) publishClose(symbol string, tf market.Timeframe, k market.Kline) {
	g.bus.PublishCandleClosed(events.CandleClosed{
		Symbol:    symbol,
		Timeframe: tf,
		OpenTime:  k.OpenTime,
		CloseTime: k.CloseTime,
		Close:     k.Close,
	})
}

// Start performs the initial universe selection and begins the periodic
// refresh. It fails when the exchange is unreachable, since an engine
// without a universe has nothing to screen.
func (g *Ingestor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	if err := g.refreshUniverse(runCtx); err != nil {
		cancel()
		return err
	}

	g.wg.Add(2)
	go g.refreshLoop(runCtx)
	go g.reconcileLoop(runCtx)
	return nil
}

// Stop tears down the streams and waits for the refresh loop.
func (g *Ingestor) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.streams.Close()
	g.wg.Wait()
}

func (g *Ingestor) refreshLoop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.refreshUniverse(ctx); err != nil {
				g.log.Warn().Err(err).Msg("universe refresh failed, keeping previous universe")
			}
		}
	}
}

func (g *Ingestor) reconcileLoop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.reconcile(ctx)
		}
	}
}

// reconcile refreshes the 24h tickers and refills series that fell behind a
// stream gap or never backfilled. Much cheaper than a universe refresh, so
// it runs on a tighter interval.
func (g *Ingestor) reconcile(ctx context.Context) {
	stats, err := g.client.GetTickers(ctx)
	if err != nil {
		g.log.Warn().Err(err).Msg("ticker refresh failed")
	} else {
		for _, s := range stats {
			if g.tracker.Contains(s.Symbol) {
				g.cache.SetTicker(s.Symbol, s.Ticker())
			}
		}
	}

	for _, tf := range g.subs.active() {
		for _, symbol := range g.tracker.Active() {
			if g.cache.Has(symbol, tf) && !g.cache.Stale(symbol, tf) {
				continue
			}
			if err := g.EnsureSeries(ctx, symbol, tf); err != nil {
				g.log.Warn().Err(err).Str("symbol", symbol).Str("timeframe", tf.String()).Msg("series refill failed")
			}
		}
	}
}

// refreshUniverse re-ranks the tracked symbols from a full ticker sweep and
// reconciles stream subscriptions and the cache with the changes.
func (g *Ingestor) refreshUniverse(ctx context.Context) error {
	stats, err := g.client.GetTickers(ctx)
	if err != nil {
		return err
	}

	added, removed := g.tracker.Update(stats)
	for _, s := range stats {
		if g.tracker.Contains(s.Symbol) {
			g.cache.SetTicker(s.Symbol, s.Ticker())
		}
	}
	metrics.SymbolsTracked.Set(float64(g.tracker.Count()))

	tfs := g.subs.active()
	for _, symbol := range removed {
		for _, tf := range tfs {
			g.streams.Unsubscribe(symbol, tf)
		}
		g.cache.Drop(symbol)
	}
	for _, symbol := range added {
		for _, tf := range tfs {
			if err := g.EnsureSeries(ctx, symbol, tf); err != nil {
				g.log.Warn().Err(err).Str("symbol", symbol).Str("timeframe", tf.String()).Msg("backfill failed for new symbol")
				continue
			}
			g.streams.Subscribe(symbol, tf)
		}
	}

	if len(added) > 0 || len(removed) > 0 {
		g.log.Info().Int("added", len(added)).Int("removed", len(removed)).Int("tracked", g.tracker.Count()).Msg("universe updated")
	}
	return nil
}

// ActiveSymbols returns the tracked universe, highest volume first.
func (g *Ingestor) ActiveSymbols() []string {
	return g.tracker.Active()
}

// Snapshot returns up to limit bars of one cached series.
func (g *Ingestor) Snapshot(symbol string, tf market.Timeframe, limit int) ([]market.Kline, bool) {
	return g.cache.Snapshot(symbol, tf, limit)
}

// TickerOf returns the cached 24h statistics for a symbol.
func (g *Ingestor) TickerOf(symbol string) (market.Ticker, bool) {
	return g.cache.TickerOf(symbol)
}

// EnsureSeries backfills a series over REST when it is missing or saw a
// stream gap.
func (g *Ingestor) EnsureSeries(ctx context.Context, symbol string, tf market.Timeframe) error {
	if g.cache.Has(symbol, tf) && !g.cache.Stale(symbol, tf) {
		return nil
	}
	klines, err := g.client.GetKlines(ctx, symbol, tf, g.klineLimit)
	if err != nil {
		return err
	}
	g.cache.SetSeries(symbol, tf, klines)
	return nil
}

// SubscribeTimeframe brings one timeframe online for the whole universe:
// backfill plus live streams. Refcounted, so two traders sharing a
// timeframe cost one set of streams. Fails only when no symbol could be
// backfilled at all.
func (g *Ingestor) SubscribeTimeframe(ctx context.Context, tf market.Timeframe) error {
	if !tf.Valid() {
		return errs.Ef(errs.KindValidation, "unknown timeframe %q", tf)
	}
	if !g.subs.acquire(tf) {
		return nil
	}

	symbols := g.tracker.Active()
	if len(symbols) == 0 {
		return nil
	}

	var succeeded atomic.Int64
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(backfillParallelism)
	for _, symbol := range symbols {
		symbol := symbol
		grp.Go(func() error {
			if err := g.EnsureSeries(gctx, symbol, tf); err != nil {
				g.log.Warn().Err(err).Str("symbol", symbol).Str("timeframe", tf.String()).Msg("backfill failed")
				return nil
			}
			g.streams.Subscribe(symbol, tf)
			succeeded.Add(1)
			return nil
		})
	}
	grp.Wait()

	if succeeded.Load() == 0 {
		g.subs.release(tf)
		return errs.Ef(errs.KindUpstream, "no series could be backfilled for timeframe %s", tf)
	}
	g.log.Info().Str("timeframe", tf.String()).Int64("symbols", succeeded.Load()).Msg("timeframe online")
	return nil
}

// UnsubscribeTimeframe releases one hold on a timeframe and stops its
// streams when nobody needs it anymore. Cached series are kept; they go
// stale and are refreshed if the timeframe comes back.
func (g *Ingestor) UnsubscribeTimeframe(tf market.Timeframe) {
	if !g.subs.release(tf) {
		return
	}
	for _, symbol := range g.tracker.Active() {
		g.streams.Unsubscribe(symbol, tf)
	}
	g.log.Info().Str("timeframe", tf.String()).Msg("timeframe offline")
}

// CacheStats exposes the cache hit and miss counters for metrics.
func (g *Ingestor) CacheStats() (hits, misses int64) {
	return g.cache.Stats()
}
