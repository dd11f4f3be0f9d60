package trader

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signal-screener/internal/auth"
	"signal-screener/internal/database"
	"signal-screener/internal/errs"
	"signal-screener/internal/events"
	"signal-screener/internal/market"
	"signal-screener/internal/metrics"
	"signal-screener/internal/sandbox"
	"signal-screener/internal/tier"
)

// maxConsecutiveFailures is how many execution errors in a row move a
// trader to the errored state.
const maxConsecutiveFailures = 3

// Store is the persistence surface the manager needs. *database.Repository
// satisfies it.
type Store interface {
	GetTraderByID(ctx context.Context, id string) (*database.Trader, error)
	ListTraders(ctx context.Context, userID string) ([]*database.Trader, error)
	ListEnabledTraders(ctx context.Context) ([]*database.Trader, error)
	SeedTraders(ctx context.Context, traders []*database.Trader) (int, error)
	SetTraderEnabled(ctx context.Context, id string, enabled bool) error
	GetLatestSignal(ctx context.Context, traderID, symbol string) (*database.Signal, error)
	UpsertSignal(ctx context.Context, sig *database.Signal, dedupeBars int, barMillis int64) (*database.Signal, bool, error)
	IncrementSignalCount(ctx context.Context, id int64) (*database.Signal, error)
	InsertExecutionHistory(ctx context.Context, h *database.ExecutionHistory) error
	GetUserTier(ctx context.Context, userID string) (tier.Tier, error)
}

// MarketSource supplies the symbol universe and candle series. The binance
// ingestor satisfies it.
type MarketSource interface {
	ActiveSymbols() []string
	Snapshot(symbol string, tf market.Timeframe, limit int) ([]market.Kline, bool)
	TickerOf(symbol string) (market.Ticker, bool)
	EnsureSeries(ctx context.Context, symbol string, tf market.Timeframe) error
	SubscribeTimeframe(ctx context.Context, tf market.Timeframe) error
	UnsubscribeTimeframe(tf market.Timeframe)
	CacheStats() (hits, misses int64)
}

// FilterCompiler compiles and runs filter snippets. The sandbox executor
// satisfies it.
type FilterCompiler interface {
	Compile(source string) (*sandbox.Program, error)
	Execute(ctx context.Context, p *sandbox.Program, data market.Data, timeout time.Duration) (bool, error)
}

// SignalCache is the optional dedup fast path. A nil cache disables it.
type SignalCache interface {
	LastSignal(ctx context.Context, traderID, symbol string) (*database.Signal, bool)
	StoreLastSignal(ctx context.Context, sig *database.Signal)
	DropTrader(ctx context.Context, traderID string, symbols []string)
}

// Config tunes the manager and its scheduler.
type Config struct {
	ExecutionTimeout      time.Duration
	MaxConcurrentAnalysis int
	WorkerCount           int
	QueueSize             int
	KlineLimit            int
	BatchGrace            time.Duration
}

func (c Config) withDefaults() Config {
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = sandbox.DefaultTimeout
	}
	if c.MaxConcurrentAnalysis <= 0 {
		c.MaxConcurrentAnalysis = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.KlineLimit <= 0 {
		c.KlineLimit = 250
	}
	if c.BatchGrace <= 0 {
		c.BatchGrace = 30 * time.Second
	}
	return c
}

// Manager is the trader registry and lifecycle coordinator. Traders are
// hydrated from the store on first touch and stay resident afterwards.
type Manager struct {
	cfg      Config
	store    Store
	source   MarketSource
	compiler FilterCompiler
	signals  SignalCache
	bus      *events.Bus
	log      zerolog.Logger

	mu      sync.RWMutex
	traders map[string]*Trader

	sched *scheduler
}

// NewManager wires the manager and its scheduler. Call Run to start
// processing candle closes.
func NewManager(cfg Config, store Store, source MarketSource, compiler FilterCompiler, signals SignalCache, bus *events.Bus, log zerolog.Logger) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		store:    store,
		source:   source,
		compiler: compiler,
		signals:  signals,
		bus:      bus,
		log:      log.With().Str("component", "trader_manager").Logger(),
	}
	m.traders = make(map[string]*Trader)
	m.sched = newScheduler(m)
	return m
}

// Run subscribes the scheduler to candle closes and starts its workers.
func (m *Manager) Run(ctx context.Context) error {
	return m.sched.start(ctx)
}

// Shutdown stops every running trader, drains in-flight work and flushes
// pending execution batches.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	running := make([]*Trader, 0, len(m.traders))
	for _, t := range m.traders {
		if t.State() == StateRunning {
			running = append(running, t)
		}
	}
	m.mu.RUnlock()

	for _, t := range running {
		if err := m.stopTrader(ctx, t); err != nil {
			m.log.Warn().Err(err).Str("trader_id", t.ID).Msg("stop on shutdown failed")
		}
	}
	m.sched.close()
}

// ===========================================================================
// REGISTRY
// ===========================================================================

// trader returns the resident trader, hydrating it from the store on miss.
func (m *Manager) trader(ctx context.Context, id string) (*Trader, error) {
	m.mu.RLock()
	t := m.traders[id]
	m.mu.RUnlock()
	if t != nil {
		return t, nil
	}

	row, err := m.store.GetTraderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.register(row)
}

// register converts a row and inserts it into the registry. Under a racing
// double hydration the first insert wins.
func (m *Manager) register(row *database.Trader) (*Trader, error) {
	t, err := fromRow(row, m.stateChangeHook(row.ID))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.traders[row.ID]; existing != nil {
		return existing, nil
	}
	m.traders[row.ID] = t
	metrics.TradersByState.WithLabelValues(StateLoaded).Inc()
	return t, nil
}

func (m *Manager) resident(id string) *Trader {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.traders[id]
}

func (m *Manager) runningBySchedule(tf market.Timeframe) []*Trader {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Trader
	for _, t := range m.traders {
		if t.State() == StateRunning && t.Schedule == tf {
			out = append(out, t)
		}
	}
	return out
}

func (m *Manager) runningCountFor(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.traders {
		if t.UserID == userID {
			switch t.State() {
			case StateStarting, StateRunning:
				n++
			}
		}
	}
	return n
}

// stateChangeHook publishes transitions on the bus and keeps the state
// gauge consistent.
func (m *Manager) stateChangeHook(id string) func(from, to string) {
	return func(from, to string) {
		metrics.TradersByState.WithLabelValues(from).Dec()
		metrics.TradersByState.WithLabelValues(to).Inc()
		m.bus.PublishTraderState(events.TraderStateChanged{
			TraderID: id,
			From:     from,
			To:       to,
			At:       time.Now().UTC(),
		})
		m.log.Info().Str("trader_id", id).Str("from", from).Str("to", to).Msg("trader state changed")
	}
}

// authorize enforces ownership. Built-in traders are admin-only; user
// traders are owner-only.
func (m *Manager) authorize(t *Trader, by auth.Identity) error {
	if t.BuiltIn() {
		if !by.IsAdmin() {
			return errs.E(errs.KindForbidden, "built-in traders are operable by admins only")
		}
		return nil
	}
	if by.UserID == "" || by.UserID != t.UserID {
		return errs.E(errs.KindForbidden, "trader belongs to another user")
	}
	return nil
}

// ===========================================================================
// LIFECYCLE
// ===========================================================================

// Start moves a trader to running: tier and quota gates, compile, stream
// subscriptions, then the started transition. Any failure rolls back to the
// pre-start state.
func (m *Manager) Start(ctx context.Context, id string, by auth.Identity) error {
	t, err := m.trader(ctx, id)
	if err != nil {
		return err
	}
	if err := m.authorize(t, by); err != nil {
		return err
	}
	if err := m.startTrader(ctx, t); err != nil {
		return err
	}
	m.persistEnabled(ctx, t, true)
	return nil
}

func (m *Manager) startTrader(ctx context.Context, t *Trader) error {
	if !t.BuiltIn() {
		userTier, err := m.store.GetUserTier(ctx, t.UserID)
		if err != nil {
			return err
		}
		t.Tier = userTier
		q := tier.QuotaFor(userTier)
		if !q.CanStart {
			return errs.Ef(errs.KindQuota, "tier %s cannot start traders", userTier)
		}
		if m.runningCountFor(t.UserID) >= q.MaxRunningTraders {
			return errs.Ef(errs.KindQuota, "tier %s allows at most %d running traders", userTier, q.MaxRunningTraders)
		}
	}

	if err := t.sm.Event(ctx, eventStart); err != nil {
		return errs.Ef(errs.KindValidation, "cannot start trader in state %s", t.State())
	}

	prog, err := m.compiler.Compile(t.FilterSource)
	if err != nil {
		metrics.CompileErrors.Inc()
		_ = t.sm.Event(ctx, eventAbort)
		return err
	}

	var subscribed []market.Timeframe
	for _, tf := range t.timeframes() {
		if err := m.source.SubscribeTimeframe(ctx, tf); err != nil {
			for _, s := range subscribed {
				m.source.UnsubscribeTimeframe(s)
			}
			_ = t.sm.Event(ctx, eventAbort)
			return err
		}
		subscribed = append(subscribed, tf)
	}

	t.setProgram(prog)
	t.setSemaphore(t.analysisLimit(m.cfg.MaxConcurrentAnalysis))
	t.resetFailures()
	_ = t.sm.Event(ctx, eventStarted)
	m.log.Info().Str("trader_id", t.ID).Str("schedule", t.Schedule.String()).Msg("trader started")
	return nil
}

// Stop drains a running trader: no new tasks, in-flight evaluations run to
// completion, stream subscriptions are released.
func (m *Manager) Stop(ctx context.Context, id string, by auth.Identity) error {
	t, err := m.trader(ctx, id)
	if err != nil {
		return err
	}
	if err := m.authorize(t, by); err != nil {
		return err
	}
	if err := m.stopTrader(ctx, t); err != nil {
		return err
	}
	m.persistEnabled(ctx, t, false)
	return nil
}

// persistEnabled records explicit start/stop intent in the store so Resume
// honors it across restarts. Shutdown goes through stopTrader directly and
// never touches the flag. Store failures are logged, not surfaced: the
// lifecycle transition already happened.
func (m *Manager) persistEnabled(ctx context.Context, t *Trader, enabled bool) {
	t.setEnabled(enabled)
	if err := m.store.SetTraderEnabled(ctx, t.ID, enabled); err != nil {
		m.log.Warn().Err(err).Str("trader_id", t.ID).Bool("enabled", enabled).Msg("persisting enabled flag failed")
	}
}

func (m *Manager) stopTrader(ctx context.Context, t *Trader) error {
	if err := t.sm.Event(ctx, eventStop); err != nil {
		return errs.Ef(errs.KindValidation, "cannot stop trader in state %s", t.State())
	}

	m.sched.cancelTrader(t.ID)
	if !m.sched.waitIdle(t.ID, 2*m.cfg.ExecutionTimeout) {
		m.log.Warn().Str("trader_id", t.ID).Msg("drain timed out, abandoning in-flight tasks")
	}
	for _, tf := range t.timeframes() {
		m.source.UnsubscribeTimeframe(tf)
	}
	_ = t.sm.Event(ctx, eventStopped)
	m.log.Info().Str("trader_id", t.ID).Msg("trader stopped")
	return nil
}

// Reload re-reads the trader's row, recompiles and swaps the definition in
// place. A compile failure leaves the current state untouched. An errored
// trader returns to loaded on success.
func (m *Manager) Reload(ctx context.Context, id string, by auth.Identity) error {
	row, err := m.store.GetTraderByID(ctx, id)
	if err != nil {
		return err
	}

	existing := m.resident(id)
	if existing == nil {
		t, err := m.register(row)
		if err != nil {
			return err
		}
		return m.authorize(t, by)
	}
	if err := m.authorize(existing, by); err != nil {
		return err
	}

	fresh, err := fromRow(row, nil)
	if err != nil {
		return err
	}
	prog, err := m.compiler.Compile(fresh.FilterSource)
	if err != nil {
		metrics.CompileErrors.Inc()
		return err
	}

	sourceChanged := existing.FilterSource != fresh.FilterSource

	if existing.State() == StateRunning {
		if err := m.swapSubscriptions(ctx, existing.timeframes(), fresh.FilterTimeframes); err != nil {
			return err
		}
	}

	existing.applyRow(fresh)
	existing.setProgram(prog)
	if existing.State() == StateErrored {
		_ = existing.sm.Event(ctx, eventReload)
	}

	if sourceChanged && m.signals != nil {
		m.signals.DropTrader(ctx, id, m.source.ActiveSymbols())
	}
	m.log.Info().Str("trader_id", id).Bool("source_changed", sourceChanged).Msg("trader reloaded")
	return nil
}

// swapSubscriptions acquires the new timeframes before releasing the old
// ones so a shared timeframe never bounces.
func (m *Manager) swapSubscriptions(ctx context.Context, old, next []market.Timeframe) error {
	var added []market.Timeframe
	for _, tf := range next {
		if containsTimeframe(old, tf) {
			continue
		}
		if err := m.source.SubscribeTimeframe(ctx, tf); err != nil {
			for _, a := range added {
				m.source.UnsubscribeTimeframe(a)
			}
			return err
		}
		added = append(added, tf)
	}
	for _, tf := range old {
		if !containsTimeframe(next, tf) {
			m.source.UnsubscribeTimeframe(tf)
		}
	}
	return nil
}

func containsTimeframe(tfs []market.Timeframe, tf market.Timeframe) bool {
	for _, c := range tfs {
		if c == tf {
			return true
		}
	}
	return false
}

// ===========================================================================
// VIEWS
// ===========================================================================

// TraderStatus is the API view of a trader: row fields plus live runtime
// state when the trader is resident.
type TraderStatus struct {
	ID         string   `json:"id"`
	UserID     string   `json:"userId,omitempty"`
	Name       string   `json:"name"`
	State      string   `json:"state,omitempty"`
	Enabled    bool     `json:"enabled"`
	Schedule   string   `json:"schedule"`
	Timeframes []string `json:"timeframes"`
	DedupeBars int      `json:"dedupeBars"`
	BuiltIn    bool     `json:"builtIn"`
	Metrics    Metrics  `json:"metrics"`
}

func (m *Manager) status(t *Trader) TraderStatus {
	tfs := t.timeframes()
	raw := make([]string, len(tfs))
	for i, tf := range tfs {
		raw[i] = tf.String()
	}
	return TraderStatus{
		ID:         t.ID,
		UserID:     t.UserID,
		Name:       t.Name,
		State:      t.State(),
		Enabled:    t.Enabled,
		Schedule:   t.Schedule.String(),
		Timeframes: raw,
		DedupeBars: t.DedupeBars,
		BuiltIn:    t.BuiltIn(),
		Metrics:    t.MetricsSnapshot(),
	}
}

// Status returns the live view of one trader, hydrating it if needed.
func (m *Manager) Status(ctx context.Context, id string) (TraderStatus, error) {
	t, err := m.trader(ctx, id)
	if err != nil {
		return TraderStatus{}, err
	}
	return m.status(t), nil
}

// List returns the stored traders for a user (built-ins when userID is
// empty). Resident traders carry their live state; purely stored rows have
// none.
func (m *Manager) List(ctx context.Context, userID string) ([]TraderStatus, error) {
	rows, err := m.store.ListTraders(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]TraderStatus, 0, len(rows))
	for _, row := range rows {
		if t := m.resident(row.ID); t != nil {
			out = append(out, m.status(t))
			continue
		}
		out = append(out, TraderStatus{
			ID:         row.ID,
			UserID:     row.UserID,
			Name:       row.Name,
			Enabled:    row.Enabled,
			Schedule:   row.Schedule,
			Timeframes: row.FilterTimeframes,
			DedupeBars: row.DedupeBars,
			BuiltIn:    row.UserID == "",
		})
	}
	return out, nil
}

// Active returns the running traders visible to the caller: their own, plus
// built-ins for admins.
func (m *Manager) Active(by auth.Identity) []TraderStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TraderStatus
	for _, t := range m.traders {
		if t.State() != StateRunning {
			continue
		}
		if t.BuiltIn() && !by.IsAdmin() {
			continue
		}
		if !t.BuiltIn() && t.UserID != by.UserID && !by.IsAdmin() {
			continue
		}
		out = append(out, m.status(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ===========================================================================
// SEED AND RESUME
// ===========================================================================

// SeedDefaults inserts the built-in trader rows, skipping any that already
// exist.
func (m *Manager) SeedDefaults(ctx context.Context) error {
	n, err := m.store.SeedTraders(ctx, BuiltinTraders())
	if err != nil {
		return err
	}
	if n > 0 {
		m.log.Info().Int("seeded", n).Msg("built-in traders seeded")
	}
	return nil
}

// Resume starts every enabled trader from the store. Individual failures
// are logged and skipped so one broken snippet cannot block boot.
func (m *Manager) Resume(ctx context.Context) {
	rows, err := m.store.ListEnabledTraders(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("listing enabled traders failed, resuming none")
		return
	}
	for _, row := range rows {
		t, err := m.register(row)
		if err != nil {
			m.log.Warn().Err(err).Str("trader_id", row.ID).Msg("skipping invalid trader row")
			continue
		}
		if t.State() != StateLoaded && t.State() != StateStopped {
			continue
		}
		if err := m.startTrader(ctx, t); err != nil {
			m.log.Warn().Err(err).Str("trader_id", row.ID).Msg("trader did not resume")
		}
	}
}
