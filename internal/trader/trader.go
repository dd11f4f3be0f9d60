// Package trader owns the lifecycle and execution of filter traders: user or
// built-in filter snippets bound to a symbol universe, evaluated at candle
// closes and turned into persisted signals.
package trader

import (
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/looplab/fsm"
	"golang.org/x/sync/semaphore"

	"signal-screener/internal/database"
	"signal-screener/internal/errs"
	"signal-screener/internal/market"
	"signal-screener/internal/sandbox"
	"signal-screener/internal/tier"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("timeframe", func(fl validator.FieldLevel) bool {
		return market.Timeframe(fl.Field().String()).Valid()
	})
}

// Metrics is a point-in-time view of a trader's runtime counters.
// ActivePositions is part of the status payload for dashboards; positions
// are opened by services downstream of signals, so this engine reports the
// slot but never writes it.
type Metrics struct {
	LastSignalAt        time.Time `json:"lastSignalAt"`
	TotalSignals        int64     `json:"totalSignals"`
	ActivePositions     int       `json:"activePositions"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	DroppedTasks        int64     `json:"droppedTasks"`
}

// Trader is the in-memory form of a trader row plus its runtime state.
// Field values come from the database; the manager is the only writer
// after construction.
type Trader struct {
	ID                string             `validate:"required"`
	UserID            string
	Name              string             `validate:"required"`
	Enabled           bool
	FilterSource      string             `validate:"required"`
	FilterTimeframes  []market.Timeframe `validate:"required,min=1,dive,timeframe"`
	Schedule          market.Timeframe   `validate:"required,timeframe"`
	DedupeBars        int                `validate:"gte=0"`
	Tier              tier.Tier
	MatchedConditions []string
	CreatedAt         time.Time

	sm *fsm.FSM

	mu       sync.Mutex
	program  *sandbox.Program
	analysis *semaphore.Weighted
	metrics  Metrics
}

// BuiltIn reports whether the trader is system-owned. Built-in traders are
// exempt from tier gating and operable only by admins.
func (t *Trader) BuiltIn() bool { return t.UserID == "" }

// State returns the current lifecycle state.
func (t *Trader) State() string { return t.sm.Current() }

// Validate checks field constraints plus the cross-field rule that the
// schedule timeframe must be one of the filter timeframes.
func (t *Trader) Validate() error {
	if err := validate.Struct(t); err != nil {
		return errs.Wrap(errs.KindValidation, "invalid trader definition", err)
	}
	for _, tf := range t.FilterTimeframes {
		if tf == t.Schedule {
			return nil
		}
	}
	return errs.Ef(errs.KindValidation, "schedule %s is not among filter timeframes", t.Schedule)
}

// fromRow converts a database row into a runtime trader. The returned
// trader starts in the loaded state with no compiled program.
func fromRow(row *database.Trader, onChange func(from, to string)) (*Trader, error) {
	tfs := make([]market.Timeframe, 0, len(row.FilterTimeframes))
	for _, raw := range row.FilterTimeframes {
		tf, err := market.ParseTimeframe(raw)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, "invalid trader timeframe", err)
		}
		tfs = append(tfs, tf)
	}
	schedule, err := market.ParseTimeframe(row.Schedule)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "invalid trader schedule", err)
	}
	t := &Trader{
		ID:                row.ID,
		UserID:            row.UserID,
		Name:              row.Name,
		Enabled:           row.Enabled,
		FilterSource:      row.FilterSource,
		FilterTimeframes:  tfs,
		Schedule:          schedule,
		DedupeBars:        row.DedupeBars,
		Tier:              tier.Parse(row.Tier),
		MatchedConditions: row.MatchedConditions,
		CreatedAt:         row.CreatedAt,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t.sm = newStateMachine(onChange)
	return t, nil
}

// applyRow swaps in the mutable definition fields from a freshly validated
// trader. Lifecycle state, program and counters are untouched; the caller
// handles recompilation and subscription diffs.
func (t *Trader) applyRow(fresh *Trader) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Name = fresh.Name
	t.Enabled = fresh.Enabled
	t.FilterSource = fresh.FilterSource
	t.FilterTimeframes = fresh.FilterTimeframes
	t.Schedule = fresh.Schedule
	t.DedupeBars = fresh.DedupeBars
	t.Tier = fresh.Tier
	t.MatchedConditions = fresh.MatchedConditions
	t.metrics.ConsecutiveFailures = 0
}

// analysisLimit is the per-trader cap on concurrently analyzed symbols.
// Tier quotas win over the engine default when set.
func (t *Trader) analysisLimit(engineDefault int) int64 {
	if q := tier.QuotaFor(t.Tier); q.MaxConcurrentAnalysis > 0 {
		return int64(q.MaxConcurrentAnalysis)
	}
	if engineDefault > 0 {
		return int64(engineDefault)
	}
	return 1
}

func (t *Trader) setEnabled(v bool) {
	t.mu.Lock()
	t.Enabled = v
	t.mu.Unlock()
}

func (t *Trader) setProgram(p *sandbox.Program) {
	t.mu.Lock()
	t.program = p
	t.mu.Unlock()
}

func (t *Trader) programRef() *sandbox.Program {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.program
}

func (t *Trader) setSemaphore(limit int64) {
	t.mu.Lock()
	t.analysis = semaphore.NewWeighted(limit)
	t.mu.Unlock()
}

func (t *Trader) semaphore() *semaphore.Weighted {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.analysis
}

func (t *Trader) timeframes() []market.Timeframe {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]market.Timeframe, len(t.FilterTimeframes))
	copy(out, t.FilterTimeframes)
	return out
}

func (t *Trader) recordSignal(at time.Time) {
	t.mu.Lock()
	t.metrics.LastSignalAt = at
	t.metrics.TotalSignals++
	t.mu.Unlock()
}

// recordFailure bumps the consecutive failure counter and returns the new
// value so the caller can decide whether to escalate.
func (t *Trader) recordFailure() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.ConsecutiveFailures++
	return t.metrics.ConsecutiveFailures
}

func (t *Trader) resetFailures() {
	t.mu.Lock()
	t.metrics.ConsecutiveFailures = 0
	t.mu.Unlock()
}

func (t *Trader) recordDrop() {
	t.mu.Lock()
	t.metrics.DroppedTasks++
	t.mu.Unlock()
}

// MetricsSnapshot returns a copy of the runtime counters.
func (t *Trader) MetricsSnapshot() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}
