package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"signal-screener/internal/errs"
	"signal-screener/internal/tier"
)

// Repository provides data access methods.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// TRADERS
// ============================================================================

const traderColumns = `id, user_id, name, enabled, filter_source, filter_timeframes,
	schedule, dedupe_bars, tier, matched_conditions, created_at, updated_at`

// GetTraderByID retrieves one trader row.
func (r *Repository) GetTraderByID(ctx context.Context, id string) (*Trader, error) {
	query := `SELECT ` + traderColumns + ` FROM traders WHERE id = $1`

	t, err := scanTrader(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.Ef(errs.KindNotFound, "trader %s not found", id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstream, "loading trader", err)
	}
	return t, nil
}

// ListTraders retrieves the traders owned by one user. An empty userID
// selects the built-in traders.
func (r *Repository) ListTraders(ctx context.Context, userID string) ([]*Trader, error) {
	query := `SELECT ` + traderColumns + ` FROM traders WHERE user_id = $1 ORDER BY created_at`
	return r.queryTraders(ctx, query, userID)
}

// ListEnabledTraders retrieves every trader flagged enabled, across all
// owners. Boot uses this to start the resident set.
func (r *Repository) ListEnabledTraders(ctx context.Context) ([]*Trader, error) {
	query := `SELECT ` + traderColumns + ` FROM traders WHERE enabled = TRUE ORDER BY created_at`
	return r.queryTraders(ctx, query)
}

// SetTraderEnabled flips the enabled flag.
func (r *Repository) SetTraderEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE traders SET enabled = $2, updated_at = NOW() WHERE id = $1`, id, enabled)
	if err != nil {
		return errs.Wrap(errs.KindUpstream, "updating trader", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Ef(errs.KindNotFound, "trader %s not found", id)
	}
	return nil
}

// SeedTraders installs trader rows that do not exist yet and returns how
// many were inserted. Boot uses it to make the built-in traders present on
// a fresh database; existing rows are never touched.
func (r *Repository) SeedTraders(ctx context.Context, traders []*Trader) (int, error) {
	query := `
		INSERT INTO traders (id, user_id, name, enabled, filter_source, filter_timeframes,
			schedule, dedupe_bars, tier, matched_conditions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	inserted := 0
	for _, t := range traders {
		tfJSON, err := json.Marshal(t.FilterTimeframes)
		if err != nil {
			return inserted, errs.Wrap(errs.KindValidation, "marshaling timeframes", err)
		}
		condJSON, err := json.Marshal(t.MatchedConditions)
		if err != nil {
			return inserted, errs.Wrap(errs.KindValidation, "marshaling conditions", err)
		}
		tag, err := r.db.Pool.Exec(ctx, query,
			t.ID, t.UserID, t.Name, t.Enabled, t.FilterSource, tfJSON,
			t.Schedule, t.DedupeBars, t.Tier, condJSON,
		)
		if err != nil {
			return inserted, errs.Wrap(errs.KindUpstream, "seeding trader", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (r *Repository) queryTraders(ctx context.Context, query string, args ...interface{}) ([]*Trader, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstream, "listing traders", err)
	}
	defer rows.Close()

	var traders []*Trader
	for rows.Next() {
		t, err := scanTrader(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindUpstream, "scanning trader", err)
		}
		traders = append(traders, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindUpstream, "listing traders", err)
	}
	return traders, nil
}

func scanTrader(row pgx.Row) (*Trader, error) {
	t := &Trader{}
	var tfJSON, condJSON []byte
	err := row.Scan(
		&t.ID, &t.UserID, &t.Name, &t.Enabled, &t.FilterSource, &tfJSON,
		&t.Schedule, &t.DedupeBars, &t.Tier, &condJSON, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(tfJSON) > 0 {
		if err := json.Unmarshal(tfJSON, &t.FilterTimeframes); err != nil {
			return nil, err
		}
	}
	if len(condJSON) > 0 {
		if err := json.Unmarshal(condJSON, &t.MatchedConditions); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// ============================================================================
// SIGNALS
// ============================================================================

const signalColumns = `id, trader_id, symbol, timestamp, kline_timestamp,
	price_at_signal, volume_at_signal, matched_conditions, count, created_at, updated_at`

// GetLatestSignal retrieves the most recent signal for a trader and symbol.
func (r *Repository) GetLatestSignal(ctx context.Context, traderID, symbol string) (*Signal, error) {
	query := `
		SELECT ` + signalColumns + `
		FROM signals
		WHERE trader_id = $1 AND symbol = $2
		ORDER BY kline_timestamp DESC
		LIMIT 1
	`
	s, err := scanSignal(r.db.Pool.QueryRow(ctx, query, traderID, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.Ef(errs.KindNotFound, "no signal for trader %s on %s", traderID, symbol)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstream, "loading signal", err)
	}
	return s, nil
}

// UpsertSignal persists one match with the dedup window rule applied. The
// transaction serializes writers of the same (trader, symbol) pair with an
// advisory lock, then either increments the latest row's count when the
// new bar is within dedupeBars of it, or inserts a fresh row. The unique
// key on (trader_id, symbol, kline_timestamp) catches writers that race
// past the lock from another process: the conflict turns into an
// increment. Returns the stored row and whether it was newly created.
// dedupeBars == 0 disables the window rule.
func (r *Repository) UpsertSignal(ctx context.Context, sig *Signal, dedupeBars int, barMillis int64) (*Signal, bool, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, false, errs.Wrap(errs.KindUpstream, "beginning signal transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, sig.TraderID+":"+sig.Symbol); err != nil {
		return nil, false, errs.Wrap(errs.KindUpstream, "acquiring signal lock", err)
	}

	if dedupeBars > 0 && barMillis > 0 {
		var lastID, lastOpen int64
		err := tx.QueryRow(ctx, `
			SELECT id, kline_timestamp FROM signals
			WHERE trader_id = $1 AND symbol = $2
			ORDER BY kline_timestamp DESC
			LIMIT 1
		`, sig.TraderID, sig.Symbol).Scan(&lastID, &lastOpen)
		switch {
		case err == nil:
			distance := (sig.KlineTimestamp - lastOpen) / barMillis
			if distance >= 0 && distance <= int64(dedupeBars) {
				updated, err := scanSignal(tx.QueryRow(ctx, `
					UPDATE signals SET count = count + 1, updated_at = NOW()
					WHERE id = $1
					RETURNING `+signalColumns, lastID))
				if err != nil {
					return nil, false, errs.Wrap(errs.KindUpstream, "incrementing signal", err)
				}
				if err := tx.Commit(ctx); err != nil {
					return nil, false, errs.Wrap(errs.KindUpstream, "committing signal", err)
				}
				return updated, false, nil
			}
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, false, errs.Wrap(errs.KindUpstream, "loading latest signal", err)
		}
	}

	condJSON, err := json.Marshal(sig.MatchedConditions)
	if err != nil {
		return nil, false, errs.Wrap(errs.KindValidation, "marshaling conditions", err)
	}
	stored, err := scanSignal(tx.QueryRow(ctx, `
		INSERT INTO signals (trader_id, symbol, timestamp, kline_timestamp,
			price_at_signal, volume_at_signal, matched_conditions, count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		ON CONFLICT (trader_id, symbol, kline_timestamp)
			DO UPDATE SET count = signals.count + 1, updated_at = NOW()
		RETURNING `+signalColumns,
		sig.TraderID, sig.Symbol, sig.Timestamp, sig.KlineTimestamp,
		sig.PriceAtSignal, sig.VolumeAtSignal, condJSON))
	if err != nil {
		return nil, false, errs.Wrap(errs.KindUpstream, "inserting signal", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, errs.Wrap(errs.KindUpstream, "committing signal", err)
	}
	return stored, stored.Count == 1, nil
}

// IncrementSignalCount bumps the count of a known signal row. The task
// path uses this when the cached last signal already proves the new match
// falls inside the dedup window.
func (r *Repository) IncrementSignalCount(ctx context.Context, id int64) (*Signal, error) {
	s, err := scanSignal(r.db.Pool.QueryRow(ctx, `
		UPDATE signals SET count = count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING `+signalColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.Ef(errs.KindNotFound, "signal %d not found", id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstream, "incrementing signal", err)
	}
	return s, nil
}

// InsertSignal stores an externally supplied signal row (the admin
// endpoint). The unique key still applies: a duplicate bar increments the
// existing row instead of failing.
func (r *Repository) InsertSignal(ctx context.Context, sig *Signal) error {
	condJSON, err := json.Marshal(sig.MatchedConditions)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "marshaling conditions", err)
	}
	if sig.Count <= 0 {
		sig.Count = 1
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}
	err = r.db.Pool.QueryRow(ctx, `
		INSERT INTO signals (trader_id, symbol, timestamp, kline_timestamp,
			price_at_signal, volume_at_signal, matched_conditions, count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (trader_id, symbol, kline_timestamp)
			DO UPDATE SET count = signals.count + 1, updated_at = NOW()
		RETURNING id, count, created_at, updated_at`,
		sig.TraderID, sig.Symbol, sig.Timestamp, sig.KlineTimestamp,
		sig.PriceAtSignal, sig.VolumeAtSignal, condJSON, sig.Count,
	).Scan(&sig.ID, &sig.Count, &sig.CreatedAt, &sig.UpdatedAt)
	if err != nil {
		return errs.Wrap(errs.KindUpstream, "inserting signal", err)
	}
	return nil
}

func scanSignal(row pgx.Row) (*Signal, error) {
	s := &Signal{}
	var condJSON []byte
	err := row.Scan(
		&s.ID, &s.TraderID, &s.Symbol, &s.Timestamp, &s.KlineTimestamp,
		&s.PriceAtSignal, &s.VolumeAtSignal, &condJSON, &s.Count, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(condJSON) > 0 {
		if err := json.Unmarshal(condJSON, &s.MatchedConditions); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ============================================================================
// EXECUTION HISTORY
// ============================================================================

// InsertExecutionHistory stores the audit row for one batch.
func (r *Repository) InsertExecutionHistory(ctx context.Context, h *ExecutionHistory) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO execution_history (trader_id, started_at, completed_at,
			symbols_checked, symbols_matched, execution_time_ms, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		h.TraderID, h.StartedAt, h.CompletedAt,
		h.SymbolsChecked, h.SymbolsMatched, h.ExecutionTimeMs, h.Error,
	).Scan(&h.ID, &h.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.KindUpstream, "inserting execution history", err)
	}
	return nil
}

// ============================================================================
// USERS
// ============================================================================

// GetUserTier resolves a user's subscription tier. A missing row is not an
// error: unknown users are anonymous and hold no quota.
func (r *Repository) GetUserTier(ctx context.Context, userID string) (tier.Tier, error) {
	var raw string
	err := r.db.Pool.QueryRow(ctx,
		`SELECT subscription_tier FROM users WHERE id = $1`, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return tier.Anonymous, nil
	}
	if err != nil {
		return tier.Anonymous, errs.Wrap(errs.KindUpstream, "loading user tier", err)
	}
	return tier.Parse(raw), nil
}
