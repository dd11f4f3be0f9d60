// Package database is the pgx-backed persistence layer: traders, signals,
// execution history and the user tier lookup, stored in Supabase Postgres.
package database

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"signal-screener/internal/errs"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// Config holds database connection settings. DatabaseURL wins when set,
// otherwise the DSN is derived from the Supabase project URL and service
// key.
type Config struct {
	DatabaseURL        string
	SupabaseURL        string
	SupabaseServiceKey string
}

// DSN resolves the connection string for this config.
func (c Config) DSN() (string, error) {
	if c.DatabaseURL != "" {
		return c.DatabaseURL, nil
	}
	return BuildSupabaseDSN(c.SupabaseURL, c.SupabaseServiceKey)
}

// BuildSupabaseDSN derives the direct Postgres DSN from a Supabase project
// URL: https://<ref>.supabase.co maps to db.<ref>.supabase.co:5432.
func BuildSupabaseDSN(supabaseURL, serviceKey string) (string, error) {
	if supabaseURL == "" || serviceKey == "" {
		return "", errs.E(errs.KindConfig, "supabase url and service key are required when no database url is set")
	}

	u, err := url.Parse(supabaseURL)
	if err != nil {
		return "", errs.Wrap(errs.KindConfig, "parsing supabase url", err)
	}
	host := u.Host
	if host == "" {
		// bare host without a scheme
		host = strings.TrimSuffix(u.Path, "/")
	}
	ref, rest, ok := strings.Cut(host, ".")
	if !ok || ref == "" || !strings.HasPrefix(rest, "supabase.") {
		return "", errs.Ef(errs.KindConfig, "cannot derive project ref from supabase url %q", supabaseURL)
	}

	return fmt.Sprintf("postgresql://postgres:%s@db.%s.supabase.co:5432/postgres",
		url.QueryEscape(serviceKey), ref), nil
}

// NewDB creates the connection pool and verifies the database is reachable.
func NewDB(cfg Config, log zerolog.Logger) (*DB, error) {
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "parsing database config", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstream, "creating connection pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.KindUpstream, "pinging database", err)
	}

	dbLog := log.With().Str("component", "database").Logger()
	dbLog.Info().Msg("connected to postgres")
	return &DB{Pool: pool, log: dbLog}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info().Msg("database connection closed")
	}
}

// HealthCheck performs a database health check.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations creates the schema. Opt-in: managed deployments own their
// schema through Supabase, so boot only calls this when DB_RUN_MIGRATIONS
// is set.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS traders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT FALSE,
			filter_source TEXT NOT NULL,
			filter_timeframes JSONB NOT NULL DEFAULT '[]',
			schedule VARCHAR(10) NOT NULL,
			dedupe_bars INTEGER NOT NULL DEFAULT 50,
			tier VARCHAR(20) NOT NULL DEFAULT 'free',
			matched_conditions JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traders_user_id ON traders(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_traders_enabled ON traders(enabled)`,

		`CREATE TABLE IF NOT EXISTS signals (
			id BIGSERIAL PRIMARY KEY,
			trader_id TEXT NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			kline_timestamp BIGINT NOT NULL,
			price_at_signal DECIMAL(20, 8) NOT NULL,
			volume_at_signal DECIMAL(30, 8) NOT NULL DEFAULT 0,
			matched_conditions JSONB NOT NULL DEFAULT '[]',
			count INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		// the dedup backstop: concurrent writers collapse onto one row
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_signals_dedup
			ON signals(trader_id, symbol, kline_timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_latest
			ON signals(trader_id, symbol, kline_timestamp DESC)`,

		`CREATE TABLE IF NOT EXISTS execution_history (
			id BIGSERIAL PRIMARY KEY,
			trader_id TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL,
			symbols_checked INTEGER NOT NULL DEFAULT 0,
			symbols_matched INTEGER NOT NULL DEFAULT 0,
			execution_time_ms BIGINT NOT NULL DEFAULT 0,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_history_trader
			ON execution_history(trader_id, started_at DESC)`,

		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			subscription_tier VARCHAR(20) NOT NULL DEFAULT 'free',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// written by the out-of-band filter generator, never read here
		`CREATE TABLE IF NOT EXISTS prompts (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return errs.Wrap(errs.KindUpstream, fmt.Sprintf("migration %d failed", i+1), err)
		}
	}

	db.log.Info().Int("statements", len(migrations)).Msg("database migrations completed")
	return nil
}
