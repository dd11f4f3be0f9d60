// Package cache provides the Redis lookaside used on the signal hot path
// and the machine presence heartbeat. Redis is optional: a disabled cache
// degrades every operation to a miss and callers fall back to the
// repository.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"signal-screener/internal/database"
)

// Key formats and TTLs.
const (
	// keyLastSignal holds the most recent signal per trader and symbol.
	keyLastSignal = "signal:last:%s:%s"

	DefaultSignalTTL = 24 * time.Hour
)

// Config holds Redis connection settings.
type Config struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	PoolSize int
}

// SignalCache mirrors the latest signal per (trader, symbol) so the dedup
// precheck does not hit Postgres on every match. Reads and writes are best
// effort: any Redis failure is a miss, never a task failure.
type SignalCache struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewSignalCache connects to Redis, or returns a disabled cache when the
// config says so. A failed initial ping is logged and tolerated; the
// client retries on use.
func NewSignalCache(cfg Config, log zerolog.Logger) *SignalCache {
	sc := &SignalCache{ttl: DefaultSignalTTL, log: log.With().Str("component", "signal_cache").Logger()}
	if !cfg.Enabled {
		sc.log.Info().Msg("redis disabled, signal lookaside off")
		return sc
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	sc.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sc.client.Ping(ctx).Err(); err != nil {
		sc.log.Warn().Err(err).Str("addr", cfg.Address).Msg("redis unreachable, running degraded")
	} else {
		sc.log.Info().Str("addr", cfg.Address).Msg("redis connected")
	}
	return sc
}

// Enabled reports whether a Redis client is configured.
func (sc *SignalCache) Enabled() bool {
	return sc.client != nil
}

// LastSignal returns the cached latest signal for a trader and symbol.
// Any miss, decode failure or Redis error reports false.
func (sc *SignalCache) LastSignal(ctx context.Context, traderID, symbol string) (*database.Signal, bool) {
	if sc.client == nil {
		return nil, false
	}
	data, err := sc.client.Get(ctx, fmt.Sprintf(keyLastSignal, traderID, symbol)).Bytes()
	if err != nil {
		if err != redis.Nil {
			sc.log.Debug().Err(err).Msg("signal cache read failed")
		}
		return nil, false
	}
	var sig database.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		sc.log.Warn().Err(err).Msg("corrupt cached signal dropped")
		return nil, false
	}
	return &sig, true
}

// StoreLastSignal mirrors a freshly written signal row. Best effort.
func (sc *SignalCache) StoreLastSignal(ctx context.Context, sig *database.Signal) {
	if sc.client == nil || sig == nil {
		return
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return
	}
	key := fmt.Sprintf(keyLastSignal, sig.TraderID, sig.Symbol)
	if err := sc.client.Set(ctx, key, data, sc.ttl).Err(); err != nil {
		sc.log.Debug().Err(err).Msg("signal cache write failed")
	}
}

// DropTrader removes the cached signals of one trader for the given
// symbols, used when a trader is reloaded with a new filter.
func (sc *SignalCache) DropTrader(ctx context.Context, traderID string, symbols []string) {
	if sc.client == nil || len(symbols) == 0 {
		return
	}
	keys := make([]string, len(symbols))
	for i, s := range symbols {
		keys[i] = fmt.Sprintf(keyLastSignal, traderID, s)
	}
	if err := sc.client.Del(ctx, keys...).Err(); err != nil {
		sc.log.Debug().Err(err).Msg("signal cache invalidation failed")
	}
}

// Close releases the Redis connection.
func (sc *SignalCache) Close() {
	if sc.client != nil {
		sc.client.Close()
	}
}
