// Package config loads engine settings from the environment. A .env file
// is honored in development; real deployments set variables directly.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"signal-screener/internal/errs"
	"signal-screener/internal/indicators"
	"signal-screener/internal/market"
)

type Config struct {
	Server   ServerConfig
	Binance  BinanceConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Engine   EngineConfig
	Auth     AuthConfig
	Logging  LoggingConfig
	Vault    VaultConfig
	Machine  MachineConfig
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host           string
	Port           int
	Environment    string
	Version        string
	AllowedOrigins []string
	MetricsEnabled bool
}

// Production reports whether the engine runs with production hardening.
func (c ServerConfig) Production() bool {
	return c.Environment == "production"
}

// BinanceConfig holds the market data plane settings.
type BinanceConfig struct {
	APIURL            string
	StreamURL         string
	RequestsPerSecond int
	SymbolCount       int
	MinVolume         float64
	QuoteAsset        string
	ExcludedSymbols   []string
	KlineInterval     string // base timeframe streamed for every tracked symbol
	KlineHistoryLimit int
	ScreeningInterval time.Duration // ticker refresh and stale-series refill sweep
	SymbolRefresh     time.Duration // universe re-rank
}

// BaseTimeframe returns the parsed base kline interval. Validate guarantees
// it parses.
func (c BinanceConfig) BaseTimeframe() market.Timeframe {
	tf, _ := market.ParseTimeframe(c.KlineInterval)
	return tf
}

// DatabaseConfig holds the Supabase Postgres settings.
type DatabaseConfig struct {
	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseAnonKey    string
	DatabaseURL        string // direct DSN, derived from the project URL when empty
	RunMigrations      bool
}

// RedisConfig holds the optional signal cache settings.
type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	PoolSize int
}

// EngineConfig holds the evaluation pipeline settings.
type EngineConfig struct {
	ExecutionTimeout      time.Duration
	MaxConcurrentAnalysis int
	WorkerCount           int // 0 means one worker per CPU
	TaskQueueSize         int
}

// AuthConfig holds token verification settings. An empty secret switches
// the verifier to payload-decode mode.
type AuthConfig struct {
	JWTSecret string
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string
	Format string
}

// VaultConfig holds the optional secret source settings.
type VaultConfig struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string
	SecretPath string
}

// MachineConfig identifies this engine instance in multi-machine
// deployments. All fields are optional; without an id the instance does
// not report presence.
type MachineConfig struct {
	ID       string
	UserID   string
	Region   string
	CPUs     int
	MemoryMB int
}

// Load reads the environment into a validated Config.
func Load() (*Config, error) {
	// best effort: absent .env is the normal production case
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Server: ServerConfig{
			Host:           v.GetString("HOST"),
			Port:           v.GetInt("PORT"),
			Environment:    v.GetString("ENVIRONMENT"),
			Version:        v.GetString("VERSION"),
			AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
			MetricsEnabled: v.GetBool("METRICS_ENABLED"),
		},
		Binance: BinanceConfig{
			APIURL:            v.GetString("BINANCE_API_URL"),
			StreamURL:         v.GetString("BINANCE_STREAM_URL"),
			RequestsPerSecond: v.GetInt("BINANCE_REQUESTS_PER_SECOND"),
			SymbolCount:       v.GetInt("SYMBOL_COUNT"),
			MinVolume:         v.GetFloat64("MIN_VOLUME"),
			QuoteAsset:        strings.ToUpper(v.GetString("QUOTE_ASSET")),
			ExcludedSymbols:   splitList(v.GetString("EXCLUDED_SYMBOLS")),
			KlineInterval:     v.GetString("KLINE_INTERVAL"),
			KlineHistoryLimit: v.GetInt("KLINE_HISTORY_LIMIT"),
			ScreeningInterval: time.Duration(v.GetInt("SCREENING_INTERVAL_MS")) * time.Millisecond,
			SymbolRefresh:     time.Duration(v.GetInt("SYMBOL_REFRESH_INTERVAL_MS")) * time.Millisecond,
		},
		Database: DatabaseConfig{
			SupabaseURL:        v.GetString("SUPABASE_URL"),
			SupabaseServiceKey: v.GetString("SUPABASE_SERVICE_KEY"),
			SupabaseAnonKey:    v.GetString("SUPABASE_ANON_KEY"),
			DatabaseURL:        v.GetString("SUPABASE_DB_URL"),
			RunMigrations:      v.GetBool("DB_RUN_MIGRATIONS"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("REDIS_ENABLED"),
			Address:  v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			PoolSize: v.GetInt("REDIS_POOL_SIZE"),
		},
		Engine: EngineConfig{
			ExecutionTimeout:      time.Duration(v.GetInt("EXECUTION_TIMEOUT_MS")) * time.Millisecond,
			MaxConcurrentAnalysis: v.GetInt("MAX_CONCURRENT_ANALYSIS"),
			WorkerCount:           v.GetInt("WORKER_COUNT"),
			TaskQueueSize:         v.GetInt("TASK_QUEUE_SIZE"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("AUTH_JWT_SECRET"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		Vault: VaultConfig{
			Enabled:    v.GetBool("VAULT_ENABLED"),
			Address:    v.GetString("VAULT_ADDR"),
			Token:      v.GetString("VAULT_TOKEN"),
			MountPath:  v.GetString("VAULT_MOUNT_PATH"),
			SecretPath: v.GetString("VAULT_SECRET_PATH"),
		},
		Machine: MachineConfig{
			ID:       v.GetString("MACHINE_ID"),
			UserID:   v.GetString("MACHINE_USER_ID"),
			Region:   v.GetString("MACHINE_REGION"),
			CPUs:     v.GetInt("MACHINE_CPUS"),
			MemoryMB: v.GetInt("MACHINE_MEMORY"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("VERSION", "dev")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("METRICS_ENABLED", true)

	v.SetDefault("BINANCE_API_URL", "https://api.binance.com")
	v.SetDefault("BINANCE_STREAM_URL", "wss://stream.binance.com:9443")
	v.SetDefault("BINANCE_REQUESTS_PER_SECOND", 10)
	v.SetDefault("SYMBOL_COUNT", 100)
	v.SetDefault("MIN_VOLUME", 100_000)
	v.SetDefault("QUOTE_ASSET", "USDT")
	v.SetDefault("EXCLUDED_SYMBOLS", "")
	v.SetDefault("KLINE_INTERVAL", "5m")
	v.SetDefault("KLINE_HISTORY_LIMIT", 250)
	v.SetDefault("SCREENING_INTERVAL_MS", 60_000)
	v.SetDefault("SYMBOL_REFRESH_INTERVAL_MS", 600_000)

	v.SetDefault("SUPABASE_URL", "")
	v.SetDefault("SUPABASE_SERVICE_KEY", "")
	v.SetDefault("SUPABASE_ANON_KEY", "")
	v.SetDefault("SUPABASE_DB_URL", "")
	v.SetDefault("DB_RUN_MIGRATIONS", false)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 10)

	v.SetDefault("EXECUTION_TIMEOUT_MS", 5_000)
	v.SetDefault("MAX_CONCURRENT_ANALYSIS", 3)
	v.SetDefault("WORKER_COUNT", 0)
	v.SetDefault("TASK_QUEUE_SIZE", 1024)

	v.SetDefault("AUTH_JWT_SECRET", "")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("VAULT_ENABLED", false)
	v.SetDefault("VAULT_ADDR", "http://localhost:8200")
	v.SetDefault("VAULT_TOKEN", "")
	v.SetDefault("VAULT_MOUNT_PATH", "secret")
	v.SetDefault("VAULT_SECRET_PATH", "signal-screener")

	v.SetDefault("MACHINE_ID", "")
	v.SetDefault("MACHINE_USER_ID", "")
	v.SetDefault("MACHINE_REGION", "")
	v.SetDefault("MACHINE_CPUS", 0)
	v.SetDefault("MACHINE_MEMORY", 0)
}

// Validate rejects configurations the engine cannot boot with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errs.Ef(errs.KindConfig, "PORT %d out of range", c.Server.Port)
	}
	if c.Database.SupabaseURL == "" {
		return errs.E(errs.KindConfig, "SUPABASE_URL is required")
	}
	if c.Database.SupabaseServiceKey == "" {
		return errs.E(errs.KindConfig, "SUPABASE_SERVICE_KEY is required")
	}
	if c.Database.SupabaseAnonKey == "" {
		return errs.E(errs.KindConfig, "SUPABASE_ANON_KEY is required")
	}
	if _, err := market.ParseTimeframe(c.Binance.KlineInterval); err != nil {
		return errs.Ef(errs.KindConfig, "KLINE_INTERVAL %q is not a supported timeframe", c.Binance.KlineInterval)
	}
	if c.Binance.SymbolCount < 1 {
		return errs.Ef(errs.KindConfig, "SYMBOL_COUNT %d must be positive", c.Binance.SymbolCount)
	}
	if c.Binance.KlineHistoryLimit < indicators.MinBars {
		return errs.Ef(errs.KindConfig, "KLINE_HISTORY_LIMIT %d is below the %d bars indicators need", c.Binance.KlineHistoryLimit, indicators.MinBars)
	}
	if c.Engine.ExecutionTimeout <= 0 {
		return errs.E(errs.KindConfig, "EXECUTION_TIMEOUT_MS must be positive")
	}
	if c.Engine.MaxConcurrentAnalysis < 1 {
		return errs.E(errs.KindConfig, "MAX_CONCURRENT_ANALYSIS must be at least 1")
	}
	if c.Engine.TaskQueueSize < 1 {
		return errs.E(errs.KindConfig, "TASK_QUEUE_SIZE must be at least 1")
	}
	if c.Vault.Enabled && c.Vault.Address == "" {
		return errs.E(errs.KindConfig, "VAULT_ADDR is required when VAULT_ENABLED")
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return errs.E(errs.KindConfig, "REDIS_ADDR is required when REDIS_ENABLED")
	}
	return nil
}

// ApplyVaultSecrets overrides secret-bearing fields with values fetched
// from Vault. Keys follow the environment variable names, so the same
// secret works from either source.
func (c *Config) ApplyVaultSecrets(secrets map[string]string) {
	if v := secrets["SUPABASE_SERVICE_KEY"]; v != "" {
		c.Database.SupabaseServiceKey = v
	}
	if v := secrets["SUPABASE_DB_URL"]; v != "" {
		c.Database.DatabaseURL = v
	}
	if v := secrets["REDIS_PASSWORD"]; v != "" {
		c.Redis.Password = v
	}
	if v := secrets["AUTH_JWT_SECRET"]; v != "" {
		c.Auth.JWTSecret = v
	}
}

// splitList parses a comma separated list. "*" and "" mean unrestricted
// and return nil.
func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
