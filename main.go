// Command signal-screener runs the screening engine: market data ingest,
// the trader scheduler and the HTTP control plane in a single process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"signal-screener/config"
	"signal-screener/internal/api"
	"signal-screener/internal/auth"
	"signal-screener/internal/binance"
	"signal-screener/internal/cache"
	"signal-screener/internal/database"
	"signal-screener/internal/events"
	"signal-screener/internal/logging"
	"signal-screener/internal/metrics"
	"signal-screener/internal/sandbox"
	"signal-screener/internal/trader"
	"signal-screener/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	boot := logging.Component(logger, "boot")
	boot.Info().
		Str("version", cfg.Server.Version).
		Str("environment", cfg.Server.Environment).
		Msg("signal screener starting")

	if err := run(cfg, logger, boot); err != nil {
		boot.Fatal().Err(err).Msg("engine failed")
	}
}

func run(cfg *config.Config, logger zerolog.Logger, boot zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// secrets first, everything below consumes them
	if cfg.Vault.Enabled {
		vc, err := vault.NewClient(vault.Config{
			Enabled:    true,
			Address:    cfg.Vault.Address,
			Token:      cfg.Vault.Token,
			MountPath:  cfg.Vault.MountPath,
			SecretPath: cfg.Vault.SecretPath,
		})
		if err != nil {
			return err
		}
		secrets, err := vc.Secrets(ctx)
		if err != nil {
			return err
		}
		cfg.ApplyVaultSecrets(secrets)
		boot.Info().Int("keys", len(secrets)).Msg("vault secrets applied")
	}

	db, err := database.NewDB(database.Config{
		DatabaseURL:        cfg.Database.DatabaseURL,
		SupabaseURL:        cfg.Database.SupabaseURL,
		SupabaseServiceKey: cfg.Database.SupabaseServiceKey,
	}, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Database.RunMigrations {
		if err := db.RunMigrations(ctx); err != nil {
			return err
		}
	}
	repo := database.NewRepository(db)

	signals := cache.NewSignalCache(cache.Config{
		Enabled:  cfg.Redis.Enabled,
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, logger)
	defer signals.Close()

	presence := cache.NewPresence(signals, cache.MachineInfo{
		MachineID: cfg.Machine.ID,
		UserID:    cfg.Machine.UserID,
		Region:    cfg.Machine.Region,
		CPUs:      cfg.Machine.CPUs,
		MemoryMB:  cfg.Machine.MemoryMB,
		Version:   cfg.Server.Version,
	}, logger)
	if presence != nil {
		presence.Start(ctx)
		defer presence.Stop()
	}

	bus := events.NewBus()

	ingestor := binance.NewIngestor(binance.IngestorConfig{
		BaseURL:           cfg.Binance.APIURL,
		StreamURL:         cfg.Binance.StreamURL,
		RequestsPerSecond: cfg.Binance.RequestsPerSecond,
		QuoteAsset:        cfg.Binance.QuoteAsset,
		MaxSymbols:        cfg.Binance.SymbolCount,
		MinQuoteVolume:    cfg.Binance.MinVolume,
		ExcludedSymbols:   cfg.Binance.ExcludedSymbols,
		KlineLimit:        cfg.Binance.KlineHistoryLimit,
		RefreshInterval:   cfg.Binance.SymbolRefresh,
		ReconcileInterval: cfg.Binance.ScreeningInterval,
	}, bus, logger)
	if err := ingestor.Start(ctx); err != nil {
		return err
	}
	defer ingestor.Stop()
	metrics.RegisterCacheStats(ingestor.CacheStats)

	// the base interval streams for every tracked symbol regardless of
	// which traders run
	if err := ingestor.SubscribeTimeframe(ctx, cfg.Binance.BaseTimeframe()); err != nil {
		return err
	}

	executor := sandbox.NewExecutor(logger)

	manager := trader.NewManager(trader.Config{
		ExecutionTimeout:      cfg.Engine.ExecutionTimeout,
		MaxConcurrentAnalysis: cfg.Engine.MaxConcurrentAnalysis,
		WorkerCount:           cfg.Engine.WorkerCount,
		QueueSize:             cfg.Engine.TaskQueueSize,
		KlineLimit:            cfg.Binance.KlineHistoryLimit,
	}, repo, ingestor, executor, signals, bus, logger)
	if err := manager.Run(ctx); err != nil {
		return err
	}

	if err := manager.SeedDefaults(ctx); err != nil {
		return err
	}
	manager.Resume(ctx)

	// operator breadcrumb: one log line per persisted signal
	sigLog := logging.Component(logger, "signals")
	if err := bus.SubscribeSignalCreated(func(ev events.SignalCreated) {
		sigLog.Info().
			Str("signal_id", ev.SignalID).
			Str("trader_id", ev.TraderID).
			Str("symbol", ev.Symbol).
			Str("timeframe", ev.Timeframe.String()).
			Float64("price", ev.Price).
			Int("count", ev.Count).
			Bool("fresh", ev.Fresh).
			Msg("signal")
	}); err != nil {
		return err
	}

	server := api.NewServer(api.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ProductionMode:  cfg.Server.Production(),
		Version:         cfg.Server.Version,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MetricsEnabled:  cfg.Server.MetricsEnabled,
		DefaultInterval: cfg.Binance.BaseTimeframe(),
	}, repo, manager, ingestor, executor, auth.NewVerifier(cfg.Auth.JWTSecret), logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	boot.Info().Msg("engine running")

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	boot.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		boot.Warn().Err(err).Msg("http server shutdown incomplete")
	}
	manager.Shutdown(shutdownCtx)
	bus.Wait()

	boot.Info().Msg("shutdown complete")
	return nil
}
