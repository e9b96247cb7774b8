package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sports-settlement-bot/config"
	"sports-settlement-bot/internal/api"
	"sports-settlement-bot/internal/cache"
	"sports-settlement-bot/internal/calibration"
	"sports-settlement-bot/internal/database"
	"sports-settlement-bot/internal/logging"
	"sports-settlement-bot/internal/providers"
	"sports-settlement-bot/internal/providers/apifootball"
	"sports-settlement-bot/internal/providers/oddsapi"
	"sports-settlement-bot/internal/resolver"
	"sports-settlement-bot/internal/settlement"
	"sports-settlement-bot/internal/staking"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logging.New(cfg.LoggingConfig.Level)
	logger.Info().Msg("Starting sports settlement bot")

	// Database
	db, err := database.NewDB(cfg.DatabaseConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 60*time.Second)
	if err := db.RunMigrations(migrateCtx); err != nil {
		cancelMigrate()
		log.Fatalf("Failed to run migrations: %v", err)
	}
	cancelMigrate()

	repo := database.NewRepository(db)

	// Cache and quota
	quotaLimits := map[string]int64{}
	if cfg.ProvidersConfig.APIFootball.Enabled {
		quotaLimits["api_football"] = cfg.ProvidersConfig.APIFootball.DailyLimit
	}
	if cfg.ProvidersConfig.OddsAPI.Enabled {
		quotaLimits["odds_api"] = cfg.ProvidersConfig.OddsAPI.DailyLimit
	}

	cacheSvc, err := cache.NewService(cfg.RedisConfig, cfg.ProvidersConfig.CacheTTLs, quotaLimits)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer cacheSvc.Close()

	// Provider chain
	chain := buildProviderChain(cfg)
	if len(chain) == 0 {
		log.Fatalf("No result providers enabled")
	}
	statsNeeds := []providers.Resource{providers.ResourceScore, providers.ResourceCorners, providers.ResourceCards}
	statsCovered := false
	for _, p := range chain {
		if providers.CanResolve(p, statsNeeds) {
			statsCovered = true
			break
		}
	}
	if !statsCovered {
		logger.Warn().Msg("No enabled provider carries corner and card statistics; stats markets will ride the auto-void window")
	}

	res := resolver.New(cacheSvc, repo, chain, logger)

	// Calibration
	calCtx, cancelCal := context.WithTimeout(context.Background(), 10*time.Second)
	engine, err := calibration.NewEngine(calCtx, cfg.CalibrationConfig, repo, logger)
	cancelCal()
	if err != nil {
		log.Fatalf("Failed to initialize calibration engine: %v", err)
	}

	// Settlement
	settleSvc := settlement.NewService(repo, res, engine, cfg.SettlementConfig, logger)
	scheduler := settlement.NewScheduler(settleSvc, engine, cfg.SettlementConfig)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start verification scheduler: %v", err)
	}

	// Staking suggestions for pick intake
	stakes := staking.NewEngine(cfg.StakingConfig.BankrollUnits)

	// HTTP API
	server := api.NewServer(cfg.ServerConfig, repo, cacheSvc, engine, stakes, chain, scheduler)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := scheduler.Stop(); err != nil {
		logger.Error().Err(err).Msg("Scheduler stop failed")
	}
	if err := engine.Persist(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Final calibration persist failed")
	}

	logger.Info().Msg("Shutdown complete")
}

// buildProviderChain assembles the fallback chain from config. Mock mode
// swaps both providers for scripted ones so the full pipeline runs without
// spending API quota.
func buildProviderChain(cfg *config.Config) []providers.ResultProvider {
	p := cfg.ProvidersConfig

	if p.MockMode {
		return []providers.ResultProvider{
			providers.NewMockProvider("api_football", 1, cache.ConfidenceAuthoritative),
			providers.NewMockProvider("odds_api", 2, cache.ConfidencePartial, providers.ResourceScore),
		}
	}

	var chain []providers.ResultProvider
	if p.APIFootball.Enabled {
		chain = append(chain, apifootball.NewClient(
			p.APIFootball.APIKey, p.APIFootball.Priority,
			p.APIFootball.BaseURL, time.Duration(p.APIFootball.TimeoutSec)*time.Second))
	}
	if p.OddsAPI.Enabled {
		chain = append(chain, oddsapi.NewClient(
			p.OddsAPI.APIKey, p.OddsAPI.Priority,
			p.OddsAPI.BaseURL, time.Duration(p.OddsAPI.TimeoutSec)*time.Second))
	}
	return chain
}
