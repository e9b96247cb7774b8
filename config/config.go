package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerConfig      ServerConfig      `json:"server"`
	DatabaseConfig    DatabaseConfig    `json:"database"`
	RedisConfig       RedisConfig       `json:"redis"`
	ProvidersConfig   ProvidersConfig   `json:"providers"`
	SettlementConfig  SettlementConfig  `json:"settlement"`
	CalibrationConfig CalibrationConfig `json:"calibration"`
	StakingConfig     StakingConfig     `json:"staking"`
	LoggingConfig     LoggingConfig     `json:"logging"`
}

type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// ProvidersConfig configures the external result providers. Priority is the
// fallback order: lower values are consulted first.
type ProvidersConfig struct {
	MockMode    bool              `json:"mock_mode"` // Use scripted results instead of real providers
	APIFootball APIFootballConfig `json:"api_football"`
	OddsAPI     OddsAPIConfig     `json:"odds_api"`
	CacheTTLs   ResourceTTLConfig `json:"cache_ttls"`
}

type APIFootballConfig struct {
	Enabled    bool   `json:"enabled"`
	APIKey     string `json:"api_key"`
	BaseURL    string `json:"base_url"`
	Priority   int    `json:"priority"`
	DailyLimit int64  `json:"daily_limit"`
	TimeoutSec int    `json:"timeout_sec"`
}

type OddsAPIConfig struct {
	Enabled    bool   `json:"enabled"`
	APIKey     string `json:"api_key"`
	BaseURL    string `json:"base_url"`
	Priority   int    `json:"priority"`
	DailyLimit int64  `json:"daily_limit"`
	TimeoutSec int    `json:"timeout_sec"`
}

// ResourceTTLConfig sets cache TTLs per resource type, not per provider.
// Final results are stable; live scores are not.
type ResourceTTLConfig struct {
	FixtureResultHours int `json:"fixture_result_hours"`
	FixtureMetaHours   int `json:"fixture_meta_hours"`
	LiveScoreMinutes   int `json:"live_score_minutes"`
}

type SettlementConfig struct {
	CheckIntervalSec    int `json:"check_interval_sec"`     // Seconds between verification cycles
	MaxConcurrent       int `json:"max_concurrent"`         // Concurrent pick verifications per cycle
	CycleBudgetSec      int `json:"cycle_budget_sec"`       // Wall-clock budget for one cycle
	BatchSize           int `json:"batch_size"`             // Max picks pulled per cycle
	CooldownMinutes     int `json:"cooldown_minutes"`       // Between verification attempts
	QuotaRetryMinutes   int `json:"quota_retry_minutes"`    // Retry delay when blocked purely by quota
	MinSettleDelayMin   int `json:"min_settle_delay_min"`   // Minutes after kickoff before first attempt
	VoidAfterHours      int `json:"void_after_hours"`       // Auto-void cutoff for well-covered markets
	StatsVoidAfterHours int `json:"stats_void_after_hours"` // Cutoff for corners/cards markets
}

type CalibrationConfig struct {
	LearningRate  float64 `json:"learning_rate"`
	BrierWindow   int     `json:"brier_window"`
	GoodBrier     float64 `json:"good_brier"`
	BadBrier      float64 `json:"bad_brier"`
	MinMultiplier float64 `json:"min_multiplier"`
	MaxMultiplier float64 `json:"max_multiplier"`
}

type StakingConfig struct {
	BankrollUnits float64 `json:"bankroll_units"` // Bankroll for Kelly stake suggestions
}

type LoggingConfig struct {
	Level string `json:"level"` // DEBUG, INFO, WARN, ERROR
}

// LoadConfig loads configuration from a JSON file, then applies environment
// variable overrides for deployment secrets.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		ServerConfig: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Database: "settlement",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		ProvidersConfig: ProvidersConfig{
			APIFootball: APIFootballConfig{
				Enabled:    true,
				BaseURL:    "https://v3.football.api-sports.io",
				Priority:   1,
				DailyLimit: 1000,
				TimeoutSec: 10,
			},
			OddsAPI: OddsAPIConfig{
				Enabled:    true,
				BaseURL:    "https://api.the-odds-api.com",
				Priority:   2,
				DailyLimit: 500,
				TimeoutSec: 10,
			},
			CacheTTLs: ResourceTTLConfig{
				FixtureResultHours: 72,
				FixtureMetaHours:   12,
				LiveScoreMinutes:   5,
			},
		},
		SettlementConfig: SettlementConfig{
			CheckIntervalSec:    600,
			MaxConcurrent:       5,
			CycleBudgetSec:      120,
			BatchSize:           100,
			CooldownMinutes:     30,
			QuotaRetryMinutes:   10,
			MinSettleDelayMin:   95,
			VoidAfterHours:      72,
			StatsVoidAfterHours: 48,
		},
		CalibrationConfig: CalibrationConfig{
			LearningRate:  0.05,
			BrierWindow:   200,
			GoodBrier:     0.19,
			BadBrier:      0.30,
			MinMultiplier: 0.25,
			MaxMultiplier: 1.5,
		},
		StakingConfig: StakingConfig{
			BankrollUnits: 100,
		},
		LoggingConfig: LoggingConfig{
			Level: "INFO",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)

	cfg.DatabaseConfig.Host = getEnvOrDefault("DATABASE_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DATABASE_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DATABASE_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DATABASE_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DATABASE_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DATABASE_SSL_MODE", cfg.DatabaseConfig.SSLMode)

	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	cfg.ProvidersConfig.MockMode = getEnvOrDefault("PROVIDERS_MOCK_MODE", boolStr(cfg.ProvidersConfig.MockMode)) == "true"
	cfg.ProvidersConfig.APIFootball.APIKey = getEnvOrDefault("API_FOOTBALL_KEY", cfg.ProvidersConfig.APIFootball.APIKey)
	cfg.ProvidersConfig.OddsAPI.APIKey = getEnvOrDefault("ODDS_API_KEY", cfg.ProvidersConfig.OddsAPI.APIKey)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime behavior.
func (c *Config) Validate() error {
	if c.SettlementConfig.CooldownMinutes <= 0 {
		return fmt.Errorf("settlement cooldown must be positive, got %d", c.SettlementConfig.CooldownMinutes)
	}
	if c.SettlementConfig.QuotaRetryMinutes > c.SettlementConfig.CooldownMinutes {
		return fmt.Errorf("quota retry delay (%dm) must not exceed cooldown (%dm)",
			c.SettlementConfig.QuotaRetryMinutes, c.SettlementConfig.CooldownMinutes)
	}
	if c.CalibrationConfig.BrierWindow <= 0 {
		return fmt.Errorf("brier window must be positive, got %d", c.CalibrationConfig.BrierWindow)
	}
	if c.CalibrationConfig.MinMultiplier <= 0 {
		return fmt.Errorf("min stake multiplier must be positive, got %f", c.CalibrationConfig.MinMultiplier)
	}
	if c.CalibrationConfig.MaxMultiplier < c.CalibrationConfig.MinMultiplier {
		return fmt.Errorf("max stake multiplier %f below min %f",
			c.CalibrationConfig.MaxMultiplier, c.CalibrationConfig.MinMultiplier)
	}
	if c.CalibrationConfig.BadBrier <= c.CalibrationConfig.GoodBrier {
		return fmt.Errorf("bad brier threshold %f must exceed good threshold %f",
			c.CalibrationConfig.BadBrier, c.CalibrationConfig.GoodBrier)
	}
	if c.ProvidersConfig.APIFootball.Enabled && !c.ProvidersConfig.MockMode && c.ProvidersConfig.APIFootball.APIKey == "" {
		return fmt.Errorf("api_football enabled but no API key configured")
	}
	return nil
}

func (s SettlementConfig) CheckInterval() time.Duration {
	return time.Duration(s.CheckIntervalSec) * time.Second
}

func (s SettlementConfig) CycleBudget() time.Duration {
	return time.Duration(s.CycleBudgetSec) * time.Second
}

func (s SettlementConfig) Cooldown() time.Duration {
	return time.Duration(s.CooldownMinutes) * time.Minute
}

func (s SettlementConfig) QuotaRetry() time.Duration {
	return time.Duration(s.QuotaRetryMinutes) * time.Minute
}

func (s SettlementConfig) MinSettleDelay() time.Duration {
	return time.Duration(s.MinSettleDelayMin) * time.Minute
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
