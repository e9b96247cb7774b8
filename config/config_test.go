package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PROVIDERS_MOCK_MODE", "true")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.ServerConfig.Port != 8080 {
		t.Errorf("server port = %d, want 8080", cfg.ServerConfig.Port)
	}
	if cfg.SettlementConfig.Cooldown() != 30*time.Minute {
		t.Errorf("cooldown = %v, want 30m", cfg.SettlementConfig.Cooldown())
	}
	if cfg.SettlementConfig.QuotaRetry() != 10*time.Minute {
		t.Errorf("quota retry = %v, want 10m", cfg.SettlementConfig.QuotaRetry())
	}
	if cfg.SettlementConfig.MinSettleDelay() != 95*time.Minute {
		t.Errorf("min settle delay = %v, want 95m", cfg.SettlementConfig.MinSettleDelay())
	}
	if cfg.ProvidersConfig.APIFootball.DailyLimit != 1000 {
		t.Errorf("api_football daily limit = %d, want 1000", cfg.ProvidersConfig.APIFootball.DailyLimit)
	}
	if cfg.CalibrationConfig.BrierWindow != 200 {
		t.Errorf("brier window = %d, want 200", cfg.CalibrationConfig.BrierWindow)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv("PROVIDERS_MOCK_MODE", "true")

	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"server": {"port": 9090},
		"settlement": {"cooldown_minutes": 45, "quota_retry_minutes": 5}
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.ServerConfig.Port != 9090 {
		t.Errorf("server port = %d, want 9090", cfg.ServerConfig.Port)
	}
	if cfg.SettlementConfig.CooldownMinutes != 45 {
		t.Errorf("cooldown = %d, want 45", cfg.SettlementConfig.CooldownMinutes)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PROVIDERS_MOCK_MODE", "true")
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("DATABASE_HOST", "db.internal")
	t.Setenv("REDIS_ADDRESS", "redis.internal:6380")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.ServerConfig.Port != 7070 {
		t.Errorf("server port = %d, want 7070", cfg.ServerConfig.Port)
	}
	if cfg.DatabaseConfig.Host != "db.internal" {
		t.Errorf("db host = %s, want db.internal", cfg.DatabaseConfig.Host)
	}
	if cfg.RedisConfig.Address != "redis.internal:6380" {
		t.Errorf("redis address = %s", cfg.RedisConfig.Address)
	}
	if cfg.LoggingConfig.Level != "DEBUG" {
		t.Errorf("log level = %s, want DEBUG", cfg.LoggingConfig.Level)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.ProvidersConfig.MockMode = true
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults in mock mode", func(c *Config) {}, false},
		{"zero cooldown", func(c *Config) { c.SettlementConfig.CooldownMinutes = 0 }, true},
		{"quota retry above cooldown", func(c *Config) { c.SettlementConfig.QuotaRetryMinutes = 60 }, true},
		{"zero brier window", func(c *Config) { c.CalibrationConfig.BrierWindow = 0 }, true},
		{"zero min multiplier", func(c *Config) { c.CalibrationConfig.MinMultiplier = 0 }, true},
		{"inverted multipliers", func(c *Config) { c.CalibrationConfig.MaxMultiplier = 0.1 }, true},
		{"inverted brier thresholds", func(c *Config) { c.CalibrationConfig.BadBrier = 0.1 }, true},
		{"live provider without key", func(c *Config) { c.ProvidersConfig.MockMode = false }, true},
		{"live provider with key", func(c *Config) {
			c.ProvidersConfig.MockMode = false
			c.ProvidersConfig.APIFootball.APIKey = "k"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
