package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"sports-settlement-bot/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB creates a new database connection
func NewDB(cfg config.DatabaseConfig) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
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
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		// Fixtures: the real-world events picks reference
		`CREATE TABLE IF NOT EXISTS fixtures (
			id BIGSERIAL PRIMARY KEY,
			external_ref VARCHAR(100) NOT NULL UNIQUE,
			provider_ids JSONB NOT NULL DEFAULT '{}',
			home_team VARCHAR(100) NOT NULL,
			away_team VARCHAR(100) NOT NULL,
			kickoff TIMESTAMPTZ NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'SCHEDULED',
			home_goals INT,
			away_goals INT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fixtures_kickoff ON fixtures(kickoff)`,
		`CREATE INDEX IF NOT EXISTS idx_fixtures_status ON fixtures(status)`,

		// Picks: settleable predictions, owned by the settlement state machine
		`CREATE TABLE IF NOT EXISTS picks (
			id UUID PRIMARY KEY,
			fixture_id BIGINT NOT NULL REFERENCES fixtures(id),
			market VARCHAR(30) NOT NULL,
			selection VARCHAR(30) NOT NULL,
			line DECIMAL(6, 2),
			predicted_probability DECIMAL(8, 6) NOT NULL,
			offered_price DECIMAL(10, 4) NOT NULL,
			stake_units DECIMAL(10, 4) NOT NULL,
			status VARCHAR(10) NOT NULL DEFAULT 'PENDING',
			attempt_count INT NOT NULL DEFAULT 0,
			last_attempt_at TIMESTAMPTZ,
			next_eligible_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			placed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			settled_at TIMESTAMPTZ,
			void_reason TEXT,
			result_payload JSONB,
			calibration_accounted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_picks_status ON picks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_picks_fixture ON picks(fixture_id)`,
		`CREATE INDEX IF NOT EXISTS idx_picks_next_eligible ON picks(next_eligible_at) WHERE status = 'PENDING'`,
		`CREATE INDEX IF NOT EXISTS idx_picks_placed_at ON picks(placed_at)`,

		// Manual override audit trail
		`CREATE TABLE IF NOT EXISTS override_audit_log (
			id BIGSERIAL PRIMARY KEY,
			pick_id UUID NOT NULL REFERENCES picks(id),
			operator VARCHAR(100) NOT NULL,
			reason TEXT NOT NULL,
			prior_status VARCHAR(10) NOT NULL,
			new_status VARCHAR(10) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_override_audit_pick ON override_audit_log(pick_id)`,

		// Calibration model: singleton row per market segment
		`CREATE TABLE IF NOT EXISTS calibration_model (
			id INT PRIMARY KEY,
			market_segment VARCHAR(50) NOT NULL DEFAULT 'global',
			scale DECIMAL(12, 8) NOT NULL DEFAULT 1.0,
			param_offset DECIMAL(12, 8) NOT NULL DEFAULT 0.0,
			brier_window JSONB NOT NULL DEFAULT '[]',
			sample_count BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
