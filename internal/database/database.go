package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// ErrDisabled is returned by the position log when no database is set up.
var ErrDisabled = errors.New("position log disabled: DATABASE_URL not set")

// Connect opens and pings the Postgres database at dbURL.
func Connect(ctx context.Context, dbURL string, log zerolog.Logger) (*sqlx.DB, error) {
	log.Info().Int("url_length", len(dbURL)).Msg("🔌 connecting to database")

	db, err := sqlx.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	log.Info().Msg("✅ database connection established")
	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS driver_position_events (
		id BIGSERIAL PRIMARY KEY,
		driver_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		route_id TEXT,
		source TEXT NOT NULL,
		event_type TEXT NOT NULL,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		status TEXT,
		battery_level DOUBLE PRECISION,
		recorded_at TIMESTAMPTZ,
		received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_driver_position_events_driver
		ON driver_position_events(driver_id, received_at DESC)`,

	`CREATE INDEX IF NOT EXISTS idx_driver_position_events_org
		ON driver_position_events(organization_id, received_at DESC)`,
}

// Migrate creates the position log schema. It is safe to run repeatedly.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

// Prune deletes events received before cutoff and returns how many went.
func Prune(ctx context.Context, db *sqlx.DB, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM driver_position_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning position events: %w", err)
	}
	return res.RowsAffected()
}
