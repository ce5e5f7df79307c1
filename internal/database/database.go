package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ms-registration/internal/config"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"

	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

const retryDelay = 2 * time.Second

// Open connects to the configured store, retrying the ping a few times so
// the service can start alongside its database container.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*bun.DB, error) {
	driverName := "postgres"
	if cfg.Driver == "sqlite" {
		driverName = sqliteshim.ShimName
	}

	attempts := cfg.ConnectRetry
	if attempts <= 0 {
		attempts = 1
	}

	var sqldb *sql.DB
	var err error
	for i := 0; i < attempts; i++ {
		log.Info("DATABASE", fmt.Sprintf("Connecting to %s (attempt %d/%d)", cfg.Driver, i+1, attempts))
		sqldb, err = sql.Open(driverName, cfg.DSN)
		if err == nil {
			err = sqldb.PingContext(ctx)
			if err == nil {
				break
			}
			sqldb.Close()
		}
		log.Error("DATABASE", fmt.Sprintf("Failed to connect: %v", err))
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s after %d attempts: %w", cfg.Driver, attempts, err)
	}

	if cfg.Driver == "sqlite" {
		// sqlite serializes writers; one connection keeps in-memory DSNs shared
		sqldb.SetMaxOpenConns(1)
		log.Info("DATABASE", "SQLite connection ready")
		return bun.NewDB(sqldb, sqlitedialect.New()), nil
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)
	log.Info("DATABASE", "PostgreSQL connection ready")
	return bun.NewDB(sqldb, pgdialect.New()), nil
}

// EnsureSchema creates the tables from the bun models. It is used for
// sqlite and tests; Postgres goes through the migrations package.
func EnsureSchema(ctx context.Context, db *bun.DB) error {
	tables := []interface{}{
		(*models.Event)(nil),
		(*models.CampusUser)(nil),
		(*models.EventCapacity)(nil),
		(*models.Registration)(nil),
	}
	for _, m := range tables {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", m, err)
		}
	}

	_, err := db.NewCreateIndex().
		Model((*models.Registration)(nil)).
		Index("registrations_active_uniq").
		Unique().
		IfNotExists().
		Column("user_id", "event_id").
		Where("status IN ('pending', 'approved')").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create active registration index: %w", err)
	}

	_, err = db.NewCreateIndex().
		Model((*models.Registration)(nil)).
		Index("registrations_event_status_idx").
		IfNotExists().
		Column("event_id", "status").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create event status index: %w", err)
	}
	return nil
}
