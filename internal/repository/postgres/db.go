// Package postgres provides the PostgreSQL recommendation repository.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/limiquantix/consolidation/internal/config"
)

// recommendationsTable must exist before the repository is used; cmd/migrate creates it.
const recommendationsTable = "migration_recommendations"

// DB is the connection pool shared by the repositories.
type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewDB connects to PostgreSQL and checks that the schema has been migrated.
func NewDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL config: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 && cfg.MaxIdleConns <= cfg.MaxOpenConns {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "consolidator"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL pool: %w", err)
	}

	db := &DB{pool: pool, logger: logger.With(zap.String("component", "postgres"))}
	if err := db.checkSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	db.logger.Info("Connected to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Name),
		zap.Int32("max_conns", poolConfig.MaxConns),
	)
	return db, nil
}

// checkSchema pings the server and fails when the recommendations table is missing.
func (db *DB) checkSchema(ctx context.Context) error {
	var table *string
	err := db.pool.QueryRow(ctx, "SELECT to_regclass($1)::text", recommendationsTable).Scan(&table)
	if err != nil {
		return fmt.Errorf("failed to reach PostgreSQL: %w", err)
	}
	if table == nil {
		return fmt.Errorf("table %s does not exist, run `migrate up` first", recommendationsTable)
	}
	return nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	db.pool.Close()
	db.logger.Info("PostgreSQL connection closed")
}

// Health pings the database and warns when the pool is exhausted.
func (db *DB) Health(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return err
	}
	stat := db.pool.Stat()
	if stat.AcquiredConns() >= stat.MaxConns() {
		db.logger.Warn("PostgreSQL pool exhausted",
			zap.Int32("acquired", stat.AcquiredConns()),
			zap.Int32("max", stat.MaxConns()),
		)
	}
	return nil
}
