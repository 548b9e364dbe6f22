package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"uvexchange.io/uvx/internal/config"
	apperrors "uvexchange.io/uvx/internal/pkg/errors"
	"uvexchange.io/uvx/internal/pkg/logger"
)

// Store is the canonical owner of the four row types. All consumers
// share one pgx connection pool; sqlx rides on top of it for row
// mapping.
type Store struct {
	pool *pgxpool.Pool
	db   *sqlx.DB

	// bulkMu serializes bulk inserts and bulk updates. Observably a
	// single logical mutex across tables.
	bulkMu sync.Mutex
}

// New creates the store with a shared connection pool. The pool is
// pinged on creation; a failure here is fatal to startup.
func New(ctx context.Context, cfg config.DBConfig) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, apperrors.BadConfig("parse db conn string: " + err.Error())
	}
	if cfg.PoolSize > 0 {
		poolConfig.MaxConns = cfg.PoolSize
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	poolConfig.HealthCheckPeriod = time.Minute

	// UTC on every new connection.
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET timezone = 'UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, apperrors.PoolExhausted(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.PoolExhausted(err)
	}

	db := sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx")

	logger.Info("database connection pool created",
		zap.Int32("max_conns", poolConfig.MaxConns),
		zap.Int32("min_conns", poolConfig.MinConns),
	)

	return &Store{pool: pool, db: db}, nil
}

// NewWithDB wraps an existing database handle; used by tests with
// sqlmock.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying sqlx handle for advanced callers.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close releases the pool.
func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// migrationDDL creates the four tables. grab_logs is range-partitioned
// by created_at; partitions themselves come from the partition
// manager.
var migrationDDL = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id              BIGSERIAL PRIMARY KEY,
		order_no        TEXT NOT NULL UNIQUE,
		merchant_id     BIGINT NOT NULL DEFAULT 0,
		reward          NUMERIC(12,2) NOT NULL DEFAULT 0,
		distance        INT NOT NULL DEFAULT 0,
		pickup          TEXT NOT NULL DEFAULT '',
		delivery        TEXT NOT NULL DEFAULT '',
		order_type      TEXT NOT NULL DEFAULT '',
		order_type_code INT NOT NULL DEFAULT 0,
		status          INT NOT NULL DEFAULT 0,
		version         INT NOT NULL DEFAULT 1,
		uv_id           BIGINT,
		expire_time     TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		is_delete       INT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status_created ON orders (status, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS u_vehicles (
		id              BIGSERIAL PRIMARY KEY,
		uv_code         TEXT NOT NULL UNIQUE,
		model_type      INT NOT NULL DEFAULT 1,
		status          INT NOT NULL DEFAULT 0,
		battery         INT NOT NULL DEFAULT 100,
		capabilities    TEXT NOT NULL DEFAULT '',
		supported_types TEXT NOT NULL DEFAULT '',
		location        TEXT NOT NULL DEFAULT '',
		version         INT NOT NULL DEFAULT 1,
		heartbeat_time  TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		is_delete       INT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS grab_logs (
		id              BIGSERIAL,
		order_id        BIGINT NOT NULL,
		uv_id           BIGINT NOT NULL,
		status          INT NOT NULL DEFAULT 1,
		result          INT NOT NULL DEFAULT 1,
		bid_amount      NUMERIC(12,2) NOT NULL DEFAULT 0,
		response_time   BIGINT NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		is_delete       INT NOT NULL DEFAULT 0,
		PRIMARY KEY (id, created_at)
	) PARTITION BY RANGE (created_at)`,
	`CREATE TABLE IF NOT EXISTS delivery_tasks (
		id              BIGSERIAL PRIMARY KEY,
		order_id        BIGINT NOT NULL,
		uv_id           BIGINT NOT NULL,
		actual_distance INT NOT NULL DEFAULT 0,
		start_time      TIMESTAMPTZ,
		end_time        TIMESTAMPTZ,
		status          INT NOT NULL DEFAULT 1,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		is_delete       INT NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_grab_logs_order_result
		ON grab_logs (order_id, result, created_at)`,
}

// AutoMigrate creates the schema and the current + next grab-log
// partitions. Development convenience; production schemas are managed
// externally.
func (s *Store) AutoMigrate(ctx context.Context, lookaheadMonths int) error {
	logger.Info("running store auto-migration")
	for _, ddl := range migrationDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return wrapDBError(err, "auto-migrate")
		}
	}
	if _, err := s.EnsureFuturePartitions(ctx, "grab_logs", lookaheadMonths, "grab log archive"); err != nil {
		return err
	}
	logger.Info("store auto-migration completed")
	return nil
}

// ExecUpdate runs a raw statement and returns the number of affected
// rows. This is the primitive under the claim CAS.
func (s *Store) ExecUpdate(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, wrapDBError(err, "exec update")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDBError(err, "rows affected")
	}
	return affected, nil
}

// wrapDBError maps driver errors onto the structured taxonomy.
func wrapDBError(err error, op string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "deadlock"):
		return apperrors.DBDeadlock(err)
	case strings.Contains(msg, "duplicate key"):
		return apperrors.Duplicate(err, op)
	default:
		return apperrors.Wrap(err, apperrors.KindTransient, apperrors.CodeDBError, op)
	}
}
