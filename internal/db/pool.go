// Package db provides the store abstraction shared by every pipeline stage:
// a pooled connection interface, identifier validation and bulk COPY.
package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/credits-etl/internal/model"
	"github.com/sells-group/credits-etl/internal/resilience"
)

// Pool is the subset of *pgxpool.Pool used by the pipeline. pgxmock's pool
// satisfies it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	ConnectAttempts int
}

// Connect creates a pgxpool.Pool and verifies it with a ping. Transient
// connection failures are retried with backoff. The caller owns the pool and
// must Close it.
func Connect(ctx context.Context, dsn string, cfg PoolConfig) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, model.NewError(model.KindStoreConnectivity, "db: connect", eris.New("no database_url configured"))
	}

	pgxCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, model.NewError(model.KindStoreConnectivity, "db: parse config", err)
	}

	maxConns := int32(4)
	minConns := int32(1)
	if cfg.MaxConns > 0 {
		maxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		minConns = cfg.MinConns
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	backoff := resilience.DefaultBackoff()
	if cfg.ConnectAttempts > 0 {
		backoff.Attempts = cfg.ConnectAttempts
	}

	pool, err := resilience.Retry(ctx, "db.connect", backoff, func(ctx context.Context) (*pgxpool.Pool, error) {
		p, err := pgxpool.NewWithConfig(ctx, pgxCfg)
		if err != nil {
			return nil, err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		return nil, model.NewError(model.KindStoreConnectivity, "db: connect", err)
	}
	return pool, nil
}

// InTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back on every other exit path.
func InTx(ctx context.Context, pool Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "db: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "db: commit tx")
	}
	return nil
}
