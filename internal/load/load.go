// Package load replaces the canonical user_actions table with a freshly
// transformed batch.
package load

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/credits-etl/internal/db"
	"github.com/sells-group/credits-etl/internal/model"
)

const createTableSQL = `CREATE TABLE %s (
	org_id      TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	credit_type TEXT,
	action      TEXT,
	credits     DOUBLE PRECISION,
	"timestamp" TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
)`

// Loader drops, recreates and bulk-fills the canonical table.
type Loader struct {
	pool  db.Pool
	table string
	log   *zap.Logger
}

// New returns a Loader for table, which may be schema-qualified.
func New(pool db.Pool, table string) (*Loader, error) {
	if err := db.ValidateIdent(table); err != nil {
		return nil, eris.Wrap(err, "load: table name")
	}
	return &Loader{
		pool:  pool,
		table: table,
		log:   zap.L().With(zap.String("component", "load"), zap.String("table", table)),
	}, nil
}

// Table returns the canonical table name.
func (l *Loader) Table() string {
	return l.table
}

// Load replaces the table contents with records in a single transaction.
// On failure the previous table is left untouched.
func (l *Loader) Load(ctx context.Context, records []model.CanonicalRecord) (int64, error) {
	start := time.Now()
	quoted := db.QuoteIdent(l.table)

	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = r.Values()
	}

	var n int64
	err := db.InTx(ctx, l.pool, func(tx pgx.Tx) error {
		if schema, _, ok := strings.Cut(l.table, "."); ok {
			if _, err := tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
				return eris.Wrap(err, "load: create schema")
			}
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", quoted)); err != nil {
			return eris.Wrap(err, "load: drop table")
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(createTableSQL, quoted)); err != nil {
			return eris.Wrap(err, "load: create table")
		}

		var err error
		n, err = db.CopyFrom(ctx, tx, l.table, model.Columns, rows)
		return err
	})
	if err != nil {
		l.log.Error("load failed, previous table kept", zap.Error(err))
		return 0, model.NewError(model.KindStoreConnectivity, "load: replace "+l.table, err)
	}

	l.log.Info("table replaced",
		zap.Int64("rows", n),
		zap.Duration("elapsed", time.Since(start)),
	)
	return n, nil
}
