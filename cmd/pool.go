package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/credits-etl/internal/db"
	"github.com/sells-group/credits-etl/internal/etl"
	"github.com/sells-group/credits-etl/internal/monitoring"
	"github.com/sells-group/credits-etl/internal/transform"
	"github.com/sells-group/credits-etl/internal/views"
)

// openPool validates cfg for mode and connects. The caller must Close the
// pool.
func openPool(ctx context.Context, mode string) (*pgxpool.Pool, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	pool, err := db.Connect(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
		MaxConns:        cfg.Store.MaxConns,
		MinConns:        cfg.Store.MinConns,
		ConnectAttempts: cfg.Store.ConnectAttempts,
	})
	if err != nil {
		return nil, err
	}
	zap.L().Debug("connected to database")
	return pool, nil
}

// newEngine builds an engine from cfg. metrics may be nil.
func newEngine(pool db.Pool, metrics *monitoring.Collector) (*etl.Engine, error) {
	policy, err := transform.ParsePolicy(cfg.Pipeline.IdentifierPolicy)
	if err != nil {
		return nil, err
	}
	e, err := etl.NewEngine(pool, etl.Options{
		Table:            cfg.Pipeline.Table,
		Sheet:            cfg.Pipeline.Sheet,
		IdentifierPolicy: policy,
		AtRiskDays:       cfg.Views.AtRiskDays,
		Validator: views.ValidatorOptions{
			SparseThreshold: cfg.Views.SparseThreshold,
			SampleSize:      cfg.Views.SampleSize,
		},
	}, metrics)
	if err != nil {
		return nil, eris.Wrap(err, "create engine")
	}
	return e, nil
}

func newCatalog() (*views.Catalog, error) {
	return views.NewCatalog(views.CatalogOptions{
		Table:      cfg.Pipeline.Table,
		AtRiskDays: cfg.Views.AtRiskDays,
	})
}

// flushMetrics writes the textfile when one is configured.
func flushMetrics(metrics *monitoring.Collector) {
	if err := metrics.WriteTextfile(cfg.Metrics.TextfilePath); err != nil {
		zap.L().Warn("failed to write metrics textfile", zap.Error(err))
	}
}
