package views

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/credits-etl/internal/db"
	"github.com/sells-group/credits-etl/internal/model"
)

// Outcome is the result of building one view.
type Outcome struct {
	View       string        `json:"view" yaml:"view"`
	OK         bool          `json:"ok" yaml:"ok"`
	Diagnostic string        `json:"diagnostic,omitempty" yaml:"diagnostic,omitempty"`
	Elapsed    time.Duration `json:"elapsed" yaml:"elapsed"`
}

// BuildReport collects the outcome of every view in a build.
type BuildReport struct {
	Outcomes []Outcome `json:"outcomes" yaml:"outcomes"`
}

// OK reports whether every view was built.
func (r BuildReport) OK() bool {
	return len(r.Failed()) == 0
}

// Failed returns the outcomes of views that could not be built.
func (r BuildReport) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.OK {
			out = append(out, o)
		}
	}
	return out
}

// Builder drops and recreates catalog views.
type Builder struct {
	pool    db.Pool
	catalog *Catalog
	log     *zap.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(pool db.Pool, catalog *Catalog) *Builder {
	return &Builder{
		pool:    pool,
		catalog: catalog,
		log:     zap.L().With(zap.String("component", "views.builder")),
	}
}

// Build recreates one view and its indexes in a single transaction. The view
// body is created before its indexes. On failure the previous version of the
// view, if any, is left in place.
func (b *Builder) Build(ctx context.Context, name string) error {
	def, ok := b.catalog.Lookup(name)
	if !ok {
		return model.NewError(model.KindViewDefinition, "views: build", eris.Errorf("unknown view %q", name))
	}

	err := db.InTx(ctx, b.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, def.DropSQL()); err != nil {
			return eris.Wrap(err, "drop view")
		}
		if _, err := tx.Exec(ctx, def.CreateSQL()); err != nil {
			return eris.Wrap(err, "create view")
		}
		for i, stmt := range def.IndexSQL() {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return eris.Wrapf(err, "create index %s", def.Indexes[i].Name)
			}
		}
		return nil
	})
	if err != nil {
		return model.NewError(model.KindViewDefinition, "views: build "+name, err)
	}
	return nil
}

// BuildAll builds every catalog view in order. A failing view is logged and
// reported; the remaining views are still attempted.
func (b *Builder) BuildAll(ctx context.Context) BuildReport {
	var report BuildReport
	for _, def := range b.catalog.Definitions() {
		start := time.Now()
		err := b.Build(ctx, def.Name)
		o := Outcome{View: def.Name, OK: err == nil, Elapsed: time.Since(start)}
		if err != nil {
			o.Diagnostic = err.Error()
			b.log.Error("view build failed",
				zap.String("view", def.Name),
				zap.String("class", def.Class.String()),
				zap.Error(err),
			)
		} else {
			b.log.Info("view built",
				zap.String("view", def.Name),
				zap.String("class", def.Class.String()),
				zap.Duration("elapsed", o.Elapsed),
			)
		}
		report.Outcomes = append(report.Outcomes, o)
	}
	return report
}
