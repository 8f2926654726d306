package etl

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/credits-etl/internal/db"
	"github.com/sells-group/credits-etl/internal/extract"
	"github.com/sells-group/credits-etl/internal/load"
	"github.com/sells-group/credits-etl/internal/model"
	"github.com/sells-group/credits-etl/internal/monitoring"
	"github.com/sells-group/credits-etl/internal/transform"
	"github.com/sells-group/credits-etl/internal/views"
)

// Stage names as recorded in the run log and metrics.
const (
	StageExtract   = "extract"
	StageTransform = "transform"
	StageLoad      = "load"
	StageBuild     = "build"
	StageRefresh   = "refresh"
	StageValidate  = "validate"
)

// Options configures an Engine.
type Options struct {
	Table            string
	Sheet            string
	IdentifierPolicy transform.IdentifierPolicy
	AtRiskDays       int
	Validator        views.ValidatorOptions
}

// Report summarizes one pipeline or refresh cycle.
type Report struct {
	RunID      uuid.UUID              `json:"run_id" yaml:"run_id"`
	Source     string                 `json:"source,omitempty" yaml:"source,omitempty"`
	Extracted  int                    `json:"extracted" yaml:"extracted"`
	Transform  *transform.Stats       `json:"transform,omitempty" yaml:"transform,omitempty"`
	Loaded     int64                  `json:"loaded" yaml:"loaded"`
	Build      *views.BuildReport     `json:"build,omitempty" yaml:"build,omitempty"`
	Refresh    views.RefreshReport    `json:"refresh" yaml:"refresh"`
	Validation views.ValidationReport `json:"validation" yaml:"validation"`
	Elapsed    time.Duration          `json:"elapsed" yaml:"elapsed"`
}

// OK reports whether every view was built and refreshed and no validation
// target errored. Sparse and empty targets do not fail a run.
func (r *Report) OK() bool {
	if r.Build != nil && !r.Build.OK() {
		return false
	}
	return r.Refresh.OK() && r.Validation.Count(views.StatusError) == 0
}

// Engine runs the pipeline stages strictly in sequence over one shared pool.
type Engine struct {
	opts      Options
	runs      *RunLog
	metrics   *monitoring.Collector
	xform     *transform.Transformer
	loader    *load.Loader
	builder   *views.Builder
	refresher *views.Refresher
	validator *views.Validator
	log       *zap.Logger
}

// NewEngine creates an Engine. metrics may be nil.
func NewEngine(pool db.Pool, opts Options, metrics *monitoring.Collector) (*Engine, error) {
	loader, err := load.New(pool, opts.Table)
	if err != nil {
		return nil, err
	}
	catalog, err := views.NewCatalog(views.CatalogOptions{Table: loader.Table(), AtRiskDays: opts.AtRiskDays})
	if err != nil {
		return nil, err
	}
	return &Engine{
		opts:      opts,
		runs:      NewRunLog(pool),
		metrics:   metrics,
		xform:     transform.New(transform.Options{IdentifierPolicy: opts.IdentifierPolicy}),
		loader:    loader,
		builder:   views.NewBuilder(pool, catalog),
		refresher: views.NewRefresher(pool, catalog),
		validator: views.NewValidator(pool, catalog, opts.Validator),
		log:       zap.L().With(zap.String("component", "etl.engine")),
	}, nil
}

// Run executes extract, transform, load, build, refresh and validate against
// source. Extract and load failures abort the run and are returned. View
// failures are reported in the Report and leave earlier stages committed.
func (e *Engine) Run(ctx context.Context, source string) (*Report, error) {
	start := time.Now()
	report := &Report{RunID: uuid.New(), Source: source}
	log := e.log.With(zap.String("run_id", report.RunID.String()), zap.String("source", source))
	log.Info("pipeline run starting")

	var raw []model.RawRecord
	err := e.stage(ctx, report.RunID, StageExtract, func() (*StageResult, error) {
		var err error
		raw, err = e.extract(source)
		if err != nil {
			return nil, err
		}
		report.Extracted = len(raw)
		e.metrics.RecordExtract(len(raw))
		return &StageResult{Rows: int64(len(raw))}, nil
	})
	if err != nil {
		return report, err
	}

	var res transform.Result
	_ = e.stage(ctx, report.RunID, StageTransform, func() (*StageResult, error) {
		res = e.xform.Transform(raw)
		report.Transform = &res.Stats
		e.metrics.RecordTransform(res.Stats)
		return &StageResult{Rows: int64(len(res.Records)), Metadata: statsMetadata(res.Stats)}, nil
	})

	err = e.stage(ctx, report.RunID, StageLoad, func() (*StageResult, error) {
		n, err := e.loader.Load(ctx, res.Records)
		if err != nil {
			return nil, err
		}
		report.Loaded = n
		e.metrics.RecordLoad(n)
		return &StageResult{Rows: n, Metadata: map[string]any{"table": e.loader.Table()}}, nil
	})
	if err != nil {
		return report, err
	}

	_ = e.stage(ctx, report.RunID, StageBuild, func() (*StageResult, error) {
		b := e.builder.BuildAll(ctx)
		report.Build = &b
		e.metrics.RecordBuild(b)
		if failed := b.Failed(); len(failed) > 0 {
			return nil, eris.Errorf("%d of %d views failed to build", len(failed), len(b.Outcomes))
		}
		return &StageResult{Rows: int64(len(b.Outcomes))}, nil
	})

	e.refreshAndValidate(ctx, report)

	report.Elapsed = time.Since(start)
	if report.OK() {
		e.metrics.MarkSuccess(time.Now())
	}
	log.Info("pipeline run finished",
		zap.Bool("ok", report.OK()),
		zap.Int("extracted", report.Extracted),
		zap.Int64("loaded", report.Loaded),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

// Refresh runs a standalone refresh and validate cycle, as the scheduler
// does between pipeline runs.
func (e *Engine) Refresh(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{RunID: uuid.New()}

	e.refreshAndValidate(ctx, report)

	report.Elapsed = time.Since(start)
	if !report.Refresh.OK() {
		return report, model.NewError(model.KindRefreshStrategy, "etl: refresh cycle",
			eris.Errorf("%d persistent views not refreshed", countFailedRefreshes(report.Refresh)))
	}
	if report.OK() {
		e.metrics.MarkSuccess(time.Now())
	}
	return report, nil
}

// RecentRuns lists the most recent run log entries.
func (e *Engine) RecentRuns(ctx context.Context, limit int) ([]RunEntry, error) {
	return e.runs.ListRecent(ctx, limit)
}

func (e *Engine) refreshAndValidate(ctx context.Context, report *Report) {
	_ = e.stage(ctx, report.RunID, StageRefresh, func() (*StageResult, error) {
		report.Refresh = e.refresher.RefreshAll(ctx)
		e.metrics.RecordRefresh(report.Refresh)
		if n := countFailedRefreshes(report.Refresh); n > 0 {
			return nil, eris.Errorf("%d persistent views not refreshed", n)
		}
		return &StageResult{Rows: int64(len(report.Refresh.Outcomes))}, nil
	})

	_ = e.stage(ctx, report.RunID, StageValidate, func() (*StageResult, error) {
		report.Validation = e.validator.ValidateAll(ctx)
		e.metrics.RecordValidation(report.Validation)
		meta := map[string]any{}
		for _, v := range report.Validation.Results {
			meta[v.Target] = string(v.Status)
		}
		return &StageResult{Rows: int64(len(report.Validation.Results)), Metadata: meta}, nil
	})
}

// stage runs fn and records it in the run log and metrics. Run log failures
// are logged and never fail the stage.
func (e *Engine) stage(ctx context.Context, run uuid.UUID, name string, fn func() (*StageResult, error)) error {
	log := e.log.With(zap.String("run_id", run.String()), zap.String("stage", name))

	id, lerr := e.runs.Start(ctx, run, name)
	if lerr != nil {
		log.Warn("run log start failed", zap.Error(lerr))
	}

	start := time.Now()
	result, err := fn()
	elapsed := time.Since(start)
	e.metrics.ObserveStage(name, elapsed, err)

	if err != nil {
		log.Error("stage failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		if lerr == nil {
			if ferr := e.runs.Fail(ctx, id, err.Error()); ferr != nil {
				log.Warn("run log fail failed", zap.Error(ferr))
			}
		}
		return err
	}

	log.Info("stage complete", zap.Duration("elapsed", elapsed))
	if lerr == nil {
		if cerr := e.runs.Complete(ctx, id, result); cerr != nil {
			log.Warn("run log complete failed", zap.Error(cerr))
		}
	}
	return nil
}

func (e *Engine) extract(source string) ([]model.RawRecord, error) {
	src, err := extract.Open(source, extract.Options{Sheet: e.opts.Sheet})
	if err != nil {
		return nil, err
	}
	defer src.Close() //nolint:errcheck
	return extract.ReadAll(src)
}

func statsMetadata(s transform.Stats) map[string]any {
	return map[string]any{
		"input":                  s.Input,
		"output":                 s.Output,
		"dropped_missing_ids":    s.DroppedMissingIDs,
		"dropped_org_conflicts":  s.DroppedOrgConflicts,
		"orgs_backfilled":        s.OrgsBackfilled,
		"timestamps_sentinel":    s.TimestampsSentinel,
		"credits_defaulted":      s.CreditsDefaulted,
		"credit_types_defaulted": s.CreditTypesDefaulted,
	}
}

func countFailedRefreshes(r views.RefreshReport) int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.OK() {
			n++
		}
	}
	return n
}
