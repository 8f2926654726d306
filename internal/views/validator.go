package views

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/credits-etl/internal/db"
)

// Status classifies a validated view or table.
type Status string

const (
	StatusPassed Status = "passed"
	StatusSparse Status = "sparse"
	StatusEmpty  Status = "empty"
	StatusError  Status = "error"
)

// Validation is the smoke-check result for one target.
type Validation struct {
	Target     string           `json:"target" yaml:"target"`
	Rows       int64            `json:"rows" yaml:"rows"`
	Status     Status           `json:"status" yaml:"status"`
	Sample     []map[string]any `json:"sample,omitempty" yaml:"sample,omitempty"`
	Diagnostic string           `json:"diagnostic,omitempty" yaml:"diagnostic,omitempty"`
}

// ValidationReport collects the validation of every target.
type ValidationReport struct {
	Results []Validation `json:"results" yaml:"results"`
}

// Count returns how many results have the given status.
func (r ValidationReport) Count(s Status) int {
	n := 0
	for _, v := range r.Results {
		if v.Status == s {
			n++
		}
	}
	return n
}

// ValidatorOptions configures a Validator.
type ValidatorOptions struct {
	// SparseThreshold: a target with fewer rows (but at least one) is Sparse.
	SparseThreshold int64
	// SampleSize bounds the sample fetched per target.
	SampleSize int
}

// Validator counts and samples views and the canonical table. It never
// writes.
type Validator struct {
	pool    db.Pool
	catalog *Catalog
	opts    ValidatorOptions
	log     *zap.Logger
}

// NewValidator creates a Validator. Zero options fall back to a threshold
// and sample size of 10.
func NewValidator(pool db.Pool, catalog *Catalog, opts ValidatorOptions) *Validator {
	if opts.SparseThreshold <= 0 {
		opts.SparseThreshold = 10
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = 10
	}
	return &Validator{
		pool:    pool,
		catalog: catalog,
		opts:    opts,
		log:     zap.L().With(zap.String("component", "views.validator")),
	}
}

// Targets returns the canonical table followed by every catalog view.
func (v *Validator) Targets() []string {
	return append([]string{v.catalog.Table()}, v.catalog.Names()...)
}

func (v *Validator) isTarget(name string) bool {
	if name == v.catalog.Table() {
		return true
	}
	_, ok := v.catalog.Lookup(name)
	return ok
}

// Validate counts and samples one target. Failures are reported in the
// result, never returned.
func (v *Validator) Validate(ctx context.Context, target string) Validation {
	res := Validation{Target: target}
	log := v.log.With(zap.String("target", target))

	if !v.isTarget(target) {
		res.Status = StatusError
		res.Diagnostic = fmt.Sprintf("views: unknown validation target %q", target)
		log.Warn("validation skipped", zap.String("reason", res.Diagnostic))
		return res
	}
	quoted := db.QuoteIdent(target)

	// quoted is allow-listed, so interpolation is safe.
	if err := v.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+quoted).Scan(&res.Rows); err != nil { //nolint:gosec
		res.Status = StatusError
		res.Diagnostic = eris.Wrapf(err, "views: count %s", target).Error()
		log.Error("validation failed", zap.Error(err))
		return res
	}

	sample, err := v.sample(ctx, quoted)
	if err != nil {
		res.Status = StatusError
		res.Diagnostic = eris.Wrapf(err, "views: sample %s", target).Error()
		log.Error("validation failed", zap.Error(err))
		return res
	}
	res.Sample = sample

	switch {
	case res.Rows == 0:
		res.Status = StatusEmpty
		log.Warn("target is empty")
	case res.Rows < v.opts.SparseThreshold:
		res.Status = StatusSparse
		log.Warn("target has few rows", zap.Int64("rows", res.Rows), zap.Int64("threshold", v.opts.SparseThreshold))
	default:
		res.Status = StatusPassed
		log.Info("target validated", zap.Int64("rows", res.Rows))
	}
	return res
}

// ValidateAll validates every target.
func (v *Validator) ValidateAll(ctx context.Context) ValidationReport {
	var report ValidationReport
	for _, t := range v.Targets() {
		report.Results = append(report.Results, v.Validate(ctx, t))
	}
	return report
}

func (v *Validator) sample(ctx context.Context, quoted string) ([]map[string]any, error) {
	rows, err := v.pool.Query(ctx, "SELECT * FROM "+quoted+" LIMIT $1", v.opts.SampleSize) //nolint:gosec
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToMap)
}
