package views

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/credits-etl/internal/db"
	"github.com/sells-group/credits-etl/internal/model"
)

// State is a step in a persistent view's refresh.
//
//	NotRefreshed -> ConcurrentAttempted -> Refreshed
//	                                    -> FallbackAttempted -> Refreshed | Failed
//	NotRefreshed -> FallbackAttempted (no unique index)
type State int

const (
	NotRefreshed State = iota
	ConcurrentAttempted
	FallbackAttempted
	Refreshed
	Failed
)

func (s State) String() string {
	switch s {
	case ConcurrentAttempted:
		return "concurrent_attempted"
	case FallbackAttempted:
		return "fallback_attempted"
	case Refreshed:
		return "refreshed"
	case Failed:
		return "failed"
	default:
		return "not_refreshed"
	}
}

// MarshalText renders the state by name in JSON and YAML reports.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Refresh strategies.
const (
	StrategyConcurrent = "concurrent"
	StrategyBlocking   = "blocking"
)

// RefreshOutcome is the result of refreshing one view.
type RefreshOutcome struct {
	View       string        `json:"view" yaml:"view"`
	State      State         `json:"state" yaml:"state"`
	Trace      []State       `json:"trace" yaml:"trace"`
	Strategy   string        `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Diagnostic string        `json:"diagnostic,omitempty" yaml:"diagnostic,omitempty"`
	Elapsed    time.Duration `json:"elapsed" yaml:"elapsed"`
}

// OK reports whether the view ended up refreshed.
func (o RefreshOutcome) OK() bool {
	return o.State == Refreshed
}

func (o *RefreshOutcome) enter(s State) {
	o.State = s
	o.Trace = append(o.Trace, s)
}

// RefreshReport collects the outcome of every persistent view.
type RefreshReport struct {
	Outcomes []RefreshOutcome `json:"outcomes" yaml:"outcomes"`
}

// OK reports whether every view was refreshed.
func (r RefreshReport) OK() bool {
	for _, o := range r.Outcomes {
		if !o.OK() {
			return false
		}
	}
	return true
}

// uniqueIndexSQL checks the live catalog rather than the declared indexes: a
// view built by an older release may lack one.
const uniqueIndexSQL = `SELECT EXISTS (
	SELECT 1 FROM pg_index i
	WHERE i.indrelid = to_regclass($1) AND i.indisunique AND i.indisvalid
)`

// Refresher refreshes persistent views in place.
type Refresher struct {
	pool    db.Pool
	catalog *Catalog
	log     *zap.Logger
}

// NewRefresher creates a Refresher.
func NewRefresher(pool db.Pool, catalog *Catalog) *Refresher {
	return &Refresher{
		pool:    pool,
		catalog: catalog,
		log:     zap.L().With(zap.String("component", "views.refresher")),
	}
}

// Refresh brings one persistent view up to date. A concurrent refresh is
// tried first when the view has a unique index; otherwise, or when it fails,
// a blocking refresh is used. Only a failed blocking refresh is an error.
// Unknown and ephemeral views are rejected without touching the store.
func (r *Refresher) Refresh(ctx context.Context, name string) (out RefreshOutcome, err error) {
	out.View = name
	out.enter(NotRefreshed)

	def, ok := r.catalog.Lookup(name)
	if !ok {
		err = model.NewError(model.KindRefreshStrategy, "views: refresh", eris.Errorf("unknown view %q", name))
		out.Diagnostic = err.Error()
		return out, err
	}
	if def.Class == Ephemeral {
		err = model.NewError(model.KindRefreshStrategy, "views: refresh "+name,
			eris.New("ephemeral views are rebuilt, not refreshed"))
		out.Diagnostic = err.Error()
		return out, err
	}

	start := time.Now()
	defer func() { out.Elapsed = time.Since(start) }()

	quoted := db.QuoteIdent(def.Name)
	log := r.log.With(zap.String("view", name))

	hasUnique, lerr := r.hasUniqueIndex(ctx, def.Name)
	if lerr != nil {
		log.Warn("unique index lookup failed, using blocking refresh", zap.Error(lerr))
	}

	if hasUnique {
		out.enter(ConcurrentAttempted)
		// quoted is a catalog name, so interpolation is safe.
		_, cerr := r.pool.Exec(ctx, fmt.Sprintf("REFRESH MATERIALIZED VIEW CONCURRENTLY %s", quoted)) //nolint:gosec
		if cerr == nil {
			out.enter(Refreshed)
			out.Strategy = StrategyConcurrent
			log.Info("view refreshed", zap.String("strategy", StrategyConcurrent))
			return out, nil
		}
		log.Warn("concurrent refresh failed, falling back to blocking refresh", zap.Error(cerr))
	} else {
		log.Info("view has no unique index, using blocking refresh")
	}

	out.enter(FallbackAttempted)
	if _, ferr := r.pool.Exec(ctx, fmt.Sprintf("REFRESH MATERIALIZED VIEW %s", quoted)); ferr != nil { //nolint:gosec
		out.enter(Failed)
		err = model.NewError(model.KindRefreshStrategy, "views: refresh "+name, ferr)
		out.Diagnostic = err.Error()
		log.Error("blocking refresh failed", zap.Error(ferr))
		return out, err
	}

	out.enter(Refreshed)
	out.Strategy = StrategyBlocking
	log.Info("view refreshed", zap.String("strategy", StrategyBlocking))
	return out, nil
}

// RefreshAll refreshes every persistent view, continuing past failures.
func (r *Refresher) RefreshAll(ctx context.Context) RefreshReport {
	var report RefreshReport
	for _, def := range r.catalog.Persistent() {
		o, _ := r.Refresh(ctx, def.Name)
		report.Outcomes = append(report.Outcomes, o)
	}
	return report
}

func (r *Refresher) hasUniqueIndex(ctx context.Context, view string) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, uniqueIndexSQL, view).Scan(&exists); err != nil {
		return false, eris.Wrapf(err, "views: unique index lookup for %s", view)
	}
	return exists, nil
}
