// Package monitoring exposes pipeline and view-maintenance metrics in
// Prometheus format.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"

	"github.com/sells-group/credits-etl/internal/transform"
	"github.com/sells-group/credits-etl/internal/views"
)

const namespace = "credits_etl"

// Collector records pipeline metrics on its own registry. A nil *Collector
// is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	recordsExtracted prometheus.Counter
	recordsLoaded    prometheus.Counter
	rowsDropped      *prometheus.CounterVec
	degradations     *prometheus.CounterVec
	viewBuilds       *prometheus.CounterVec
	viewRefreshes    *prometheus.CounterVec
	validationRows   *prometheus.GaugeVec
	validationStatus *prometheus.GaugeVec
	stageDuration    *prometheus.HistogramVec
	stageFailures    *prometheus.CounterVec
	lastSuccess      prometheus.Gauge
}

// NewCollector creates a Collector with a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		recordsExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_extracted_total",
			Help:      "Raw records read from the source.",
		}),
		recordsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_loaded_total",
			Help:      "Canonical records written to the store.",
		}),
		rowsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_dropped_total",
			Help:      "Records dropped by the transformer, by reason.",
		}, []string{"reason"}),
		degradations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "field_degradations_total",
			Help:      "Fields replaced by a default or sentinel, by kind.",
		}, []string{"kind"}),
		viewBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "view_builds_total",
			Help:      "View builds by view and result.",
		}, []string{"view", "result"}),
		viewRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "view_refreshes_total",
			Help:      "Persistent view refreshes by view and strategy.",
		}, []string{"view", "strategy"}),
		validationRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validation_rows",
			Help:      "Row count observed at the last validation.",
		}, []string{"target"}),
		validationStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validation_status",
			Help:      "1 for the status observed at the last validation, 0 otherwise.",
		}, []string{"target", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"stage"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Pipeline stage failures.",
		}, []string{"stage"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last fully successful run.",
		}),
	}

	c.registry.MustRegister(
		c.recordsExtracted,
		c.recordsLoaded,
		c.rowsDropped,
		c.degradations,
		c.viewBuilds,
		c.viewRefreshes,
		c.validationRows,
		c.validationStatus,
		c.stageDuration,
		c.stageFailures,
		c.lastSuccess,
	)
	return c
}

// Registry returns the registry the collector's metrics live on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordExtract counts raw records read.
func (c *Collector) RecordExtract(n int) {
	if c == nil {
		return
	}
	c.recordsExtracted.Add(float64(n))
}

// RecordTransform counts drops and degradations from a transform batch.
func (c *Collector) RecordTransform(s transform.Stats) {
	if c == nil {
		return
	}
	c.rowsDropped.WithLabelValues("missing_identifier").Add(float64(s.DroppedMissingIDs))
	c.rowsDropped.WithLabelValues("org_conflict").Add(float64(s.DroppedOrgConflicts))
	c.degradations.WithLabelValues("timestamp_sentinel").Add(float64(s.TimestampsSentinel))
	c.degradations.WithLabelValues("credits_default").Add(float64(s.CreditsDefaulted))
	c.degradations.WithLabelValues("credit_type_default").Add(float64(s.CreditTypesDefaulted))
	c.degradations.WithLabelValues("org_backfill").Add(float64(s.OrgsBackfilled))
}

// RecordLoad counts records written.
func (c *Collector) RecordLoad(n int64) {
	if c == nil {
		return
	}
	c.recordsLoaded.Add(float64(n))
}

// RecordBuild counts view build outcomes.
func (c *Collector) RecordBuild(r views.BuildReport) {
	if c == nil {
		return
	}
	for _, o := range r.Outcomes {
		result := "ok"
		if !o.OK {
			result = "failed"
		}
		c.viewBuilds.WithLabelValues(o.View, result).Inc()
	}
}

// RecordRefresh counts refresh outcomes. Failed refreshes are labelled with
// strategy "failed".
func (c *Collector) RecordRefresh(r views.RefreshReport) {
	if c == nil {
		return
	}
	for _, o := range r.Outcomes {
		strategy := o.Strategy
		if !o.OK() {
			strategy = "failed"
		}
		c.viewRefreshes.WithLabelValues(o.View, strategy).Inc()
	}
}

var validationStatuses = []views.Status{views.StatusPassed, views.StatusSparse, views.StatusEmpty, views.StatusError}

// RecordValidation sets the row and status gauges for every target.
func (c *Collector) RecordValidation(r views.ValidationReport) {
	if c == nil {
		return
	}
	for _, v := range r.Results {
		c.validationRows.WithLabelValues(v.Target).Set(float64(v.Rows))
		for _, s := range validationStatuses {
			val := 0.0
			if v.Status == s {
				val = 1
			}
			c.validationStatus.WithLabelValues(v.Target, string(s)).Set(val)
		}
	}
}

// ObserveStage records a stage duration and, when err is non-nil, a failure.
func (c *Collector) ObserveStage(stage string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		c.stageFailures.WithLabelValues(stage).Inc()
	}
}

// MarkSuccess stamps the last-success gauge with t.
func (c *Collector) MarkSuccess(t time.Time) {
	if c == nil {
		return
	}
	c.lastSuccess.Set(float64(t.Unix()))
}

// WriteTextfile writes every metric to path in the node_exporter textfile
// format. The file is replaced atomically.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return eris.Wrapf(err, "monitoring: write textfile %s", path)
	}
	return nil
}
