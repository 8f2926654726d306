package etl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/credits-etl/internal/model"
	"github.com/sells-group/credits-etl/internal/monitoring"
	"github.com/sells-group/credits-etl/internal/transform"
	"github.com/sells-group/credits-etl/internal/views"
)

const sampleCSV = `org_id,user_id,credit_type,action,credits,timestamp
a,u1,api,add,10,2024-01-01 00:00:00
a,u1,api,deduct,3,2024-01-02 00:00:00
,u2,api,add,5,2024-01-03 00:00:00
`

func writeSource(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "actions.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0o600))
	return path
}

func testEngine(t *testing.T, mock pgxmock.PgxPoolIface, metrics *monitoring.Collector) *Engine {
	t.Helper()
	e, err := NewEngine(mock, Options{
		Table:            "user_actions",
		IdentifierPolicy: transform.PolicyStrict,
	}, metrics)
	require.NoError(t, err)
	return e
}

func testCatalog(t *testing.T) *views.Catalog {
	t.Helper()
	c, err := views.NewCatalog(views.CatalogOptions{Table: "user_actions"})
	require.NoError(t, err)
	return c
}

func q(s string) string {
	return regexp.QuoteMeta(s)
}

func expectStageStart(mock pgxmock.PgxPoolIface, stage string) {
	mock.ExpectExec("INSERT INTO etl.runs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), stage).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

func expectStageComplete(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("SET status = 'complete'").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
}

func expectStageFail(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("SET status = 'failed'").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
}

func expectLoad(mock pgxmock.PgxPoolIface, rows int64) {
	mock.ExpectBegin()
	mock.ExpectExec(q(`DROP TABLE IF EXISTS "user_actions" CASCADE`)).WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectExec(q(`CREATE TABLE "user_actions"`)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"user_actions"}, model.Columns).WillReturnResult(rows)
	mock.ExpectCommit()
}

func expectBuildAll(mock pgxmock.PgxPoolIface, c *views.Catalog) {
	for _, d := range c.Definitions() {
		mock.ExpectBegin()
		mock.ExpectExec(q(d.DropSQL())).WillReturnResult(pgxmock.NewResult("DROP", 0))
		mock.ExpectExec(q(`CREATE MATERIALIZED VIEW "` + d.Name + `" AS`)).WillReturnResult(pgxmock.NewResult("SELECT", 1))
		for _, stmt := range d.IndexSQL() {
			mock.ExpectExec(q(stmt)).WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))
		}
		mock.ExpectCommit()
	}
}

func expectRefreshAll(mock pgxmock.PgxPoolIface, c *views.Catalog) {
	for _, d := range c.Persistent() {
		mock.ExpectQuery("SELECT EXISTS").WithArgs(d.Name).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectExec(q(`REFRESH MATERIALIZED VIEW CONCURRENTLY "` + d.Name + `"`)).
			WillReturnResult(pgxmock.NewResult("REFRESH", 0))
	}
}

func expectValidateAll(mock pgxmock.PgxPoolIface, c *views.Catalog, count int64) {
	targets := append([]string{c.Table()}, c.Names()...)
	for _, target := range targets {
		mock.ExpectQuery(q(`SELECT COUNT(*) FROM "` + target + `"`)).
			WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(count))
		mock.ExpectQuery(q(`SELECT * FROM "` + target + `" LIMIT $1`)).
			WithArgs(10).
			WillReturnRows(pgxmock.NewRows([]string{"org_id"}).AddRow("a"))
	}
}

func TestRun_FullPipeline(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	c := testCatalog(t)
	metrics := monitoring.NewCollector()

	expectStageStart(mock, StageExtract)
	expectStageComplete(mock)
	expectStageStart(mock, StageTransform)
	expectStageComplete(mock)
	expectStageStart(mock, StageLoad)
	expectLoad(mock, 2)
	expectStageComplete(mock)
	expectStageStart(mock, StageBuild)
	expectBuildAll(mock, c)
	expectStageComplete(mock)
	expectStageStart(mock, StageRefresh)
	expectRefreshAll(mock, c)
	expectStageComplete(mock)
	expectStageStart(mock, StageValidate)
	expectValidateAll(mock, c, 25)
	expectStageComplete(mock)

	report, err := testEngine(t, mock, metrics).Run(context.Background(), writeSource(t))
	require.NoError(t, err)

	assert.True(t, report.OK())
	assert.NotEqual(t, uuid.Nil, report.RunID)
	assert.Equal(t, 3, report.Extracted)
	require.NotNil(t, report.Transform)
	assert.Equal(t, 2, report.Transform.Output)
	assert.Equal(t, 1, report.Transform.DroppedMissingIDs)
	assert.Equal(t, int64(2), report.Loaded)
	require.NotNil(t, report.Build)
	assert.Len(t, report.Build.Outcomes, 5)
	assert.Len(t, report.Refresh.Outcomes, 2)
	assert.Equal(t, 6, report.Validation.Count(views.StatusPassed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_ExtractFailureAborts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectStageStart(mock, StageExtract)
	expectStageFail(mock)

	report, err := testEngine(t, mock, nil).Run(context.Background(), filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindStructuralInput))
	assert.Zero(t, report.Extracted)
	assert.Nil(t, report.Build)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_LoadFailureAborts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectStageStart(mock, StageExtract)
	expectStageComplete(mock)
	expectStageStart(mock, StageTransform)
	expectStageComplete(mock)
	expectStageStart(mock, StageLoad)
	mock.ExpectBegin()
	mock.ExpectExec("DROP TABLE").WillReturnError(errors.New("password authentication failed"))
	mock.ExpectRollback()
	expectStageFail(mock)

	report, err := testEngine(t, mock, nil).Run(context.Background(), writeSource(t))
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindStoreConnectivity))
	assert.Equal(t, 3, report.Extracted)
	assert.Nil(t, report.Build)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_ViewFailuresArePartial(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	c := testCatalog(t)

	expectStageStart(mock, StageExtract)
	expectStageComplete(mock)
	expectStageStart(mock, StageTransform)
	expectStageComplete(mock)
	expectStageStart(mock, StageLoad)
	expectLoad(mock, 2)
	expectStageComplete(mock)

	expectStageStart(mock, StageBuild)
	for range c.Definitions() {
		mock.ExpectBegin()
		mock.ExpectExec("DROP MATERIALIZED VIEW").WillReturnError(errors.New("must be owner of materialized view"))
		mock.ExpectRollback()
	}
	expectStageFail(mock)

	expectStageStart(mock, StageRefresh)
	for _, d := range c.Persistent() {
		mock.ExpectQuery("SELECT EXISTS").WithArgs(d.Name).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("REFRESH MATERIALIZED VIEW").WillReturnError(errors.New("must be owner of materialized view"))
	}
	expectStageFail(mock)

	expectStageStart(mock, StageValidate)
	expectValidateAll(mock, c, 2)
	expectStageComplete(mock)

	report, err := testEngine(t, mock, nil).Run(context.Background(), writeSource(t))
	require.NoError(t, err)

	assert.False(t, report.OK())
	assert.Equal(t, int64(2), report.Loaded)
	assert.Len(t, report.Build.Failed(), 5)
	assert.False(t, report.Refresh.OK())
	assert.Equal(t, 6, report.Validation.Count(views.StatusSparse))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_Refresh(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	c := testCatalog(t)
	expectStageStart(mock, StageRefresh)
	expectRefreshAll(mock, c)
	expectStageComplete(mock)
	expectStageStart(mock, StageValidate)
	expectValidateAll(mock, c, 25)
	expectStageComplete(mock)

	report, err := testEngine(t, mock, nil).Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Nil(t, report.Build)
	assert.Empty(t, report.Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_RefreshFallsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	c := testCatalog(t)
	expectStageStart(mock, StageRefresh)
	for _, d := range c.Persistent() {
		mock.ExpectQuery("SELECT EXISTS").WithArgs(d.Name).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectExec("REFRESH MATERIALIZED VIEW CONCURRENTLY").WillReturnError(errors.New("deadlock detected"))
		mock.ExpectExec("REFRESH MATERIALIZED VIEW").WillReturnResult(pgxmock.NewResult("REFRESH", 0))
	}
	expectStageComplete(mock)
	expectStageStart(mock, StageValidate)
	expectValidateAll(mock, c, 25)
	expectStageComplete(mock)

	report, err := testEngine(t, mock, nil).Refresh(context.Background())
	require.NoError(t, err)
	for _, o := range report.Refresh.Outcomes {
		assert.Equal(t, views.StrategyBlocking, o.Strategy)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_RefreshAllFail(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	c := testCatalog(t)
	expectStageStart(mock, StageRefresh)
	for _, d := range c.Persistent() {
		mock.ExpectQuery("SELECT EXISTS").WithArgs(d.Name).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("REFRESH MATERIALIZED VIEW").WillReturnError(errors.New("relation does not exist"))
	}
	expectStageFail(mock)
	expectStageStart(mock, StageValidate)
	expectValidateAll(mock, c, 0)
	expectStageComplete(mock)

	report, err := testEngine(t, mock, nil).Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindRefreshStrategy))
	assert.Contains(t, err.Error(), "2 persistent views not refreshed")
	assert.Equal(t, 6, report.Validation.Count(views.StatusEmpty))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStage_RunLogUnavailable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO etl.runs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), StageTransform).
		WillReturnError(errors.New(`relation "etl.runs" does not exist`))

	called := false
	err = testEngine(t, mock, nil).stage(context.Background(), uuid.New(), StageTransform, func() (*StageResult, error) {
		called = true
		return &StageResult{Rows: 1}, nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	// No complete update is attempted for an entry that was never started.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewEngine_BadTable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewEngine(mock, Options{Table: "user_actions; DROP TABLE users"}, nil)
	require.Error(t, err)
}

func TestReport_OK(t *testing.T) {
	assert.True(t, (&Report{}).OK())

	failedBuild := &views.BuildReport{Outcomes: []views.Outcome{{View: views.OrgSummary}}}
	assert.False(t, (&Report{Build: failedBuild}).OK())

	sparse := views.ValidationReport{Results: []views.Validation{{Target: "user_actions", Status: views.StatusSparse}}}
	assert.True(t, (&Report{Validation: sparse}).OK())

	errored := views.ValidationReport{Results: []views.Validation{{Target: "user_actions", Status: views.StatusError}}}
	assert.False(t, (&Report{Validation: errored}).OK())
}
