package views

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/credits-etl/internal/model"
)

func expectBuild(mock pgxmock.PgxPoolIface, d Definition) {
	mock.ExpectBegin()
	mock.ExpectExec(sqlPattern(d.DropSQL())).WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectExec(sqlPattern(`CREATE MATERIALIZED VIEW "` + d.Name + `" AS`)).
		WillReturnResult(pgxmock.NewResult("SELECT", 3))
	for _, stmt := range d.IndexSQL() {
		mock.ExpectExec(sqlPattern(stmt)).WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))
	}
	mock.ExpectCommit()
}

func TestBuild_CreatesViewThenIndexes(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	c := testCatalog(t)
	expectBuild(mock, lookup(t, c, ExecutiveSummary))

	err = NewBuilder(mock, c).Build(context.Background(), ExecutiveSummary)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuild_UnknownView(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	err = NewBuilder(mock, testCatalog(t)).Build(context.Background(), "users; DROP TABLE users")
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindViewDefinition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuild_IndexFailureRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	c := testCatalog(t)
	d := lookup(t, c, OrgCreditBalance)

	mock.ExpectBegin()
	mock.ExpectExec(sqlPattern(d.DropSQL())).WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectExec("CREATE MATERIALIZED VIEW").WillReturnResult(pgxmock.NewResult("SELECT", 3))
	mock.ExpectExec("CREATE UNIQUE INDEX").WillReturnError(errors.New("could not create unique index"))
	mock.ExpectRollback()

	err = NewBuilder(mock, c).Build(context.Background(), OrgCreditBalance)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindViewDefinition))
	assert.Contains(t, err.Error(), "create index idx_finance_org_credit_balance_org_id")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildAll_ContinuesPastFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	c := testCatalog(t)
	defs := c.Definitions()

	expectBuild(mock, defs[0])

	// Second view fails on its body.
	mock.ExpectBegin()
	mock.ExpectExec(sqlPattern(defs[1].DropSQL())).WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectExec("CREATE MATERIALIZED VIEW").WillReturnError(errors.New(`relation "user_actions" does not exist`))
	mock.ExpectRollback()

	for _, d := range defs[2:] {
		expectBuild(mock, d)
	}

	report := NewBuilder(mock, c).BuildAll(context.Background())

	require.Len(t, report.Outcomes, len(defs))
	assert.False(t, report.OK())
	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, OrgCreditBalance, failed[0].View)
	assert.Contains(t, failed[0].Diagnostic, "does not exist")
	for i, o := range report.Outcomes {
		assert.Equal(t, defs[i].Name, o.View)
		if i != 1 {
			assert.True(t, o.OK, o.View)
			assert.Empty(t, o.Diagnostic)
		}
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildAll_Twice(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	c := testCatalog(t)
	for range 2 {
		for _, d := range c.Definitions() {
			expectBuild(mock, d)
		}
	}

	b := NewBuilder(mock, c)
	first := b.BuildAll(context.Background())
	second := b.BuildAll(context.Background())
	assert.True(t, first.OK())
	assert.True(t, second.OK())
	assert.NoError(t, mock.ExpectationsWereMet())
}
