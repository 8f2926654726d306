package views_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/credits-etl/internal/db"
	"github.com/sells-group/credits-etl/internal/etl"
	"github.com/sells-group/credits-etl/internal/load"
	"github.com/sells-group/credits-etl/internal/model"
	"github.com/sells-group/credits-etl/internal/transform"
	"github.com/sells-group/credits-etl/internal/views"
)

const storeTestTable = "views_store_test_actions"

// testPool connects to TEST_DATABASE_URL and skips the test when no database
// is reachable.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := db.Connect(ctx, url, db.PoolConfig{ConnectAttempts: 1})
	if err != nil {
		t.Skipf("test database unavailable: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func rawRow(org, user, creditType, action, credits, ts string) model.RawRecord {
	p := func(s string) *string {
		if s == "" {
			return nil
		}
		return model.StrPtr(s)
	}
	return model.RawRecord{
		OrgID:      p(org),
		UserID:     p(user),
		CreditType: p(creditType),
		Action:     p(action),
		Credits:    p(credits),
		Timestamp:  p(ts),
	}
}

// activityFixture covers the view behaviors checked below:
//   - org a: balance 10 - 3 across a padded, upper-cased org id
//   - org s: one dated row and one unparseable (sentinel) row
//   - org p: a recent add-only user
//   - org h: 10, 9, 5 and 4 deductions on one day for four users
//   - org t: a 2/2 tie on action and on user
//   - org d: a row without credit_type
func activityFixture() []model.RawRecord {
	recent := time.Now().UTC().Add(-24 * time.Hour).Format("2006-01-02 15:04:05")

	rows := []model.RawRecord{
		rawRow(" A ", "u1", "api", "add", "10", "2024-01-01 00:00:00"),
		rawRow("a", "u1", "api", "deduct", "3", "2024-01-02 00:00:00"),

		rawRow("s", "us", "api", "add", "5", "2024-02-01 09:00:00"),
		rawRow("s", "us", "api", "deduct", "1", "not-a-date"),

		rawRow("p", "up", "api", "add", "20", recent),

		rawRow("t", "tb", "api", "deduct", "1", "2024-04-01 10:00:00"),
		rawRow("t", "tb", "api", "deduct", "1", "2024-04-01 11:00:00"),
		rawRow("t", "ta", "api", "add", "1", "2024-04-01 12:00:00"),
		rawRow("t", "ta", "api", "add", "1", "2024-04-01 13:00:00"),

		rawRow("d", "ud", "", "add", "4", "2024-05-01 00:00:00"),
	}

	for user, n := range map[string]int{"h10": 10, "h09": 9, "h05": 5, "h04": 4} {
		for i := 0; i < n; i++ {
			rows = append(rows, rawRow("h", user, "api", "deduct", "1", fmt.Sprintf("2024-03-05 10:%02d:00", i)))
		}
	}
	return rows
}

func countRows(t *testing.T, pool *pgxpool.Pool, relation string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, pool.QueryRow(context.Background(), "SELECT COUNT(*) FROM "+db.QuoteIdent(relation)).Scan(&n))
	return n
}

func TestViews_AgainstStore(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	require.NoError(t, etl.Migrate(ctx, pool))

	catalog, err := views.NewCatalog(views.CatalogOptions{Table: storeTestTable, AtRiskDays: 30})
	require.NoError(t, err)

	t.Cleanup(func() {
		for _, d := range catalog.Definitions() {
			_, _ = pool.Exec(context.Background(), d.DropSQL())
		}
		_, _ = pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+db.QuoteIdent(storeTestTable))
	})

	res := transform.New(transform.Options{}).Transform(activityFixture())
	loader, err := load.New(pool, storeTestTable)
	require.NoError(t, err)
	n, err := loader.Load(ctx, res.Records)
	require.NoError(t, err)
	require.Equal(t, int64(len(res.Records)), n)

	builder := views.NewBuilder(pool, catalog)
	first := builder.BuildAll(ctx)
	require.True(t, first.OK(), "build failures: %v", first.Failed())

	counts := make(map[string]int64)
	for _, name := range catalog.Names() {
		counts[name] = countRows(t, pool, name)
	}

	second := builder.BuildAll(ctx)
	require.True(t, second.OK(), "build failures: %v", second.Failed())
	for _, name := range catalog.Names() {
		assert.Equal(t, counts[name], countRows(t, pool, name), "rebuild changed %s", name)
	}

	t.Run("org balance", func(t *testing.T) {
		var total float64
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT total_credits FROM finance_org_credit_balance WHERE org_id = $1`, "a").Scan(&total))
		assert.Equal(t, 7.0, total)

		require.NoError(t, pool.QueryRow(ctx,
			`SELECT total_credits FROM finance_org_credit_balance WHERE org_id = $1`, "d").Scan(&total))
		assert.Equal(t, 4.0, total, "finance views include default credit type rows")
	})

	t.Run("default credit type excluded from activity", func(t *testing.T) {
		var rows int64
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM customer_success_daily_activity WHERE org_id = $1`, "d").Scan(&rows))
		assert.Zero(t, rows)
	})

	t.Run("sentinel excluded from executive dates", func(t *testing.T) {
		var firstActivity, lastActivity time.Time
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT first_activity, last_activity FROM executive_summary WHERE org_id = $1`, "s").
			Scan(&firstActivity, &lastActivity))
		want := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
		assert.True(t, want.Equal(firstActivity), "first_activity %s", firstActivity)
		assert.True(t, want.Equal(lastActivity), "last_activity %s", lastActivity)
	})

	t.Run("add-only user is not using credits", func(t *testing.T) {
		var status string
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT customer_status FROM customer_success_user_rollup WHERE org_id = $1 AND user_id = $2`, "p", "up").
			Scan(&status))
		assert.Equal(t, "Not Using Credits", status)
	})

	t.Run("usage level boundaries", func(t *testing.T) {
		want := map[string]string{
			"h10": "High Usage",
			"h09": "Medium Usage",
			"h05": "Medium Usage",
			"h04": "Low Usage",
		}
		for user, level := range want {
			var got string
			require.NoError(t, pool.QueryRow(ctx,
				`SELECT usage_level FROM customer_success_daily_activity WHERE org_id = $1 AND user_id = $2`, "h", user).
				Scan(&got))
			assert.Equal(t, level, got, user)
		}
	})

	t.Run("executive tie-break", func(t *testing.T) {
		var action, user string
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT primary_action_type, most_active_user_id FROM executive_summary WHERE org_id = $1`, "t").
			Scan(&action, &user))
		assert.Equal(t, "add", action)
		assert.Equal(t, "ta", user)
	})

	t.Run("refresh persistent views concurrently", func(t *testing.T) {
		report := views.NewRefresher(pool, catalog).RefreshAll(ctx)
		require.True(t, report.OK())
		for _, o := range report.Outcomes {
			assert.Equal(t, views.Refreshed, o.State, o.View)
			assert.Equal(t, views.StrategyConcurrent, o.Strategy, o.View)
		}
	})
}
