// Package views builds, refreshes and validates the materialized views
// derived from the canonical user_actions table.
package views

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/credits-etl/internal/db"
	"github.com/sells-group/credits-etl/internal/model"
)

// Class determines how a view is kept current.
type Class int

const (
	// Persistent views are created once per build and refreshed in place
	// between pipeline runs.
	Persistent Class = iota
	// Ephemeral views are recreated by every build and never refreshed.
	Ephemeral
)

func (c Class) String() string {
	if c == Ephemeral {
		return "ephemeral"
	}
	return "persistent"
}

// MarshalText renders the class by name in JSON and YAML reports.
func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Audiences served by the view layer.
const (
	AudienceCustomerSuccess = "customer_success"
	AudienceFinance         = "finance"
	AudienceExecutive       = "executive"
)

// Catalog view names. These are the only names the builder, refresher and
// validator accept.
const (
	DailyActivity    = "customer_success_daily_activity"
	OrgCreditBalance = "finance_org_credit_balance"
	UserRollup       = "customer_success_user_rollup"
	OrgSummary       = "finance_org_summary"
	ExecutiveSummary = "executive_summary"
)

// Reference tables owned by an external collaborator. Migrations create them
// empty so view joins resolve.
const (
	OrganizationsTable = "organizations"
	UsersTable         = "users"
)

// Index is a supporting index on a view.
type Index struct {
	Name    string   `json:"name" yaml:"name"`
	Columns []string `json:"columns" yaml:"columns"`
	Unique  bool     `json:"unique" yaml:"unique"`
}

// Definition declares one derived view.
type Definition struct {
	Name     string   `json:"name" yaml:"name"`
	Audience string   `json:"audience" yaml:"audience"`
	Class    Class    `json:"class" yaml:"class"`
	Query    string   `json:"-" yaml:"-"`
	Indexes  []Index  `json:"indexes" yaml:"indexes"`
	Columns  []string `json:"columns" yaml:"columns"`
}

// UniqueIndex returns the first unique index, which concurrent refresh needs.
func (d Definition) UniqueIndex() (Index, bool) {
	for _, idx := range d.Indexes {
		if idx.Unique {
			return idx, true
		}
	}
	return Index{}, false
}

// DropSQL drops the view and everything depending on it, indexes included.
func (d Definition) DropSQL() string {
	return fmt.Sprintf("DROP MATERIALIZED VIEW IF EXISTS %s CASCADE", db.QuoteIdent(d.Name))
}

// CreateSQL creates and populates the view.
func (d Definition) CreateSQL() string {
	return fmt.Sprintf("CREATE MATERIALIZED VIEW %s AS %s", db.QuoteIdent(d.Name), d.Query)
}

// IndexSQL returns the CREATE INDEX statements in declaration order.
func (d Definition) IndexSQL() []string {
	out := make([]string, len(d.Indexes))
	for i, idx := range d.Indexes {
		cols := make([]string, len(idx.Columns))
		for j, c := range idx.Columns {
			cols[j] = db.QuoteIdent(c)
		}
		kw := "CREATE INDEX"
		if idx.Unique {
			kw = "CREATE UNIQUE INDEX"
		}
		out[i] = fmt.Sprintf("%s %s ON %s (%s)", kw, db.QuoteIdent(idx.Name), db.QuoteIdent(d.Name), strings.Join(cols, ", "))
	}
	return out
}

// CatalogOptions parameterizes the view queries.
type CatalogOptions struct {
	// Table is the canonical table, optionally schema-qualified.
	Table string
	// AtRiskDays is the inactivity threshold for the At Risk status.
	AtRiskDays int
}

// Catalog is the allow-list of view definitions in build order.
type Catalog struct {
	table  string
	defs   []Definition
	byName map[string]int
}

// NewCatalog renders every definition against the given table.
func NewCatalog(opts CatalogOptions) (*Catalog, error) {
	if opts.Table == "" {
		opts.Table = "user_actions"
	}
	if err := db.ValidateIdent(opts.Table); err != nil {
		return nil, eris.Wrap(err, "views: canonical table")
	}
	if opts.AtRiskDays <= 0 {
		opts.AtRiskDays = 30
	}

	r := strings.NewReplacer(
		"{{table}}", db.QuoteIdent(opts.Table),
		"{{organizations}}", db.QuoteIdent(OrganizationsTable),
		"{{users}}", db.QuoteIdent(UsersTable),
		"{{sentinel}}", "TIMESTAMPTZ '"+model.SentinelTimestamp.Format("2006-01-02 15:04:05")+"+00'",
		"{{at_risk_days}}", strconv.Itoa(opts.AtRiskDays),
	)

	defs := []Definition{
		{
			Name:     DailyActivity,
			Audience: AudienceCustomerSuccess,
			Class:    Persistent,
			Query:    r.Replace(dailyActivitySQL),
			Indexes: []Index{
				{Name: "idx_cs_daily_activity_unique", Columns: []string{"activity_date", "org_id", "user_id", "action", "credit_type"}, Unique: true},
			},
			Columns: []string{"activity_date", "org_id", "user_id", "action", "credit_type", "total_credits_used", "action_count", "usage_level"},
		},
		{
			Name:     OrgCreditBalance,
			Audience: AudienceFinance,
			Class:    Persistent,
			Query:    r.Replace(orgBalanceSQL),
			Indexes: []Index{
				{Name: "idx_finance_org_credit_balance_org_id", Columns: []string{"org_id"}, Unique: true},
			},
			Columns: []string{"org_id", "total_credits"},
		},
		{
			Name:     UserRollup,
			Audience: AudienceCustomerSuccess,
			Class:    Ephemeral,
			Query:    r.Replace(userRollupSQL),
			Indexes: []Index{
				{Name: "idx_cs_user_rollup_unique", Columns: []string{"org_id", "user_id"}, Unique: true},
				{Name: "idx_cs_user_rollup_engagement", Columns: []string{"engagement_level"}},
				{Name: "idx_cs_user_rollup_status", Columns: []string{"customer_status"}},
			},
			Columns: []string{
				"org_id", "organization", "industry", "user_id", "user_name", "user_role", "user_email",
				"first_activity_date", "last_activity_date", "active_days", "net_credit_balance",
				"total_credits_purchased", "total_credits_consumed", "total_actions", "purchase_actions",
				"usage_actions", "engagement_level", "customer_status", "avg_daily_usage",
			},
		},
		{
			Name:     OrgSummary,
			Audience: AudienceFinance,
			Class:    Ephemeral,
			Query:    r.Replace(orgSummarySQL),
			Indexes: []Index{
				{Name: "idx_finance_org_summary_org_id", Columns: []string{"org_id"}, Unique: true},
				{Name: "idx_finance_org_summary_balance", Columns: []string{"net_credit_balance"}},
			},
			Columns: []string{
				"org_id", "organization", "industry", "net_credit_balance", "total_credits_added",
				"total_credits_used", "active_users", "total_transactions", "invoice_status", "avg_transaction_value",
			},
		},
		{
			Name:     ExecutiveSummary,
			Audience: AudienceExecutive,
			Class:    Ephemeral,
			Query:    r.Replace(executiveSummarySQL),
			Indexes: []Index{
				{Name: "idx_executive_summary_org_id", Columns: []string{"org_id"}, Unique: true},
				{Name: "idx_executive_summary_volume", Columns: []string{"total_credit_volume"}},
			},
			Columns: []string{
				"org_id", "organization", "industry", "total_users", "active_days", "total_credit_volume",
				"total_actions", "avg_credit_per_action", "primary_action_type", "most_active_user_id",
				"most_active_user", "first_activity", "last_activity",
			},
		},
	}

	c := &Catalog{table: opts.Table, defs: defs, byName: make(map[string]int, len(defs))}
	for i, d := range defs {
		c.byName[d.Name] = i
	}
	return c, nil
}

// Table returns the canonical table the views read from.
func (c *Catalog) Table() string {
	return c.table
}

// Definitions returns all views in build order.
func (c *Catalog) Definitions() []Definition {
	return c.defs
}

// Lookup returns the named definition.
func (c *Catalog) Lookup(name string) (Definition, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Definition{}, false
	}
	return c.defs[i], true
}

// Persistent returns the refreshable views in build order.
func (c *Catalog) Persistent() []Definition {
	var out []Definition
	for _, d := range c.defs {
		if d.Class == Persistent {
			out = append(out, d)
		}
	}
	return out
}

// Names returns every view name in build order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.defs))
	for i, d := range c.defs {
		out[i] = d.Name
	}
	return out
}
