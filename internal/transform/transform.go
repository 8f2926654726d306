// Package transform reconciles raw credit activity rows into canonical
// records: timestamp reconciliation, identifier policy, the one-organization-
// per-user rule, text normalization and default filling.
package transform

import (
	"cmp"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/credits-etl/internal/model"
)

// IdentifierPolicy decides which rows missing org_id or user_id survive.
type IdentifierPolicy string

const (
	// PolicyStrict drops a row when either identifier is missing.
	PolicyStrict IdentifierPolicy = "strict"
	// PolicyLenient drops a row only when both identifiers are missing. A
	// surviving row without org_id inherits its user's organization; one
	// without user_id cannot be attributed and is dropped by the
	// single-organization rule.
	PolicyLenient IdentifierPolicy = "lenient"
)

// ParsePolicy converts a configuration value to an IdentifierPolicy. The
// empty string means strict.
func ParsePolicy(s string) (IdentifierPolicy, error) {
	switch IdentifierPolicy(s) {
	case "", PolicyStrict:
		return PolicyStrict, nil
	case PolicyLenient:
		return PolicyLenient, nil
	default:
		return "", eris.Errorf("transform: unknown identifier policy %q", s)
	}
}

// Options configures a Transformer.
type Options struct {
	IdentifierPolicy IdentifierPolicy
}

// Stats summarizes the data-quality degradations absorbed by a Transform.
type Stats struct {
	Input                int `json:"input" yaml:"input"`
	Output               int `json:"output" yaml:"output"`
	DroppedMissingIDs    int `json:"dropped_missing_ids" yaml:"dropped_missing_ids"`
	DroppedOrgConflicts  int `json:"dropped_org_conflicts" yaml:"dropped_org_conflicts"`
	OrgsBackfilled       int `json:"orgs_backfilled" yaml:"orgs_backfilled"`
	TimestampsFirstPass  int `json:"timestamps_first_pass" yaml:"timestamps_first_pass"`
	TimestampsEpoch      int `json:"timestamps_epoch" yaml:"timestamps_epoch"`
	TimestampsLayout     int `json:"timestamps_layout" yaml:"timestamps_layout"`
	TimestampsSentinel   int `json:"timestamps_sentinel" yaml:"timestamps_sentinel"`
	CreditsDefaulted     int `json:"credits_defaulted" yaml:"credits_defaulted"`
	CreditTypesDefaulted int `json:"credit_types_defaulted" yaml:"credit_types_defaulted"`

	// ActionsUnclassified counts kept rows whose action is neither add nor
	// deduct. They are persisted but contribute nothing to a balance.
	ActionsUnclassified int     `json:"actions_unclassified" yaml:"actions_unclassified"`
	NetCredits          float64 `json:"net_credits" yaml:"net_credits"`
}

// Dropped returns the number of input rows absent from the output.
func (s Stats) Dropped() int {
	return s.DroppedMissingIDs + s.DroppedOrgConflicts
}

// Degraded returns the number of field values replaced by a sentinel or
// default.
func (s Stats) Degraded() int {
	return s.TimestampsSentinel + s.CreditsDefaulted + s.CreditTypesDefaulted
}

// Result is the output of a Transform.
type Result struct {
	Records []model.CanonicalRecord
	Stats   Stats
}

// Transformer converts raw rows into canonical records. It is deterministic
// and not safe for concurrent use.
type Transformer struct {
	policy IdentifierPolicy
	norm   *normalizer
	log    *zap.Logger
}

// New creates a Transformer. An unset policy means strict.
func New(opts Options) *Transformer {
	policy := opts.IdentifierPolicy
	if policy == "" {
		policy = PolicyStrict
	}
	return &Transformer{
		policy: policy,
		norm:   newNormalizer(),
		log:    zap.L().With(zap.String("component", "transform")),
	}
}

// row is the working representation between rules. Absent values are nil.
type row struct {
	orgID      *string
	userID     *string
	creditType *string
	action     *string
	credits    *string
	ts         time.Time
	tsOK       bool
}

// Transform applies every rule to the whole batch in a fixed order and
// returns records sorted by (org_id, user_id). Each rule produces a new slice
// from the previous one, so no rule is ever partially applied.
func (t *Transformer) Transform(raw []model.RawRecord) Result {
	var stats Stats
	stats.Input = len(raw)

	rows := t.normalize(raw)
	rows = t.reconcileTimestamps(raw, rows, &stats)
	rows = t.applyIdentifierPolicy(rows, &stats)
	rows = sortByUserTime(rows)
	rows = t.enforceSingleOrg(rows, &stats)
	records := fillDefaults(rows, &stats)
	sortByOrgUser(records)

	stats.Output = len(records)
	t.logStats(stats)

	return Result{Records: records, Stats: stats}
}

func (t *Transformer) normalize(raw []model.RawRecord) []row {
	out := make([]row, len(raw))
	for i, r := range raw {
		out[i] = row{
			orgID:      t.norm.text(r.OrgID),
			userID:     t.norm.text(r.UserID),
			creditType: t.norm.text(r.CreditType),
			action:     t.norm.text(r.Action),
			credits:    t.norm.text(r.Credits),
		}
	}
	return out
}

// reconcileTimestamps reads from the raw cells because layout matching is
// case-sensitive (AM/PM).
func (t *Transformer) reconcileTimestamps(raw []model.RawRecord, rows []row, stats *Stats) []row {
	out := make([]row, len(rows))
	for i, r := range rows {
		ts, tier := ReconcileTimestamp(raw[i].Timestamp, raw[i].ParsedTimestamp)
		switch tier {
		case TierFirstPass:
			stats.TimestampsFirstPass++
		case TierEpoch:
			stats.TimestampsEpoch++
		case TierLayout:
			stats.TimestampsLayout++
		}
		r.ts = ts
		r.tsOK = tier != TierUnparseable
		out[i] = r
	}
	return out
}

func (t *Transformer) applyIdentifierPolicy(rows []row, stats *Stats) []row {
	out := make([]row, 0, len(rows))
	for _, r := range rows {
		var keep bool
		switch t.policy {
		case PolicyLenient:
			keep = r.orgID != nil || r.userID != nil
		default:
			keep = r.orgID != nil && r.userID != nil
		}
		if !keep {
			stats.DroppedMissingIDs++
			continue
		}
		out = append(out, r)
	}
	return out
}

// sortByUserTime orders rows by (user_id, timestamp) ascending with
// unparseable timestamps last. Equal keys keep input order.
func sortByUserTime(rows []row) []row {
	out := slices.Clone(rows)
	slices.SortStableFunc(out, func(a, b row) int {
		if c := cmp.Compare(deref(a.userID), deref(b.userID)); c != 0 {
			return c
		}
		switch {
		case a.tsOK && !b.tsOK:
			return -1
		case !a.tsOK && b.tsOK:
			return 1
		case !a.tsOK && !b.tsOK:
			return 0
		}
		return a.ts.Compare(b.ts)
	})
	return out
}

// enforceSingleOrg keeps, for each user, only the rows whose org_id equals
// the org_id of the user's first row (in user/time order) that has one.
// Rows without an org_id inherit it.
func (t *Transformer) enforceSingleOrg(rows []row, stats *Stats) []row {
	selected := make(map[string]string)
	for _, r := range rows {
		if r.userID == nil || r.orgID == nil {
			continue
		}
		if _, ok := selected[*r.userID]; !ok {
			selected[*r.userID] = *r.orgID
		}
	}

	out := make([]row, 0, len(rows))
	for _, r := range rows {
		if r.userID == nil {
			stats.DroppedMissingIDs++
			continue
		}
		org, ok := selected[*r.userID]
		if !ok {
			// Lenient policy: no row of this user names an organization.
			stats.DroppedMissingIDs++
			continue
		}
		if r.orgID == nil {
			o := org
			r.orgID = &o
			stats.OrgsBackfilled++
		} else if *r.orgID != org {
			stats.DroppedOrgConflicts++
			continue
		}
		out = append(out, r)
	}
	return out
}

func fillDefaults(rows []row, stats *Stats) []model.CanonicalRecord {
	out := make([]model.CanonicalRecord, len(rows))
	for i, r := range rows {
		rec := model.CanonicalRecord{
			OrgID:     *r.orgID,
			UserID:    *r.userID,
			Action:    model.Action(deref(r.action)),
			Timestamp: r.ts,
		}

		if !r.tsOK {
			rec.Timestamp = model.SentinelTimestamp
			stats.TimestampsSentinel++
		}

		if credits, ok := parseCredits(r.credits); ok {
			rec.Credits = credits
		} else {
			rec.Credits = model.DefaultCredits
			stats.CreditsDefaulted++
		}

		if r.creditType != nil {
			rec.CreditType = *r.creditType
		} else {
			rec.CreditType = model.DefaultCreditType
			stats.CreditTypesDefaulted++
		}

		if !rec.Action.Classified() {
			stats.ActionsUnclassified++
		}
		stats.NetCredits += rec.Signed()

		out[i] = rec
	}
	return out
}

func sortByOrgUser(records []model.CanonicalRecord) {
	slices.SortStableFunc(records, func(a, b model.CanonicalRecord) int {
		if c := cmp.Compare(a.OrgID, b.OrgID); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
}

func (t *Transformer) logStats(s Stats) {
	fields := []zap.Field{
		zap.Int("input", s.Input),
		zap.Int("output", s.Output),
		zap.Int("dropped_missing_ids", s.DroppedMissingIDs),
		zap.Int("dropped_org_conflicts", s.DroppedOrgConflicts),
		zap.Int("orgs_backfilled", s.OrgsBackfilled),
		zap.Int("timestamps_sentinel", s.TimestampsSentinel),
		zap.Int("credits_defaulted", s.CreditsDefaulted),
		zap.Int("credit_types_defaulted", s.CreditTypesDefaulted),
		zap.Int("actions_unclassified", s.ActionsUnclassified),
		zap.Float64("net_credits", s.NetCredits),
		zap.String("identifier_policy", string(t.policy)),
	}
	if s.Dropped() > 0 || s.Degraded() > 0 {
		t.log.Warn("transform absorbed data-quality issues", fields...)
		return
	}
	t.log.Info("transform complete", fields...)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
