// Package model defines the record types shared by the extract, transform and
// load stages, and the typed error kinds surfaced to callers.
package model

import (
	"time"
)

// Canonical defaults applied by the transformer after normalization.
const (
	DefaultCreditType = "default"
	DefaultCredits    = 1.0
)

// SentinelTimestamp marks a timestamp that was missing or unparseable in the
// source. Derived views exclude it from every date-based column.
var SentinelTimestamp = time.Date(1990, time.January, 1, 0, 0, 0, 0, time.UTC)

// IsSentinel reports whether t is the sentinel timestamp.
func IsSentinel(t time.Time) bool {
	return t.Equal(SentinelTimestamp)
}

// Columns is the required column set of the raw input and the canonical table,
// in storage order.
var Columns = []string{"org_id", "user_id", "credit_type", "action", "credits", "timestamp"}

// Action is a credit action as recorded in the source.
type Action string

const (
	ActionAdd    Action = "add"
	ActionDeduct Action = "deduct"
)

// Sign returns +1 for add, -1 for deduct and 0 for anything else.
// Unclassified actions are neutral for balance purposes.
func (a Action) Sign() float64 {
	switch a {
	case ActionAdd:
		return 1
	case ActionDeduct:
		return -1
	default:
		return 0
	}
}

// Classified reports whether a is one of the known actions.
func (a Action) Classified() bool {
	return a == ActionAdd || a == ActionDeduct
}

// RawRecord is one row as read from the tabular source. A nil field means the
// cell was absent or blank.
type RawRecord struct {
	OrgID      *string `csv:"org_id"`
	UserID     *string `csv:"user_id"`
	CreditType *string `csv:"credit_type"`
	Action     *string `csv:"action"`
	Credits    *string `csv:"credits"`
	Timestamp  *string `csv:"timestamp"`

	// ParsedTimestamp is set by the extractor when its first-pass parse of
	// Timestamp succeeds.
	ParsedTimestamp *time.Time `csv:"-"`

	// Line is the 1-based data row number in the source (header excluded).
	Line int `csv:"-"`
}

// CanonicalRecord is a reconciled credit activity row ready for loading.
type CanonicalRecord struct {
	OrgID      string    `json:"org_id"`
	UserID     string    `json:"user_id"`
	CreditType string    `json:"credit_type"`
	Action     Action    `json:"action"`
	Credits    float64   `json:"credits"`
	Timestamp  time.Time `json:"timestamp"`
}

// Signed returns the record's contribution to a balance.
func (r CanonicalRecord) Signed() float64 {
	return r.Action.Sign() * r.Credits
}

// Values returns the record as a row in Columns order. An empty action is
// stored as NULL.
func (r CanonicalRecord) Values() []any {
	var action any
	if r.Action != "" {
		action = string(r.Action)
	}
	return []any{r.OrgID, r.UserID, r.CreditType, action, r.Credits, r.Timestamp}
}

// StrPtr returns a pointer to s. Used to build RawRecords in code and tests.
func StrPtr(s string) *string {
	return &s
}
