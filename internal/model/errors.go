package model

import (
	"errors"
)

// Kind classifies a failure by how the pipeline must react to it.
type Kind int

const (
	KindUnknown Kind = iota

	// KindParseDegradation: a field could not be parsed and was replaced by a
	// sentinel or default. Counted, never returned as an error.
	KindParseDegradation

	// KindIdentifierMissing: a row lacked org_id or user_id and was dropped.
	// Counted, never returned as an error.
	KindIdentifierMissing

	// KindStructuralInput: the source is unreadable or lacks required columns.
	KindStructuralInput

	// KindStoreConnectivity: connection, auth or statement failure against the
	// store. Fatal to the current stage.
	KindStoreConnectivity

	// KindViewDefinition: a single view could not be (re)created. Fatal to
	// that view only.
	KindViewDefinition

	// KindRefreshStrategy: a refresh could not complete, including after the
	// blocking fallback.
	KindRefreshStrategy
)

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindParseDegradation:
		return "parse_degradation"
	case KindIdentifierMissing:
		return "identifier_missing"
	case KindStructuralInput:
		return "structural_input"
	case KindStoreConnectivity:
		return "store_connectivity"
	case KindViewDefinition:
		return "view_definition"
	case KindRefreshStrategy:
		return "refresh_strategy"
	default:
		return "unknown"
	}
}

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and operation name.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
