package db

import (
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// identPattern accepts lower-case unquoted Postgres identifiers.
var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ValidateIdent checks that name is a plain (optionally schema-qualified)
// identifier that can be interpolated into DDL after quoting.
func ValidateIdent(name string) error {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return eris.Errorf("db: invalid identifier %q", name)
	}
	for _, p := range parts {
		if !identPattern.MatchString(p) {
			return eris.Errorf("db: invalid identifier %q", name)
		}
	}
	return nil
}

// Identifier splits a possibly schema-qualified name into a pgx.Identifier.
func Identifier(name string) pgx.Identifier {
	return pgx.Identifier(strings.SplitN(name, ".", 2))
}

// QuoteIdent returns name quoted for use in SQL, handling "schema.table".
func QuoteIdent(name string) string {
	return Identifier(name).Sanitize()
}
