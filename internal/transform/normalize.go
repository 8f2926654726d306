package transform

import (
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// normalizer trims, NFC-normalizes and lower-cases text cells. A cases.Caser
// keeps state, so each Transformer owns its own.
type normalizer struct {
	lower cases.Caser
}

func newNormalizer() *normalizer {
	return &normalizer{lower: cases.Lower(language.Und)}
}

// text returns the normalized value, or nil when v is absent or blank.
func (n *normalizer) text(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	s = n.lower.String(norm.NFC.String(s))
	return &s
}

// parseCredits parses a normalized credits cell. ok is false for absent,
// malformed or non-finite values.
func parseCredits(v *string) (float64, bool) {
	if v == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(*v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
