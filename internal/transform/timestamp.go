package transform

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/credits-etl/internal/model"
)

// Tier identifies which reconciliation strategy produced a timestamp.
type Tier int

const (
	// TierFirstPass: the extractor already parsed the value.
	TierFirstPass Tier = iota
	// TierEpoch: numeric seconds since the Unix epoch inside the window.
	TierEpoch
	// TierLayout: one of the known textual layouts.
	TierLayout
	// TierUnparseable: nothing matched; the sentinel is substituted later.
	TierUnparseable
)

func (t Tier) String() string {
	switch t {
	case TierFirstPass:
		return "first_pass"
	case TierEpoch:
		return "epoch"
	case TierLayout:
		return "layout"
	default:
		return "unparseable"
	}
}

// Accepted window for epoch-second values, inclusive on both ends.
var (
	epochWindowStart = model.SentinelTimestamp
	epochWindowEnd   = time.Date(2050, time.January, 1, 0, 0, 0, 0, time.UTC)
)

// knownLayouts are tried in order; the first successful parse wins.
var knownLayouts = []string{
	"2006-1-2 15:04:05", // ISO: 2024-11-24 00:00:00
	"2-1-2006",          // European: 19-12-2024
	"1/2/2006 3:04 PM",  // US: 10/29/2024 12:00 AM
}

// ReconcileTimestamp resolves a raw timestamp cell. firstPass is the
// extractor's parse, if any, and is accepted as-is; the epoch window bounds
// numeric input only. The zero time and TierUnparseable are returned when no
// strategy matches.
func ReconcileTimestamp(raw *string, firstPass *time.Time) (time.Time, Tier) {
	if firstPass != nil {
		return firstPass.UTC(), TierFirstPass
	}
	if raw == nil {
		return time.Time{}, TierUnparseable
	}
	v := strings.TrimSpace(*raw)
	if v == "" {
		return time.Time{}, TierUnparseable
	}

	if ts, ok := parseEpoch(v); ok {
		return ts, TierEpoch
	}

	for _, layout := range knownLayouts {
		if ts, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return ts, TierLayout
		}
	}
	return time.Time{}, TierUnparseable
}

func parseEpoch(v string) (time.Time, bool) {
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}, false
	}
	// Reject before converting so huge values cannot overflow int64.
	if secs < float64(epochWindowStart.Unix()) || secs > float64(epochWindowEnd.Unix()) {
		return time.Time{}, false
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), true
}
