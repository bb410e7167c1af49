// Package times normalizes user supplied timestamps into the panel's single
// canonical timezone, producing the (iso, epoch) pair stored on every
// activity and ballot record.
package times

import (
	"strings"
	"time"

	"github.com/example/assembly-panel/internal/domain"
)

// DefaultZone is the canonical timezone applied when configuration does not
// override it.
const DefaultZone = "Europe/Madrid"

// Stamp is a normalized instant: the zone-qualified ISO form kept for display
// plus the epoch seconds used for all comparisons.
type Stamp struct {
	ISO   string
	Epoch int64
}

var acceptedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// Normalize parses value and re-expresses it in loc. Naive inputs (no zone
// suffix) are interpreted as wall time in loc.
func Normalize(value string, loc *time.Location) (Stamp, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Stamp{}, domain.Validationf("time", "timestamp is required")
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range acceptedLayouts {
		parsed, err := time.ParseInLocation(layout, trimmed, loc)
		if err != nil {
			continue
		}
		return FromTime(parsed, loc), nil
	}
	return Stamp{}, domain.Validationf("time", "invalid timestamp %q, use YYYY-MM-DDTHH:MM", trimmed)
}

// FromTime converts an already-parsed instant into a canonical Stamp.
func FromTime(t time.Time, loc *time.Location) Stamp {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return Stamp{
		ISO:   local.Format("2006-01-02T15:04-07:00"),
		Epoch: local.Unix(),
	}
}

// FromEpoch converts epoch seconds into a canonical Stamp.
func FromEpoch(epoch int64, loc *time.Location) Stamp {
	return FromTime(time.Unix(epoch, 0), loc)
}

// LoadZone resolves a zone name, falling back to DefaultZone on empty input.
func LoadZone(name string) (*time.Location, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		trimmed = DefaultZone
	}
	loc, err := time.LoadLocation(trimmed)
	if err != nil {
		return nil, domain.Validationf("timezone", "unknown timezone %q", trimmed)
	}
	return loc, nil
}
