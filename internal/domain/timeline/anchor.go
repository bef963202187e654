// Package timeline converts between absolute calendar dates and recovery
// days relative to a patient's surgery date.
//
// Every value is truncated to a calendar day in one fixed location before it
// is compared, so the same instant never maps to two different recovery days.
package timeline

import (
	"time"
)

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// Anchor performs recovery-day arithmetic in a single location.
type Anchor struct {
	loc *time.Location
}

// NewAnchor returns an Anchor bound to loc. A nil location means UTC.
func NewAnchor(loc *time.Location) Anchor {
	if loc == nil {
		loc = time.UTC
	}
	return Anchor{loc: loc}
}

// UTC is the Anchor used when no time zone is configured.
var UTC = NewAnchor(time.UTC)

// Location returns the anchor's location.
func (a Anchor) Location() *time.Location {
	if a.loc == nil {
		return time.UTC
	}
	return a.loc
}

// Day truncates t to midnight of its calendar day in the anchor's location.
func (a Anchor) Day(t time.Time) time.Time {
	y, m, d := t.In(a.Location()).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, a.Location())
}

// FromCivil reinterprets the calendar date of t, read in t's own location,
// as midnight in the anchor's location. Postgres DATE values scan as UTC
// midnight and must pass through here before any comparison.
func (a Anchor) FromCivil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, a.Location())
}

// Compare returns -1, 0 or +1 as the calendar day of x is before, equal to or
// after that of y.
func (a Anchor) Compare(x, y time.Time) int {
	dx, dy := civilDays(a.Day(x)), civilDays(a.Day(y))
	switch {
	case dx < dy:
		return -1
	case dx > dy:
		return 1
	}
	return 0
}

// ToDate returns the calendar date of recovery day `day`. Day 0 is the
// surgery date itself.
func (a Anchor) ToDate(surgery time.Time, day int) time.Time {
	return a.Day(surgery).AddDate(0, 0, day)
}

// ToRecoveryDay returns the number of whole calendar days from the surgery
// date to date. Dates before surgery yield negative days.
func (a Anchor) ToRecoveryDay(surgery, date time.Time) int {
	return civilDays(a.Day(date)) - civilDays(a.Day(surgery))
}

// CurrentRecoveryDay is ToRecoveryDay evaluated at today. Callers read the
// clock; this package never does.
func (a Anchor) CurrentRecoveryDay(surgery, today time.Time) int {
	return a.ToRecoveryDay(surgery, today)
}

// ParseDate parses a YYYY-MM-DD string as a calendar day in the anchor's
// location.
func (a Anchor) ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, a.Location())
}

// civilDays counts days since the Unix epoch for the civil date of t,
// ignoring its location so DST transitions cannot produce fractional days.
func civilDays(t time.Time) int {
	y, m, d := t.Date()
	return int(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400)
}
