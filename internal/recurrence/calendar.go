package recurrence

import (
	"time"

	"github.com/rcliao/cadence/internal/domain"
)

// gregorianCycleDays is the length of the 400-year Gregorian cycle. Weekday and
// month-length patterns repeat exactly after it, so a scan of this many days
// without a match proves the schedule can never match.
const gregorianCycleDays = 146097

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// WeekOrdinalOf returns the 1-based position (1..5) of t's weekday within its month.
func WeekOrdinalOf(t time.Time) int {
	return (t.Day()-1)/7 + 1
}

// IsLastOfMonth reports whether no later date in t's month falls on t's weekday.
func IsLastOfMonth(t time.Time) bool {
	return t.Day()+7 > DaysIn(t.Year(), t.Month())
}

// Matches reports whether the calendar date of t satisfies the month, weekday and
// ordinal constraints of spec. Empty sets place no constraint, so a spec with all
// three sets empty matches every date. The active period is not considered.
func Matches(spec domain.ScheduleSpec, t time.Time) bool {
	if !spec.Months.IsEmpty() && !spec.Months.Has(t.Month()) {
		return false
	}
	if !spec.Weekdays.IsEmpty() && !spec.Weekdays.Has(t.Weekday()) {
		return false
	}
	if spec.Ordinals.IsEmpty() {
		return true
	}
	if spec.Ordinals.Has(domain.OrdinalFor(WeekOrdinalOf(t))) {
		return true
	}
	return spec.Ordinals.Has(domain.OrdinalLast) && IsLastOfMonth(t)
}

// civil is a calendar date without clock or location, kept as UTC midnight so
// day arithmetic is never disturbed by DST changes.
type civil struct {
	day time.Time
}

func civilOf(t time.Time) civil {
	y, m, d := t.Date()
	return civil{day: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func (c civil) next() civil {
	return civil{day: c.day.AddDate(0, 0, 1)}
}

// firstOfNextMonth also reports how many days were skipped to get there.
func (c civil) firstOfNextMonth() (civil, int) {
	y, m, _ := c.day.Date()
	n := civil{day: time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)}
	return n, int(n.day.Sub(c.day).Hours() / 24)
}

func (c civil) after(o civil) bool { return c.day.After(o.day) }

// at places the date at the clock time and location of ref.
func (c civil) at(ref time.Time) time.Time {
	y, m, d := c.day.Date()
	return time.Date(y, m, d, ref.Hour(), ref.Minute(), ref.Second(), ref.Nanosecond(), ref.Location())
}
