// Package recurrence turns schedules into ordered occurrence instants.
//
// Everything here is pure: a Sequence owns its own cursor and nothing is shared
// between calls, so callers may resolve schedules from any number of goroutines.
package recurrence

import (
	"time"

	"github.com/rcliao/cadence/internal/domain"
)

// Range bounds a resolution. Both ends are inclusive. A zero Start means
// "from the schedule anchor"; a zero End leaves the range open.
type Range struct {
	Start time.Time
	End   time.Time
}

func Between(start, end time.Time) Range { return Range{Start: start, End: end} }

// Sequence lazily yields the occurrences of a schedule in ascending order.
// It is restartable through Reset and is not safe for concurrent use.
type Sequence struct {
	spec  domain.ScheduleSpec
	rng   Range
	ref   time.Time
	first civil
	end   *civil

	cur     civil
	index   int
	barren  int
	emitted int
	done    bool
}

// Resolve validates spec and returns a lazy sequence of its occurrences within r.
//
// An indefinite schedule needs r.End, otherwise an UnresolvedRangeError is
// returned. Count and end-date policies bound the sequence on their own.
// Occurrence indexes count from the anchor, so occurrences before r.Start
// consume a Count policy without being emitted.
func Resolve(spec domain.ScheduleSpec, r Range) (*Sequence, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
		return nil, domain.Invalidf("range", "end %s is before start %s", r.End, r.Start)
	}

	start := spec.Anchor
	if start.IsZero() {
		start = r.Start
	}
	if start.IsZero() {
		return nil, &domain.UnresolvedRangeError{Reason: "schedule has no anchor and the range has no start"}
	}
	if spec.Period.IsIndefinite() && r.End.IsZero() {
		return nil, &domain.UnresolvedRangeError{Reason: "indefinite schedule requires a bounding range end"}
	}

	ref := start
	if spec.Anchor.IsZero() {
		// Anchorless schedules fire at midnight of each matching date.
		y, m, d := start.Date()
		ref = time.Date(y, m, d, 0, 0, 0, 0, start.Location())
	}

	seq := &Sequence{
		spec:  spec,
		rng:   r,
		ref:   ref,
		first: civilOf(start),
	}
	// Without a count to honour, scanning can begin at the range start.
	if spec.Period.Kind != domain.PeriodCount && !r.Start.IsZero() && r.Start.After(start) {
		seq.first = civilOf(r.Start)
	}
	if spec.Period.Kind == domain.PeriodEndDate {
		end := civilOf(spec.Period.End)
		seq.end = &end
	}
	seq.Reset()
	return seq, nil
}

// Reset rewinds the sequence to its first occurrence.
func (s *Sequence) Reset() {
	s.cur = s.first
	s.index = 0
	s.barren = 0
	s.emitted = 0
	s.done = false
}

// Next returns the next occurrence, or false once the sequence is exhausted.
func (s *Sequence) Next() (domain.Occurrence, bool) {
	for !s.done {
		if s.barren >= gregorianCycleDays {
			s.done = true
			break
		}

		day := s.cur
		if s.end != nil && day.after(*s.end) {
			s.done = true
			break
		}
		if !s.rng.End.IsZero() && civilOf(s.rng.End).day.Before(day.day) {
			s.done = true
			break
		}

		if !s.spec.Months.IsEmpty() && !s.spec.Months.Has(day.day.Month()) {
			next, skipped := day.firstOfNextMonth()
			s.cur = next
			s.barren += skipped
			continue
		}
		s.cur = day.next()

		if !Matches(s.spec, day.day) {
			s.barren++
			continue
		}
		s.barren = 0
		s.index++

		if s.spec.Period.Kind == domain.PeriodCount && s.index > s.spec.Period.Count {
			s.done = true
			break
		}
		at := day.at(s.ref)
		if !s.rng.End.IsZero() && at.After(s.rng.End) {
			s.done = true
			break
		}
		if !s.rng.Start.IsZero() && at.Before(s.rng.Start) {
			continue
		}
		s.emitted++
		return domain.Occurrence{At: at, Index: s.index}, true
	}
	return domain.Occurrence{}, false
}

// Collect drains up to limit occurrences (limit <= 0 means no limit).
func (s *Sequence) Collect(limit int) []domain.Occurrence {
	var out []domain.Occurrence
	for limit <= 0 || len(out) < limit {
		occ, ok := s.Next()
		if !ok {
			break
		}
		out = append(out, occ)
	}
	return out
}

// Emitted returns how many occurrences this pass has produced since the last Reset.
func (s *Sequence) Emitted() int { return s.emitted }

// All resolves spec within r and collects every occurrence.
func All(spec domain.ScheduleSpec, r Range) ([]domain.Occurrence, error) {
	seq, err := Resolve(spec, r)
	if err != nil {
		return nil, err
	}
	return seq.Collect(0), nil
}

// NextAfter returns the first occurrence strictly after `after` and no later than `until`.
// A zero `after` searches from the anchor, or from the start of `until`'s day when
// the schedule has no anchor.
func NextAfter(spec domain.ScheduleSpec, after, until time.Time) (domain.Occurrence, bool, error) {
	r := Range{End: until}
	switch {
	case !after.IsZero():
		r.Start = after.Add(time.Nanosecond)
	case spec.Anchor.IsZero():
		y, m, d := until.Date()
		r.Start = time.Date(y, m, d, 0, 0, 0, 0, until.Location())
	}
	if !r.Start.IsZero() && r.Start.After(until) {
		return domain.Occurrence{}, false, nil
	}
	seq, err := Resolve(spec, r)
	if err != nil {
		return domain.Occurrence{}, false, err
	}
	occ, ok := seq.Next()
	return occ, ok, nil
}
