package recurrence

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/cadence/internal/domain"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dates(occs []domain.Occurrence) []time.Time {
	out := make([]time.Time, 0, len(occs))
	for _, o := range occs {
		out = append(out, o.At)
	}
	return out
}

func TestResolve_FirstMondayOfEachMonth(t *testing.T) {
	spec := domain.ScheduleSpec{
		Weekdays: domain.NewWeekdaySet(time.Monday),
		Ordinals: domain.OrdinalFirst,
		Period:   domain.Indefinite(),
	}

	occs, err := All(spec, Between(date(2025, 1, 1), date(2025, 3, 31)))
	require.NoError(t, err)

	assert.Equal(t, []time.Time{date(2025, 1, 6), date(2025, 2, 3), date(2025, 3, 3)}, dates(occs))
}

func TestResolve_CountYieldsExactlyN(t *testing.T) {
	specs := map[string]domain.ScheduleSpec{
		"tue-thu": {
			Weekdays: domain.NewWeekdaySet(time.Tuesday, time.Thursday),
			Period:   domain.ForCount(10),
			Anchor:   date(2025, 1, 1),
		},
		"last friday of february": {
			Months:   domain.NewMonthSet(time.February),
			Weekdays: domain.NewWeekdaySet(time.Friday),
			Ordinals: domain.OrdinalLast,
			Period:   domain.ForCount(4),
			Anchor:   date(2025, 1, 1),
		},
		"every day": {
			Period: domain.ForCount(45),
			Anchor: date(2024, 12, 20),
		},
	}

	for name, spec := range specs {
		t.Run(name, func(t *testing.T) {
			occs, err := All(spec, Range{})
			require.NoError(t, err)
			require.Len(t, occs, spec.Period.Count)
			for i := 1; i < len(occs); i++ {
				assert.True(t, occs[i].At.After(occs[i-1].At), "occurrence %d not ascending", i)
				assert.Equal(t, occs[i-1].Index+1, occs[i].Index)
			}
		})
	}
}

func TestResolve_LastFridayOfFebruary(t *testing.T) {
	spec := domain.ScheduleSpec{
		Months:   domain.NewMonthSet(time.February),
		Weekdays: domain.NewWeekdaySet(time.Friday),
		Ordinals: domain.OrdinalLast,
		Period:   domain.ForCount(4),
		Anchor:   date(2025, 1, 1),
	}

	occs, err := All(spec, Range{})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		date(2025, 2, 28),
		date(2026, 2, 27),
		date(2027, 2, 26),
		date(2028, 2, 25),
	}, dates(occs))
}

func TestMatches_LastOrdinal(t *testing.T) {
	spec := domain.ScheduleSpec{Ordinals: domain.OrdinalLast}

	for d := date(2024, 1, 1); d.Before(date(2026, 1, 1)); d = d.AddDate(0, 0, 1) {
		noLaterSameWeekday := d.AddDate(0, 0, 7).Month() != d.Month()
		assert.Equal(t, noLaterSameWeekday, Matches(spec, d), d.Format(time.DateOnly))
	}
}

func TestResolve_EndDateIsInclusive(t *testing.T) {
	spec := domain.ScheduleSpec{
		Weekdays: domain.NewWeekdaySet(time.Monday),
		Period:   domain.Until(date(2025, 1, 27)),
		Anchor:   date(2025, 1, 1),
	}

	occs, err := All(spec, Range{})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{date(2025, 1, 6), date(2025, 1, 13), date(2025, 1, 20), date(2025, 1, 27)}, dates(occs))
}

func TestResolve_IndefiniteNeedsRangeEnd(t *testing.T) {
	spec := domain.ScheduleSpec{
		Weekdays: domain.NewWeekdaySet(time.Monday),
		Anchor:   date(2025, 1, 1),
	}

	_, err := Resolve(spec, Range{Start: date(2025, 1, 1)})
	require.Error(t, err)

	var rangeErr *domain.UnresolvedRangeError
	assert.True(t, errors.As(err, &rangeErr))
	assert.ErrorIs(t, err, domain.ErrUnresolvedRange)
}

func TestResolve_NoStartPoint(t *testing.T) {
	spec := domain.ScheduleSpec{Period: domain.ForCount(2)}

	_, err := Resolve(spec, Range{})
	assert.ErrorIs(t, err, domain.ErrUnresolvedRange)
}

func TestResolve_RejectsInvalidSpec(t *testing.T) {
	tests := []struct {
		name string
		spec domain.ScheduleSpec
	}{
		{"zero count", domain.ScheduleSpec{Period: domain.ForCount(0), Anchor: date(2025, 1, 1)}},
		{"end before anchor", domain.ScheduleSpec{Period: domain.Until(date(2024, 12, 31)), Anchor: date(2025, 1, 1)}},
		{"unknown kind", domain.ScheduleSpec{Period: domain.ActivePeriod{Kind: "sometimes"}, Anchor: date(2025, 1, 1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.spec, Between(date(2025, 1, 1), date(2025, 12, 31)))
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestResolve_EmptySetsMatchEveryDate(t *testing.T) {
	occs, err := All(domain.ScheduleSpec{}, Between(date(2025, 1, 1), date(2025, 1, 10)))
	require.NoError(t, err)
	require.Len(t, occs, 10)
	assert.Equal(t, date(2025, 1, 1), occs[0].At)
	assert.Equal(t, date(2025, 1, 10), occs[9].At)
}

func TestResolve_ConstraintsThatNeverCoOccur(t *testing.T) {
	spec := domain.ScheduleSpec{
		Months:   domain.NewMonthSet(time.February),
		Weekdays: domain.NewWeekdaySet(time.Monday),
		Ordinals: domain.OrdinalFifth,
	}

	occs, err := All(spec, Between(date(2025, 1, 1), date(2027, 12, 31)))
	require.NoError(t, err)
	assert.Empty(t, occs)
}

func TestResolve_CountConsumedBeforeRangeStart(t *testing.T) {
	spec := domain.ScheduleSpec{
		Weekdays: domain.NewWeekdaySet(time.Monday),
		Period:   domain.ForCount(4),
		Anchor:   date(2025, 1, 1),
	}

	occs, err := All(spec, Range{Start: date(2025, 1, 15)})
	require.NoError(t, err)
	require.Len(t, occs, 2)
	assert.Equal(t, domain.Occurrence{At: date(2025, 1, 20), Index: 3}, occs[0])
	assert.Equal(t, domain.Occurrence{At: date(2025, 1, 27), Index: 4}, occs[1])
}

func TestSequence_Reset(t *testing.T) {
	spec := domain.ScheduleSpec{
		Weekdays: domain.NewWeekdaySet(time.Wednesday),
		Period:   domain.ForCount(3),
		Anchor:   date(2025, 1, 1),
	}
	seq, err := Resolve(spec, Range{})
	require.NoError(t, err)

	first := seq.Collect(0)
	_, ok := seq.Next()
	assert.False(t, ok)
	assert.Equal(t, 3, seq.Emitted())

	seq.Reset()
	assert.Equal(t, first, seq.Collect(0))
}

func TestResolve_KeepsAnchorClock(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	spec := domain.ScheduleSpec{
		Weekdays: domain.NewWeekdaySet(time.Monday),
		Period:   domain.ForCount(2),
		Anchor:   time.Date(2025, 1, 1, 9, 30, 0, 0, loc),
	}

	occs, err := All(spec, Range{})
	require.NoError(t, err)
	require.Len(t, occs, 2)
	assert.True(t, occs[0].At.Equal(time.Date(2025, 1, 6, 9, 30, 0, 0, loc)))
	assert.Equal(t, loc, occs[1].At.Location())
}

func TestNextAfter(t *testing.T) {
	spec := domain.ScheduleSpec{
		Weekdays: domain.NewWeekdaySet(time.Monday),
		Anchor:   time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC),
	}

	occ, ok, err := NextAfter(spec, time.Date(2025, 1, 6, 9, 30, 0, 0, time.UTC), date(2025, 1, 31))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 13, 9, 30, 0, 0, time.UTC), occ.At)

	_, ok, err = NextAfter(spec, date(2025, 1, 14), date(2025, 1, 19))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNextAfter_Anchorless(t *testing.T) {
	spec := domain.ScheduleSpec{Weekdays: domain.NewWeekdaySet(time.Monday)}

	occ, ok, err := NextAfter(spec, time.Time{}, time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, date(2025, 1, 6), occ.At)
}

func TestCalendarHelpers(t *testing.T) {
	assert.Equal(t, 29, DaysIn(2024, time.February))
	assert.Equal(t, 28, DaysIn(2025, time.February))
	assert.Equal(t, 31, DaysIn(2025, time.December))

	assert.Equal(t, 1, WeekOrdinalOf(date(2025, 3, 7)))
	assert.Equal(t, 2, WeekOrdinalOf(date(2025, 3, 8)))
	assert.Equal(t, 5, WeekOrdinalOf(date(2025, 3, 31)))

	assert.True(t, IsLastOfMonth(date(2025, 3, 25)))
	assert.False(t, IsLastOfMonth(date(2025, 3, 24)))
}

func TestResolve_ConcurrentReaders(t *testing.T) {
	spec := domain.ScheduleSpec{
		Weekdays: domain.NewWeekdaySet(time.Friday),
		Ordinals: domain.OrdinalSecond | domain.OrdinalLast,
		Anchor:   date(2025, 1, 1),
	}
	want, err := All(spec, Between(date(2025, 1, 1), date(2025, 12, 31)))
	require.NoError(t, err)
	require.Len(t, want, 24)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := All(spec, Between(date(2025, 1, 1), date(2025, 12, 31)))
			assert.NoError(t, err)
			assert.Equal(t, want, got)
		}()
	}
	wg.Wait()
}
