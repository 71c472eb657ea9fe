package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MonthSet is a set of calendar months. The empty set places no constraint on the month.
type MonthSet uint16

var monthNames = func() []namedBit {
	table := make([]namedBit, 0, 12)
	for m := time.January; m <= time.December; m++ {
		table = append(table, namedBit{uint64(1) << uint(m-1), strings.ToLower(m.String()[:3])})
	}
	return table
}()

var monthAliases = func() map[string]uint64 {
	aliases := make(map[string]uint64, 24)
	for m := time.January; m <= time.December; m++ {
		bit := uint64(1) << uint(m-1)
		aliases[strings.ToLower(m.String())] = bit
		aliases[strconv.Itoa(int(m))] = bit
	}
	return aliases
}()

func NewMonthSet(months ...time.Month) MonthSet {
	var s MonthSet
	for _, m := range months {
		s = s.Add(m)
	}
	return s
}

func (s MonthSet) Add(m time.Month) MonthSet {
	if m < time.January || m > time.December {
		return s
	}
	return s | MonthSet(1)<<uint(m-1)
}

func (s MonthSet) Has(m time.Month) bool {
	if m < time.January || m > time.December {
		return false
	}
	return s&(MonthSet(1)<<uint(m-1)) != 0
}

func (s MonthSet) IsEmpty() bool { return s == 0 }

// Months returns the members in calendar order.
func (s MonthSet) Months() []time.Month {
	var out []time.Month
	for m := time.January; m <= time.December; m++ {
		if s.Has(m) {
			out = append(out, m)
		}
	}
	return out
}

func (s MonthSet) Names() []string { return bitNames(uint64(s), monthNames) }
func (s MonthSet) String() string  { return joinNames(s.Names()) }

func (s MonthSet) MarshalJSON() ([]byte, error) { return json.Marshal(s.Names()) }

func (s *MonthSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("months: %w", err)
	}
	v, err := ParseMonths(names)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseMonths accepts short names (jan), long names (january) and month numbers (1-12).
func ParseMonths(names []string) (MonthSet, error) {
	bits, err := parseBits("months", names, monthNames, monthAliases)
	return MonthSet(bits), err
}

// WeekdaySet is a set of days of the week. The empty set matches every weekday.
type WeekdaySet uint8

var weekdayNames = func() []namedBit {
	table := make([]namedBit, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		table = append(table, namedBit{uint64(1) << uint(d), strings.ToLower(d.String()[:3])})
	}
	return table
}()

var weekdayAliases = func() map[string]uint64 {
	aliases := make(map[string]uint64, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		aliases[strings.ToLower(d.String())] = uint64(1) << uint(d)
	}
	return aliases
}()

func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		s = s.Add(d)
	}
	return s
}

func (s WeekdaySet) Add(d time.Weekday) WeekdaySet {
	if d < time.Sunday || d > time.Saturday {
		return s
	}
	return s | WeekdaySet(1)<<uint(d)
}

func (s WeekdaySet) Has(d time.Weekday) bool {
	if d < time.Sunday || d > time.Saturday {
		return false
	}
	return s&(WeekdaySet(1)<<uint(d)) != 0
}

func (s WeekdaySet) IsEmpty() bool   { return s == 0 }
func (s WeekdaySet) Names() []string { return bitNames(uint64(s), weekdayNames) }
func (s WeekdaySet) String() string  { return joinNames(s.Names()) }

func (s WeekdaySet) MarshalJSON() ([]byte, error) { return json.Marshal(s.Names()) }

func (s *WeekdaySet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("weekdays: %w", err)
	}
	v, err := ParseWeekdays(names)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseWeekdays accepts short (mon) and long (monday) names.
func ParseWeekdays(names []string) (WeekdaySet, error) {
	bits, err := parseBits("weekdays", names, weekdayNames, weekdayAliases)
	return WeekdaySet(bits), err
}

// WeekOrdinal selects which occurrence of a weekday within its month a schedule fires on.
// The empty set matches every ordinal position.
type WeekOrdinal uint8

const (
	OrdinalFirst WeekOrdinal = 1 << iota
	OrdinalSecond
	OrdinalThird
	OrdinalFourth
	OrdinalFifth
	// OrdinalLast matches when no later date in the month shares the weekday.
	OrdinalLast
)

var ordinalNames = []namedBit{
	{uint64(OrdinalFirst), "first"},
	{uint64(OrdinalSecond), "second"},
	{uint64(OrdinalThird), "third"},
	{uint64(OrdinalFourth), "fourth"},
	{uint64(OrdinalFifth), "fifth"},
	{uint64(OrdinalLast), "last"},
}

var ordinalAliases = map[string]uint64{
	"1": uint64(OrdinalFirst), "1st": uint64(OrdinalFirst),
	"2": uint64(OrdinalSecond), "2nd": uint64(OrdinalSecond),
	"3": uint64(OrdinalThird), "3rd": uint64(OrdinalThird),
	"4": uint64(OrdinalFourth), "4th": uint64(OrdinalFourth),
	"5": uint64(OrdinalFifth), "5th": uint64(OrdinalFifth),
	"-1": uint64(OrdinalLast),
}

// OrdinalFor maps a 1-based position (1..5) to its ordinal member.
func OrdinalFor(position int) WeekOrdinal {
	if position < 1 || position > 5 {
		return 0
	}
	return WeekOrdinal(1) << uint(position-1)
}

func (o WeekOrdinal) Has(v WeekOrdinal) bool { return v != 0 && o&v == v }
func (o WeekOrdinal) IsEmpty() bool          { return o == 0 }
func (o WeekOrdinal) Names() []string        { return bitNames(uint64(o), ordinalNames) }
func (o WeekOrdinal) String() string         { return joinNames(o.Names()) }

func (o WeekOrdinal) MarshalJSON() ([]byte, error) { return json.Marshal(o.Names()) }

func (o *WeekOrdinal) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("ordinals: %w", err)
	}
	v, err := ParseWeekOrdinals(names)
	if err != nil {
		return err
	}
	*o = v
	return nil
}

func ParseWeekOrdinals(names []string) (WeekOrdinal, error) {
	bits, err := parseBits("ordinals", names, ordinalNames, ordinalAliases)
	return WeekOrdinal(bits), err
}

// PeriodKind discriminates the ActivePeriod variants.
type PeriodKind string

const (
	PeriodIndefinite PeriodKind = "indefinite"
	PeriodCount      PeriodKind = "count"
	PeriodEndDate    PeriodKind = "end_date"
)

// ActivePeriod limits how long a schedule keeps producing occurrences.
// Count is only meaningful for PeriodCount and End only for PeriodEndDate.
type ActivePeriod struct {
	Kind  PeriodKind `json:"kind"`
	Count int        `json:"count,omitempty"`
	End   time.Time  `json:"end,omitempty"`
}

func Indefinite() ActivePeriod         { return ActivePeriod{Kind: PeriodIndefinite} }
func ForCount(n int) ActivePeriod      { return ActivePeriod{Kind: PeriodCount, Count: n} }
func Until(end time.Time) ActivePeriod { return ActivePeriod{Kind: PeriodEndDate, End: end} }

func (p ActivePeriod) IsIndefinite() bool { return p.Kind == PeriodIndefinite || p.Kind == "" }

func (p ActivePeriod) String() string {
	switch p.Kind {
	case PeriodCount:
		return fmt.Sprintf("count(%d)", p.Count)
	case PeriodEndDate:
		return "until(" + p.End.Format(time.DateOnly) + ")"
	default:
		return string(PeriodIndefinite)
	}
}

// ScheduleSpec describes a recurring schedule. It is treated as an immutable value.
type ScheduleSpec struct {
	Months   MonthSet     `json:"months"`
	Ordinals WeekOrdinal  `json:"ordinals"`
	Weekdays WeekdaySet   `json:"weekdays"`
	Period   ActivePeriod `json:"period"`

	// Anchor is the first instant the schedule may fire on; its clock time and
	// location carry over to every occurrence.
	Anchor time.Time `json:"anchor"`
}

func (s ScheduleSpec) Validate() error {
	switch s.Period.Kind {
	case "", PeriodIndefinite:
	case PeriodCount:
		if s.Period.Count < 1 {
			return Invalidf("schedule.period.count", "count must be >= 1, got %d", s.Period.Count)
		}
	case PeriodEndDate:
		if s.Period.End.IsZero() {
			return Invalidf("schedule.period.end", "end date is required")
		}
		if !s.Anchor.IsZero() && s.Period.End.Before(s.Anchor) {
			return Invalidf("schedule.period.end", "end %s is before anchor %s",
				s.Period.End.Format(time.DateOnly), s.Anchor.Format(time.DateOnly))
		}
	default:
		return Invalidf("schedule.period.kind", "unknown period kind %q", s.Period.Kind)
	}
	return nil
}

func (s ScheduleSpec) String() string {
	return fmt.Sprintf("months=%s ordinals=%s weekdays=%s period=%s", s.Months, s.Ordinals, s.Weekdays, s.Period)
}

// Occurrence is one resolved firing of a schedule. Index is 1-based; under a Count
// policy it is counted from the anchor, otherwise from the start of the resolved range.
type Occurrence struct {
	At    time.Time `json:"at"`
	Index int       `json:"index"`
}
