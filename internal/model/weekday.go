package model

import (
	"fmt"
	"strings"
	"time"
)

// WeekdaySet is a set of weekdays stored as a bitmask (bit i = time.Weekday(i)).
type WeekdaySet uint8

// NewWeekdaySet builds a set from the given days.
func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		s = s.With(d)
	}
	return s
}

func (s WeekdaySet) With(d time.Weekday) WeekdaySet {
	return s | 1<<uint(d)
}

func (s WeekdaySet) Has(d time.Weekday) bool {
	return s&(1<<uint(d)) != 0
}

func (s WeekdaySet) Empty() bool {
	return s&0x7f == 0
}

func (s WeekdaySet) Len() int {
	n := 0
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			n++
		}
	}
	return n
}

// Days returns the members ordered Monday first.
func (s WeekdaySet) Days() []time.Weekday {
	out := make([]time.Weekday, 0, 7)
	for i := 1; i <= 7; i++ {
		d := time.Weekday(i % 7)
		if s.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

// String renders the set as two-letter codes, e.g. "MO,WE,FR".
func (s WeekdaySet) String() string {
	days := s.Days()
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strings.ToUpper(d.String()[:2])
	}
	return strings.Join(parts, ",")
}

var weekdayNames = map[string]time.Weekday{
	"mo": time.Monday, "mon": time.Monday, "monday": time.Monday, "m": time.Monday,
	"tu": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday, "t": time.Tuesday,
	"we": time.Wednesday, "wed": time.Wednesday, "wednesday": time.Wednesday, "w": time.Wednesday,
	"th": time.Thursday, "thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday, "r": time.Thursday,
	"fr": time.Friday, "fri": time.Friday, "friday": time.Friday, "f": time.Friday,
	"sa": time.Saturday, "sat": time.Saturday, "saturday": time.Saturday, "s": time.Saturday,
	"su": time.Sunday, "sun": time.Sunday, "sunday": time.Sunday, "u": time.Sunday,
}

// ParseWeekday accepts English names, three-letter and two-letter codes and
// the registrar single letters (M T W R F S U).
func ParseWeekday(s string) (time.Weekday, error) {
	d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
	return d, nil
}

// ParseWeekdays parses a list of weekday tokens into a set.
func ParseWeekdays(tokens []string) (WeekdaySet, error) {
	var s WeekdaySet
	for _, tok := range tokens {
		d, err := ParseWeekday(tok)
		if err != nil {
			return 0, err
		}
		s = s.With(d)
	}
	return s, nil
}
