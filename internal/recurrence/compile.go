package recurrence

import (
	"fmt"
	"time"

	"coursecal/internal/clock"
	"coursecal/internal/model"
)

// MaxNativeInterval is the largest week interval the remote recurrence
// vocabulary is trusted with.
const MaxNativeInterval = 2

// Capabilities describes what the remote calendar can represent natively.
type Capabilities struct {
	NativeRecurrence bool
}

// Descriptor is the compiled representation of one meeting: either a single
// native recurring series or an explicit list of occurrences.
type Descriptor struct {
	Mode model.EventMode

	// Native only: the series anchor (first candidate occurrence, even when
	// an exception suppresses it) and the RRULE/EXDATE lines.
	Anchor     model.Occurrence
	Recurrence []string

	// Occurrences is the expanded, exception-filtered sequence. It is filled
	// in both modes; in native mode it is informational.
	Occurrences []model.Occurrence
	Truncated   bool
}

// ExpectedEvents is how many remote events this meeting should map to.
func (d Descriptor) ExpectedEvents() int {
	if d.Mode == model.ModeNative {
		return 1
	}
	return len(d.Occurrences)
}

// NativeEligible reports whether p can be expressed as one remote series.
func NativeEligible(p model.MeetingPattern, caps Capabilities) bool {
	if !caps.NativeRecurrence {
		return false
	}
	if p.Interval() > MaxNativeInterval {
		return false
	}
	// Only the seven weekday bits are representable as BYDAY codes.
	return !p.Weekdays.Empty() && p.Weekdays&^0x7f == 0
}

// Compile chooses native or explicit representation for a meeting.
func Compile(m model.Meeting, caps Capabilities, opts Options) (Descriptor, error) {
	expanded, err := ExpandMeeting(m, opts)
	if err != nil {
		return Descriptor{}, err
	}

	d := Descriptor{
		Mode:        model.ModeExplicit,
		Occurrences: expanded.Occurrences,
		Truncated:   expanded.Truncated,
	}
	if !NativeEligible(m.Pattern, caps) || len(expanded.Occurrences) == 0 || expanded.Truncated {
		return d, nil
	}

	// Series anchor and EXDATEs come from the unfiltered candidate list.
	all, err := ExpandMeeting(model.Meeting{ID: m.ID, Pattern: m.Pattern}, opts)
	if err != nil {
		return Descriptor{}, err
	}
	if len(all.Occurrences) == 0 {
		return d, nil
	}

	lines, err := nativeRule(m.Pattern, opts)
	if err != nil {
		return Descriptor{}, err
	}
	if ex := exdateLine(m.Pattern, all.Occurrences, expanded.Occurrences); ex != "" {
		lines = append(lines, ex)
	}

	d.Mode = model.ModeNative
	d.Anchor = all.Occurrences[0]
	d.Recurrence = lines
	return d, nil
}

// nativeRule renders the RRULE line. UNTIL is the end of EndDate in the
// pattern's zone expressed in UTC, as required when DTSTART carries a TZID.
func nativeRule(p model.MeetingPattern, opts Options) ([]string, error) {
	loc, err := clock.Location(p.TimeZone)
	if err != nil {
		return nil, err
	}
	until := time.Date(p.EndDate.Year, p.EndDate.Month, p.EndDate.Day, 23, 59, 59, 0, loc).UTC()

	// DTSTART travels on the event itself, so the rule line omits it.
	opt := weeklyOption(p, opts.weekStart(), time.Time{}, until)
	return []string{"RRULE:" + opt.RRuleString()}, nil
}

// exdateLine lists every candidate that the exception set removed, at its
// nominal wall-clock start, in one EXDATE line. The nominal time matches the
// instance the RRULE generates even when the date's start falls in a DST gap.
func exdateLine(p model.MeetingPattern, all, kept []model.Occurrence) string {
	keep := make(map[string]struct{}, len(kept))
	for _, o := range kept {
		keep[o.Date.String()] = struct{}{}
	}

	var values []byte
	for _, o := range all {
		if _, ok := keep[o.Date.String()]; ok {
			continue
		}
		if len(values) > 0 {
			values = append(values, ',')
		}
		values = fmt.Appendf(values, "%04d%02d%02dT%02d%02d%02d",
			o.Date.Year, int(o.Date.Month), o.Date.Day,
			p.StartTime.Hour, p.StartTime.Minute, p.StartTime.Second)
	}
	if len(values) == 0 {
		return ""
	}
	return fmt.Sprintf("EXDATE;TZID=%s:%s", p.TimeZone, values)
}
