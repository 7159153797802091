package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-sql/civil"
	"github.com/teambition/rrule-go"

	"coursecal/internal/clock"
	appLog "coursecal/internal/log"
	"coursecal/internal/model"
)

const (
	defaultMaxOccurrencesPerMeeting = 5000
)

// Options controls how recurrence expansion is performed.
type Options struct {
	// WeekStart is the first day of the reference week used for interval
	// alignment. Zero value (Sunday) is only honored when WeekStartSet is true;
	// otherwise Monday is used.
	WeekStart    time.Weekday
	WeekStartSet bool

	// MaxOccurrences is a safety cap per meeting. If zero,
	// defaultMaxOccurrencesPerMeeting is used.
	MaxOccurrences int
}

func (o Options) weekStart() time.Weekday {
	if !o.WeekStartSet {
		return time.Monday
	}
	return o.WeekStart
}

func (o Options) maxOccurrences() int {
	if o.MaxOccurrences <= 0 {
		return defaultMaxOccurrencesPerMeeting
	}
	return o.MaxOccurrences
}

// ExpandResult wraps the expanded occurrences and whether the cap was hit.
type ExpandResult struct {
	Occurrences []model.Occurrence
	Truncated   bool
}

// ExpandMeeting expands a meeting and stamps its id on every occurrence.
func ExpandMeeting(m model.Meeting, opts Options) (ExpandResult, error) {
	res, err := Expand(m.Pattern, m.Exceptions, opts)
	if err != nil {
		return res, fmt.Errorf("meeting %s: %w", m.ID, err)
	}
	for i := range res.Occurrences {
		res.Occurrences[i].MeetingID = m.ID
	}
	if res.Truncated {
		appLog.Error("expand: truncated occurrences for meeting due to cap",
			errors.New("max occurrences reached"),
			"meeting_id", m.ID,
			"cap", opts.maxOccurrences(),
		)
	}
	return res, nil
}

// Expand turns a pattern and its exception dates into the ordered list of
// concrete occurrences. It is a pure function of its inputs.
//
// Candidate dates are those on or after StartDate and on or before EndDate
// whose weekday is in the pattern and whose week is congruent with the
// reference week (the week holding StartDate) modulo IntervalWeeks.
// Exception dates are removed. An empty result is not an error.
func Expand(p model.MeetingPattern, exceptions []model.ExceptionDate, opts Options) (ExpandResult, error) {
	var result ExpandResult

	if err := p.Validate(); err != nil {
		return result, err
	}
	loc, err := clock.Location(p.TimeZone)
	if err != nil {
		return result, err
	}

	dates, truncated, err := candidateDates(p, exceptions, opts)
	if err != nil {
		return result, err
	}
	result.Truncated = truncated

	result.Occurrences = make([]model.Occurrence, 0, len(dates))
	for _, d := range dates {
		result.Occurrences = append(result.Occurrences, makeOccurrence(p, d, loc))
	}
	return result, nil
}

// candidateDates runs the weekly rule over floating dates (midnight UTC) so
// that DST never shifts a candidate across a day boundary; wall times are
// attached afterwards in the pattern's zone.
func candidateDates(p model.MeetingPattern, exceptions []model.ExceptionDate, opts Options) ([]civil.Date, bool, error) {
	dtstart := p.StartDate.In(time.UTC)
	until := p.EndDate.In(time.UTC)
	if until.Before(dtstart) {
		return nil, false, nil
	}

	r, err := rrule.NewRRule(weeklyOption(p, opts.weekStart(), dtstart, until))
	if err != nil {
		return nil, false, fmt.Errorf("build weekly rule: %w", err)
	}

	var set rrule.Set
	set.RRule(r)
	for _, ex := range exceptions {
		set.ExDate(ex.Date.In(time.UTC))
	}

	limit := opts.maxOccurrences()
	out := make([]civil.Date, 0)
	next := set.Iterator()
	for {
		t, ok := next()
		if !ok {
			break
		}
		if len(out) == limit {
			return out, true, nil
		}
		out = append(out, civil.DateOf(t))
	}
	return out, false, nil
}

func weeklyOption(p model.MeetingPattern, weekStart time.Weekday, dtstart, until time.Time) rrule.ROption {
	days := p.Weekdays.Days()
	byday := make([]rrule.Weekday, 0, len(days))
	for _, d := range days {
		byday = append(byday, toRRuleWeekday(d))
	}
	return rrule.ROption{
		Freq:      rrule.WEEKLY,
		Interval:  p.Interval(),
		Wkst:      toRRuleWeekday(weekStart),
		Byweekday: byday,
		Dtstart:   dtstart,
		Until:     until,
	}
}

func makeOccurrence(p model.MeetingPattern, d civil.Date, loc *time.Location) model.Occurrence {
	start, sr := clock.Resolve(d, p.StartTime, loc)
	end, er := clock.Resolve(d, p.EndTime, loc)
	if !end.After(start) {
		// Both ends fell into the same DST gap; keep the scheduled length.
		end = start.Add(time.Duration(model.SecondsOfDay(p.EndTime)-model.SecondsOfDay(p.StartTime)) * time.Second)
	}
	return model.Occurrence{
		Date:            d,
		Start:           start,
		End:             end,
		StartResolution: sr,
		EndResolution:   er,
		Location:        p.Location,
		Notes:           p.Notes,
	}
}

func toRRuleWeekday(d time.Weekday) rrule.Weekday {
	switch d {
	case time.Monday:
		return rrule.MO
	case time.Tuesday:
		return rrule.TU
	case time.Wednesday:
		return rrule.WE
	case time.Thursday:
		return rrule.TH
	case time.Friday:
		return rrule.FR
	case time.Saturday:
		return rrule.SA
	default:
		return rrule.SU
	}
}
