package model

import (
	"time"

	"github.com/golang-sql/civil"
)

// Course is a finalized course handed over by the ingestion side. It is
// immutable input to the sync core; a changed course is a new value.
type Course struct {
	ID         string
	Code       string // e.g. "CS 101"
	Title      string
	Instructor string

	// ColorID is the remote calendar's color identifier ("" = calendar default).
	ColorID   string
	Reminders []Reminder

	Meetings []Meeting
}

// Meeting is one recurring slot of a course (lecture, lab, ...).
type Meeting struct {
	ID         string
	Kind       string
	Pattern    MeetingPattern
	Exceptions []ExceptionDate
}

// MeetingPattern is the canonical recurrence definition of a meeting.
type MeetingPattern struct {
	Weekdays  WeekdaySet
	StartTime civil.Time
	EndTime   civil.Time
	StartDate civil.Date
	EndDate   civil.Date
	TimeZone  string

	// IntervalWeeks is 1 for every week, 2 for odd/even-week patterns.
	// Zero means 1.
	IntervalWeeks int

	Location string
	Notes    string
}

// Interval returns the effective week interval.
func (p MeetingPattern) Interval() int {
	if p.IntervalWeeks <= 0 {
		return 1
	}
	return p.IntervalWeeks
}

// ExceptionDate suppresses an otherwise-matching occurrence on Date
// (a calendar date in the pattern's time zone).
type ExceptionDate struct {
	Date   civil.Date
	Reason string
}

// Resolution records how a local wall-clock time was mapped to an instant.
type Resolution string

const (
	ResolutionExact Resolution = "exact"
	// ResolutionShiftedForward: the wall time fell into a DST gap and was
	// moved to the first valid instant after it.
	ResolutionShiftedForward Resolution = "shifted_forward"
	// ResolutionAmbiguousEarlier: the wall time occurred twice (clocks set
	// back) and the earlier instant was chosen.
	ResolutionAmbiguousEarlier Resolution = "ambiguous_earlier"
)

// Occurrence is one concrete dated instance of a meeting. It is derived and
// identified by (MeetingID, Date).
type Occurrence struct {
	MeetingID string
	Date      civil.Date

	Start time.Time
	End   time.Time

	StartResolution Resolution
	EndResolution   Resolution

	Location string
	Notes    string
}

// Adjusted reports whether either boundary needed DST resolution.
func (o Occurrence) Adjusted() bool {
	return o.StartResolution != ResolutionExact || o.EndResolution != ResolutionExact
}

// Reminder is a popup/email reminder override on a remote event.
type Reminder struct {
	Method  string `json:"method"`
	Minutes int    `json:"minutes"`
}

// EventMode tells how a meeting is represented remotely.
type EventMode string

const (
	ModeNative   EventMode = "native"   // one recurring remote event
	ModeExplicit EventMode = "explicit" // one remote event per occurrence
)

// DesiredEvent is the fully resolved content the core wants a remote event
// to carry. Two DesiredEvents built from the same inputs are identical.
type DesiredEvent struct {
	Key       string
	CourseID  string
	MeetingID string
	Mode      EventMode

	Title       string
	Description string
	Location    string

	Start    time.Time
	End      time.Time
	TimeZone string

	// Recurrence holds RRULE/EXDATE lines for native events.
	Recurrence []string

	Reminders []Reminder
	ColorID   string

	// Notes carries human-readable DST resolution notes; not synced content.
	Notes []string
}

// Record is one event_map row: the last content the core put on the remote.
type Record struct {
	Namespace    string
	Key          string
	RemoteID     string
	Fingerprint  string
	LastSyncedAt time.Time
}
