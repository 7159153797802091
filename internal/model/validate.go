package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-sql/civil"
)

// MaxIntervalWeeks bounds IntervalWeeks; larger values are almost certainly
// an ingestion bug.
const MaxIntervalWeeks = 52

// keyReserved are the separators used inside identity keys.
const keyReserved = "/@"

// SecondsOfDay returns t as seconds since midnight.
func SecondsOfDay(t civil.Time) int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

// Validate checks the structural invariants of a pattern. An inverted date
// range is not a validation failure: it simply expands to nothing.
func (p MeetingPattern) Validate() error {
	var errs []FieldError

	if p.Weekdays.Empty() {
		errs = append(errs, FieldError{Field: "weekdays", Message: "at least one weekday required"})
	}
	if !p.StartTime.IsValid() {
		errs = append(errs, FieldError{Field: "start_time", Message: "invalid time of day"})
	}
	if !p.EndTime.IsValid() {
		errs = append(errs, FieldError{Field: "end_time", Message: "invalid time of day"})
	}
	if p.StartTime.IsValid() && p.EndTime.IsValid() && SecondsOfDay(p.StartTime) >= SecondsOfDay(p.EndTime) {
		errs = append(errs, FieldError{Field: "end_time", Message: "must be after start_time"})
	}
	if !p.StartDate.IsValid() {
		errs = append(errs, FieldError{Field: "start_date", Message: "invalid date"})
	}
	if !p.EndDate.IsValid() {
		errs = append(errs, FieldError{Field: "end_date", Message: "invalid date"})
	}
	if p.TimeZone == "" {
		errs = append(errs, FieldError{Field: "timezone", Message: "required"})
	} else if _, err := time.LoadLocation(p.TimeZone); err != nil {
		errs = append(errs, FieldError{Field: "timezone", Message: fmt.Sprintf("unknown time zone %q", p.TimeZone)})
	}
	if p.IntervalWeeks < 0 || p.IntervalWeeks > MaxIntervalWeeks {
		errs = append(errs, FieldError{Field: "interval_weeks", Message: fmt.Sprintf("must be between 1 and %d", MaxIntervalWeeks)})
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// Validate checks the meeting, its pattern and exception dates.
func (m Meeting) Validate() error {
	if m.ID == "" {
		return NewValidationError("meeting.id", "required")
	}
	if strings.ContainsAny(m.ID, keyReserved) {
		return NewValidationError("meeting.id", "must not contain '/' or '@'")
	}
	if err := m.Pattern.Validate(); err != nil {
		return fmt.Errorf("meeting %s: %w", m.ID, err)
	}
	for i, ex := range m.Exceptions {
		if !ex.Date.IsValid() {
			return fmt.Errorf("meeting %s: %w", m.ID,
				NewValidationError(fmt.Sprintf("exceptions[%d].date", i), "invalid date"))
		}
	}
	return nil
}

// Validate checks the course and every meeting; meeting ids must be unique
// within the course because identity keys derive from them.
func (c Course) Validate() error {
	if c.ID == "" {
		return NewValidationError("course.id", "required")
	}
	if strings.ContainsAny(c.ID, keyReserved) {
		return NewValidationError("course.id", "must not contain '/' or '@'")
	}
	seen := make(map[string]struct{}, len(c.Meetings))
	for _, m := range c.Meetings {
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("course %s: %w", c.ID,
				NewValidationError("meetings", fmt.Sprintf("duplicate meeting id %q", m.ID)))
		}
		seen[m.ID] = struct{}{}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("course %s: %w", c.ID, err)
		}
	}
	return nil
}
